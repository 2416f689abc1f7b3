package barrier

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishObserveRoundTrip(t *testing.T) {
	var v uint32
	PublishUint32(&v, 42)
	assert.Equal(t, uint32(42), ObserveUint32(&v))
}

func TestCompareAndSwap(t *testing.T) {
	var v uint32
	assert.True(t, CompareAndSwapUint32(&v, 0, 1))
	assert.False(t, CompareAndSwapUint32(&v, 0, 2))
	assert.Equal(t, uint32(1), ObserveUint32(&v))
}

func TestAddUint32IsMonotonic(t *testing.T) {
	var serial uint32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			AddUint32(&serial, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint32(100), ObserveUint32(&serial))
}
