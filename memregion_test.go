package glass

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegionReadWriteRoundTrip(t *testing.T) {
	region := NewMemoryRegion(1024)
	defer region.Close()

	assert.EqualValues(t, 1024, region.Size())

	data := []byte("hello looking glass")
	n, err := region.WriteAt(data, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = region.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
}

func TestMemoryRegionReadAtClampsToRemainingBytes(t *testing.T) {
	region := NewMemoryRegion(100)
	defer region.Close()

	buf := make([]byte, 50)
	n, err := region.ReadAt(buf, 80)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestMemoryRegionWriteBeyondEndFails(t *testing.T) {
	region := NewMemoryRegion(100)
	defer region.Close()

	_, err := region.WriteAt([]byte("test"), 98)
	assert.Error(t, err)
}

func TestMemoryRegionHasNoDMABufSupport(t *testing.T) {
	region := NewMemoryRegion(4096)
	defer region.Close()

	_, ok, err := region.DMABufAt(0, 64)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRegionConcurrentAccessAcrossShards(t *testing.T) {
	region := NewMemoryRegion(4 * regionShardSize)
	defer region.Close()

	var wg sync.WaitGroup
	for shard := 0; shard < 4; shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			off := int64(shard * regionShardSize)
			buf := make([]byte, 16)
			for i := range buf {
				buf[i] = byte(shard)
			}
			for i := 0; i < 100; i++ {
				_, err := region.WriteAt(buf, off)
				assert.NoError(t, err)
				_, err = region.ReadAt(buf, off)
				assert.NoError(t, err)
			}
		}(shard)
	}
	wg.Wait()
}

func BenchmarkMemoryRegionRead(b *testing.B) {
	region := NewMemoryRegion(1024 * 1024)
	defer region.Close()
	buf := make([]byte, 4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		region.ReadAt(buf, offset)
	}
}

func BenchmarkMemoryRegionWrite(b *testing.B) {
	region := NewMemoryRegion(1024 * 1024)
	defer region.Close()
	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		region.WriteAt(buf, offset)
	}
}
