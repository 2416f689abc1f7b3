package protoerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New("session.Init", CodeProtocolMismatch, "bad magic")
	assert.Equal(t, "session.Init: bad magic", err.Error())
}

func TestQueueErrorMessage(t *testing.T) {
	err := NewQueue("queue.Process", "frame", CodeNotReady, "not subscribed")
	assert.Equal(t, "queue.Process: not subscribed (queue=frame)", err.Error())
}

func TestHasCode(t *testing.T) {
	err := New("queue.Subscribe", CodeNotReady, "no such queue")
	assert.True(t, HasCode(err, CodeNotReady))
	assert.False(t, HasCode(err, CodeFatal))
}

func TestWrapPreservesQueueAndUpdatesOp(t *testing.T) {
	inner := NewQueue("queue.Process", "pointer", CodeMalformed, "offset out of range")
	wrapped := Wrap("frame.Pipeline", CodeFatal, inner)
	assert.Equal(t, "pointer", wrapped.Queue)
	assert.Equal(t, CodeFatal, wrapped.Code)
	assert.Equal(t, "frame.Pipeline", wrapped.Op)
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, Wrap("op", CodeFatal, nil))
}

func TestWrapGenericError(t *testing.T) {
	wrapped := Wrap("acquirer.Open", CodeFatal, fmt.Errorf("mmap failed"))
	assert.Equal(t, "mmap failed", wrapped.Msg)
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := New("session.Init", CodeRestart, "heartbeat stalled")
	assert.True(t, errors.Is(err, New("other.Op", CodeRestart, "different message")))
}
