package queue

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnif/LookingGlass-sub002/internal/protoerr"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

type memRegion struct {
	buf []byte
}

func newMemRegion(size int) *memRegion {
	return &memRegion{buf: make([]byte, size)}
}

func (m *memRegion) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *memRegion) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func (m *memRegion) ReadUint32At(off int64) (uint32, error) {
	return binary.LittleEndian.Uint32(m.buf[off : off+4]), nil
}

func (m *memRegion) WriteUint32At(off int64, v uint32) error {
	binary.LittleEndian.PutUint32(m.buf[off:off+4], v)
	return nil
}

func (m *memRegion) Size() int64                                 { return int64(len(m.buf)) }
func (m *memRegion) DMABufAt(off, size int64) (int, bool, error) { return 0, false, nil }
func (m *memRegion) Close() error                                { return nil }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

const (
	testHeaderOff  = 0
	testSlotsOff   = 64
	testPayloadOff = 256
	testLength     = 4
)

func testLayout() Layout {
	return Layout{
		HeaderOffset:  testHeaderOff,
		SlotsOffset:   testSlotsOff,
		PayloadOffset: testPayloadOff,
		Length:        testLength,
	}
}

func hostPublish(r *memRegion, writeIndex, serial uint32, slotIdx uint32, payload []byte, tag uint32) {
	copy(r.buf[testPayloadOff+int64(slotIdx)*1024:], payload)
	slot := wire.Slot{PayloadOffset: slotIdx * 1024, PayloadSize: uint32(len(payload)), UserTag: tag}
	copy(r.buf[testSlotsOff+int64(slotIdx)*wire.SlotSize:], wire.EncodeSlot(&slot))
	binary.LittleEndian.PutUint32(r.buf[testHeaderOff:], writeIndex)
	binary.LittleEndian.PutUint32(r.buf[testHeaderOff+8:], serial)
}

func TestSubscribeNotReadyUntilPublished(t *testing.T) {
	region := newMemRegion(4096)
	q := New("frame", region, nopLogger{}, testLayout())

	err := q.Subscribe()
	require.Error(t, err)
	assert.True(t, protoerr.HasCode(err, protoerr.CodeNotReady))
	assert.Equal(t, StateUnsubscribed, q.State())
}

func TestSubscribeThenProcessAndMessageDone(t *testing.T) {
	region := newMemRegion(4096)
	hostPublish(region, 1, 1, 0, []byte("hello frame"), 42)

	q := New("frame", region, nopLogger{}, testLayout())
	require.NoError(t, q.Subscribe())
	assert.Equal(t, StateActive, q.State())

	msg, err := q.Process()
	require.NoError(t, err)
	assert.Equal(t, StateBorrowed, q.State())
	assert.Equal(t, []byte("hello frame"), msg.Data)
	assert.EqualValues(t, 42, msg.Tag)
	assert.EqualValues(t, 1, msg.Serial)

	require.NoError(t, q.MessageDone())
	assert.Equal(t, StateActive, q.State())

	_, err = q.Process()
	require.Error(t, err)
	assert.True(t, protoerr.HasCode(err, protoerr.CodeTransient))
}

func TestProcessDetectsOutOfBoundsPayload(t *testing.T) {
	region := newMemRegion(300)
	hostPublish(region, 1, 1, 0, []byte("x"), 0)
	// corrupt the slot to claim a payload far past the region
	slot := wire.Slot{PayloadOffset: 100000, PayloadSize: 4096, UserTag: 0}
	copy(region.buf[testSlotsOff:], wire.EncodeSlot(&slot))

	q := New("frame", region, nopLogger{}, testLayout())
	require.NoError(t, q.Subscribe())

	_, err := q.Process()
	require.Error(t, err)
	assert.True(t, protoerr.HasCode(err, protoerr.CodeMalformed))
	assert.Equal(t, StateDropped, q.State())
}

func TestProcessDetectsSerialRegression(t *testing.T) {
	region := newMemRegion(4096)
	hostPublish(region, 1, 5, 0, []byte("a"), 0)

	q := New("frame", region, nopLogger{}, testLayout())
	require.NoError(t, q.Subscribe())
	_, err := q.Process()
	require.NoError(t, err)
	require.NoError(t, q.MessageDone())

	hostPublish(region, 2, 1, 1, []byte("b"), 0)
	_, err = q.Process()
	require.Error(t, err)
	assert.True(t, protoerr.HasCode(err, protoerr.CodeRestart))
	assert.Equal(t, StateDropped, q.State())
}

func TestSendAdvancesSerial(t *testing.T) {
	region := newMemRegion(4096)
	hostPublish(region, 0, 1, 0, nil, 0) // queue published, empty

	q := New("pointer", region, nopLogger{}, testLayout())
	require.NoError(t, q.Subscribe())

	serial, err := q.Send(wire.EncodeSetCursorPos(10, 20), 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, serial)

	got, err := q.Serial()
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)
}
