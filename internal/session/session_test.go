package session

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnif/LookingGlass-sub002/internal/constants"
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

func (m *memRegion) Size() int64 { return int64(len(m.buf)) }

func (m *memRegion) DMABufAt(off, size int64) (int, bool, error) { return 0, false, nil }

func (m *memRegion) Close() error { return nil }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

func writeHeader(t *testing.T, r *memRegion, heartbeat, sessionID uint32, magic string, version uint32) {
	t.Helper()
	binary.LittleEndian.PutUint32(r.buf[0:4], heartbeat)
	binary.LittleEndian.PutUint32(r.buf[4:8], sessionID)
	copy(r.buf[8:16], []byte(magic))
	binary.LittleEndian.PutUint32(r.buf[16:20], version)
	copy(r.buf[20:52], []byte("1.0.0-test"))
	binary.LittleEndian.PutUint32(r.buf[52:56], constants.FeatureSetCursorPos)
}

func TestInitWaitsForHeartbeat(t *testing.T) {
	region := newMemRegion(56)
	sess := New(region, nopLogger{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(5 * time.Millisecond)
		writeHeader(t, region, 1, 7, constants.KVMFRMagic, constants.KVMFRVersion)
	}()

	info, err := sess.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0-test", info.HostVersion)
	assert.Equal(t, constants.FeatureSetCursorPos, info.Features)
}

func TestInitRejectsBadMagic(t *testing.T) {
	region := newMemRegion(56)
	writeHeader(t, region, 1, 7, "NOTKVMFR", constants.KVMFRVersion)
	sess := New(region, nopLogger{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sess.Init(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInitRejectsVersionMismatch(t *testing.T) {
	region := newMemRegion(56)
	writeHeader(t, region, 1, 7, constants.KVMFRMagic, constants.KVMFRVersion+1)
	sess := New(region, nopLogger{}, 0)

	// A version mismatch is retried, not failed immediately, since an old
	// host build can be upgraded in place; Init only gives up when ctx
	// expires.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sess.Init(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInitProceedsAfterVersionIsCorrectedInPlace(t *testing.T) {
	region := newMemRegion(56)
	writeHeader(t, region, 1, 7, constants.KVMFRMagic, constants.KVMFRVersion+1)
	sess := New(region, nopLogger{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sess.Init(ctx)
		assert.NoError(t, err)
	}()

	time.Sleep(10 * time.Millisecond)
	writeHeader(t, region, 1, 7, constants.KVMFRMagic, constants.KVMFRVersion)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Init did not proceed after the host corrected its version in place")
	}
}

func TestValidDetectsBackwardSessionID(t *testing.T) {
	region := newMemRegion(56)
	writeHeader(t, region, 1, 7, constants.KVMFRMagic, constants.KVMFRVersion)
	sess := New(region, nopLogger{}, 0)
	_, err := sess.Init(context.Background())
	require.NoError(t, err)

	assert.True(t, sess.Valid())

	binary.LittleEndian.PutUint32(region.buf[4:8], 3)
	assert.False(t, sess.Valid())
}

func TestValidAdvancesWithHeartbeat(t *testing.T) {
	region := newMemRegion(56)
	writeHeader(t, region, 1, 7, constants.KVMFRMagic, constants.KVMFRVersion)
	sess := New(region, nopLogger{}, 0)
	_, err := sess.Init(context.Background())
	require.NoError(t, err)

	binary.LittleEndian.PutUint32(region.buf[0:4], 2)
	assert.True(t, sess.Valid())
}
