package glass

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

func TestOpenWaitsForSessionThenDeliversFrame(t *testing.T) {
	host := NewFakeHost(64 << 20)
	renderer := NewMockRenderer()
	display := NewMockDisplayServer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		time.Sleep(5 * time.Millisecond)
		host.PublishHeader("4.0.0", 0, nil, nil)
		host.PublishFrame(wire.FrameDescriptor{ScreenW: 1920, ScreenH: 1080, FrameW: 1920, FrameH: 1080, Pitch: 1920 * 4}, make([]byte, 16))
	}()

	client, err := Open(ctx, host.Region(), Options{
		Renderer:           renderer,
		Display:            display,
		FramePollInterval:  time.Millisecond,
		CursorPollInterval: time.Millisecond,
		SessionWaitTimeout: time.Second,
	})
	require.NoError(t, err)
	defer client.Shutdown(context.Background())

	select {
	case <-client.FirstFrameDelivered():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first frame")
	}

	last, ok := renderer.Last()
	require.True(t, ok)
	assert.EqualValues(t, 1920, last.ScreenW)
	assert.True(t, client.IsRunning())
}

func TestOpenFailsWhenHostNeverAppears(t *testing.T) {
	host := NewFakeHost(64 << 20)
	_, err := Open(context.Background(), host.Region(), Options{
		Renderer:           NewMockRenderer(),
		Display:            NewMockDisplayServer(),
		SessionWaitTimeout: 20 * time.Millisecond,
	})
	assert.Error(t, err)
}

func TestClientDetectsSessionRestart(t *testing.T) {
	host := NewFakeHost(64 << 20)
	host.PublishHeader("4.0.0", 0, nil, nil)
	renderer := NewMockRenderer()

	client, err := Open(context.Background(), host.Region(), Options{
		Renderer:           renderer,
		Display:            NewMockDisplayServer(),
		FramePollInterval:  time.Millisecond,
		CursorPollInterval: time.Millisecond,
		SessionWaitTimeout: time.Second,
	})
	require.NoError(t, err)
	defer client.Shutdown(context.Background())

	host.RestartSession()

	// A session restart rebuilds the transport in place; the client must
	// keep running and resume delivery, not stop (spec.md §4.D/§5/§7).
	require.Eventually(t, func() bool {
		return client.Metrics().Snapshot().SessionRestarts == 1
	}, time.Second, time.Millisecond, "client did not observe the session restart")

	require.Eventually(t, func() bool {
		return client.State() == StateRunning
	}, time.Second, time.Millisecond, "client should resume running after a session restart, not stop")

	host.PublishFrame(wire.FrameDescriptor{ScreenW: 64, ScreenH: 64, FrameW: 64, FrameH: 1, Pitch: 4}, []byte{9, 9, 9, 9})
	require.Eventually(t, func() bool {
		last, ok := renderer.Last()
		return ok && len(last.Data) > 0 && last.Data[0] == 9
	}, time.Second, time.Millisecond, "expected delivery to resume on the rebuilt transport")
}

func TestClientCursorUpdatesReachDisplayServer(t *testing.T) {
	host := NewFakeHost(64 << 20)
	host.PublishHeader("4.0.0", 0, nil, nil)

	display := NewMockDisplayServer()
	client, err := Open(context.Background(), host.Region(), Options{
		Renderer:           NewMockRenderer(),
		Display:            display,
		FramePollInterval:  time.Millisecond,
		CursorPollInterval: time.Millisecond,
		SessionWaitTimeout: time.Second,
	})
	require.NoError(t, err)
	defer client.Shutdown(context.Background())

	host.PublishCursor(wire.CursorDescriptor{X: 42, Y: 7, Width: 1, Height: 1}, []byte{1}, 0x1|0x2|0x4)

	require.Eventually(t, func() bool {
		return len(display.Shapes()) == 1
	}, time.Second, time.Millisecond, "cursor shape never reached the display server")

	x, y, visible := client.CursorPosition()
	assert.EqualValues(t, 42, x)
	assert.EqualValues(t, 7, y)
	assert.True(t, visible)
}
