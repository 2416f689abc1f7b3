package glass

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnif/LookingGlass-sub002/internal/constants"
	"github.com/gnif/LookingGlass-sub002/internal/logging"
	"github.com/gnif/LookingGlass-sub002/internal/queue"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

func newFrameQueue(t *testing.T, host *FakeHost) *queue.Queue {
	t.Helper()
	layout := computeLayout(host.Size())
	return queue.New("frame", host.Region(), logging.Default(), layout.frameQueue)
}

func TestFramePipelineDeliversDecodedPixels(t *testing.T) {
	host := NewFakeHost(64 << 20)
	pixels := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	host.PublishFrame(wire.FrameDescriptor{ScreenW: 640, ScreenH: 480, FrameW: 640, FrameH: 1, Pitch: 8}, pixels)

	renderer := NewMockRenderer()
	pipeline := NewFramePipeline(newFrameQueue(t, host), host.Region(), renderer, logging.Default(), NoOpObserver{})
	defer pipeline.Close()

	require.NoError(t, pipeline.Poll(context.Background()))

	last, ok := renderer.Last()
	require.True(t, ok)
	assert.EqualValues(t, 640, last.ScreenW)
	assert.Equal(t, pixels, last.Data)
}

func TestFramePipelineDropsDuplicateSerial(t *testing.T) {
	host := NewFakeHost(64 << 20)
	host.PublishFrame(wire.FrameDescriptor{ScreenW: 64, ScreenH: 64, FrameW: 64, FrameH: 64, Pitch: 4}, []byte{9, 9, 9, 9})

	renderer := NewMockRenderer()
	pipeline := NewFramePipeline(newFrameQueue(t, host), host.Region(), renderer, logging.Default(), NoOpObserver{})
	defer pipeline.Close()

	require.NoError(t, pipeline.Poll(context.Background()))

	// Rewind the host's serial counter so the republished frame carries the
	// same frameSerial and format version as the one just delivered.
	host.frameSerial = 0
	host.PublishFrame(wire.FrameDescriptor{ScreenW: 64, ScreenH: 64, FrameW: 64, FrameH: 64, Pitch: 4}, []byte{9, 9, 9, 9})
	require.NoError(t, pipeline.Poll(context.Background()))

	assert.Len(t, renderer.Frames(), 1)
}

func TestFramePipelineFlagsTruncation(t *testing.T) {
	host := NewFakeHost(64 << 20)
	desc := wire.FrameDescriptor{ScreenW: 1920, ScreenH: 1080, FrameW: 1920, FrameH: 1, Pitch: 4, Flags: constants.FrameFlagTruncated}
	host.PublishFrame(desc, []byte{1, 2, 3, 4})

	observed := &recordingObserver{}
	pipeline := NewFramePipeline(newFrameQueue(t, host), host.Region(), NewMockRenderer(), logging.Default(), observed)
	defer pipeline.Close()

	require.NoError(t, pipeline.Poll(context.Background()))
	assert.Equal(t, 1, observed.truncations)
	assert.Greater(t, observed.lastRecommendedSize, int64(0))
}

type recordingObserver struct {
	truncations         int
	lastRecommendedSize int64
}

func (r *recordingObserver) ObserveFrame(int, int64)   {}
func (r *recordingObserver) ObserveFrameDropped()      {}
func (r *recordingObserver) ObserveCursorUpdate()      {}
func (r *recordingObserver) ObserveTruncation(size int64) {
	r.truncations++
	r.lastRecommendedSize = size
}
func (r *recordingObserver) ObserveSessionRestart() {}
