package glass

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gnif/LookingGlass-sub002/internal/constants"
	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
	"github.com/gnif/LookingGlass-sub002/internal/protoerr"
	"github.com/gnif/LookingGlass-sub002/internal/queue"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
	"golang.org/x/sys/unix"
)

// FramePipeline drains the FRAME queue, deduplicates by serial, tracks
// format changes, and hands decoded frames to a Renderer. It owns the
// DMA-buf fd cache: fds are keyed by the payload's absolute offset within
// the region, which is stable across polls of the same slot, unlike a raw
// pointer (spec.md §9's "pointer identity" question).
type FramePipeline struct {
	queue    *queue.Queue
	region   interfaces.Region
	renderer interfaces.Renderer
	logger   interfaces.Logger
	observer interfaces.Observer

	mu              sync.Mutex
	dmaFDs          map[int64]dmaEntry
	lastFrameSerial uint32
	lastFormatVer   uint32
	lastFrameTime   time.Time
}

// dmaEntry is a cached DMA-buf fd plus the size it was opened for. The
// frame queue has only constants.FrameQueueLen slots, so a payload offset
// repeats every few frames; if a later format change needs a bigger span
// at the same offset, the cached fd from the smaller mapping is stale and
// must be closed and reopened rather than reused (spec.md §4.D item 4).
type dmaEntry struct {
	fd   int
	size int64
}

// NewFramePipeline wires a FRAME queue to a Renderer.
func NewFramePipeline(q *queue.Queue, region interfaces.Region, renderer interfaces.Renderer, logger interfaces.Logger, observer interfaces.Observer) *FramePipeline {
	return &FramePipeline{
		queue:    q,
		region:   region,
		renderer: renderer,
		logger:   logger,
		observer: observer,
		dmaFDs:   make(map[int64]dmaEntry),
	}
}

// Poll performs one non-blocking pass: subscribe if needed, process one
// message if available, and hand it to the renderer. A nil return with no
// frame delivered means "nothing to do yet"; callers sleep
// DefaultFramePollIntervalUs and call again.
func (p *FramePipeline) Poll(ctx context.Context) error {
	if p.queue.State() == queue.StateUnsubscribed {
		if err := p.queue.Subscribe(); err != nil {
			if protoerr.HasCode(err, protoerr.CodeNotReady) {
				return nil
			}
			return err
		}
	}

	msg, err := p.queue.Process()
	if err != nil {
		if protoerr.HasCode(err, protoerr.CodeTransient) {
			return nil
		}
		return err
	}

	desc, err := wire.DecodeFrameDescriptor(msg.Data)
	if err != nil {
		_ = p.queue.MessageDone()
		return protoerr.Wrap("frame.Poll", protoerr.CodeMalformed, err)
	}

	if desc.DamageRectsCount > constants.MaxDamageRects {
		_ = p.queue.MessageDone()
		return protoerr.New("frame.Poll", protoerr.CodeMalformed,
			fmt.Sprintf("damage rect count %d exceeds %d", desc.DamageRectsCount, constants.MaxDamageRects))
	}

	p.mu.Lock()
	// A repeated frameSerial is only a true duplicate if the format hasn't
	// changed underneath it; matches original_source/client/src/main.c's
	// "frameSerial == last && formatValid" check rather than a <= compare,
	// which would drop a legitimate frame whenever a format change resets
	// frameSerial without it strictly increasing.
	dup := p.lastFrameSerial != 0 && desc.FrameSerial == p.lastFrameSerial && desc.FormatVer == p.lastFormatVer
	p.mu.Unlock()
	if dup {
		p.observer.ObserveFrameDropped()
		return p.queue.MessageDone()
	}

	if desc.Flags&constants.FrameFlagTruncated != 0 {
		recommended := recommendedRegionSize(desc.ScreenH, desc.Pitch)
		p.observer.ObserveTruncation(recommended)
		p.logger.Warnf("frame: host reports truncation, recommended region size is %d bytes", recommended)
	}

	presentation := p.buildPresentation(&desc, msg)

	if err := p.renderer.SubmitFrame(ctx, presentation); err != nil {
		return protoerr.Wrap("frame.Poll", protoerr.CodeFatal, err)
	}

	now := time.Now()
	p.mu.Lock()
	var intervalNs int64
	if !p.lastFrameTime.IsZero() {
		intervalNs = now.Sub(p.lastFrameTime).Nanoseconds()
	}
	p.lastFrameTime = now
	p.lastFrameSerial = desc.FrameSerial
	p.lastFormatVer = desc.FormatVer
	p.mu.Unlock()

	p.observer.ObserveFrame(pixelSize(&desc), intervalNs)
	return p.queue.MessageDone()
}

func (p *FramePipeline) buildPresentation(desc *wire.FrameDescriptor, msg *queue.Message) interfaces.FramePresentation {
	count := desc.DamageRectsCount
	rects := make([]interfaces.DamageRect, count)
	for i := uint32(0); i < count; i++ {
		r := desc.DamageRects[i]
		rects[i] = interfaces.DamageRect{X: r.X, Y: r.Y, W: r.W, H: r.H}
	}

	pres := interfaces.FramePresentation{
		Type:        desc.Type,
		ScreenW:     desc.ScreenW,
		ScreenH:     desc.ScreenH,
		FrameW:      desc.FrameW,
		FrameH:      desc.FrameH,
		Rotation:    desc.Rotation,
		Stride:      desc.Stride,
		Pitch:       desc.Pitch,
		DamageRects: rects,
	}

	pixelOff := msg.Offset + int64(desc.Offset)
	size := pixelSize(desc)
	if fd, ok := p.dmaBuf(pixelOff, int64(size)); ok {
		pres.DMABufFD = fd
		pres.HasDMABuf = true
		return pres
	}

	buf := queue.GetBuffer(uint32(size))
	copy(buf, msg.Data[desc.Offset:])
	pres.Data = buf
	return pres
}

func pixelSize(desc *wire.FrameDescriptor) int {
	return int(desc.Pitch) * int(desc.FrameH)
}

func (p *FramePipeline) dmaBuf(offset, size int64) (int, bool) {
	p.mu.Lock()
	if entry, cached := p.dmaFDs[offset]; cached && entry.size >= size {
		p.mu.Unlock()
		return entry.fd, true
	}
	stale, hadStale := p.dmaFDs[offset]
	p.mu.Unlock()

	fd, ok, err := p.region.DMABufAt(offset, size)
	if err != nil || !ok {
		return 0, false
	}
	if hadStale {
		_ = unix.Close(stale.fd)
	}
	p.mu.Lock()
	p.dmaFDs[offset] = dmaEntry{fd: fd, size: size}
	p.mu.Unlock()
	return fd, true
}

// Close releases every cached DMA-buf file descriptor.
func (p *FramePipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for off, entry := range p.dmaFDs {
		_ = unix.Close(entry.fd)
		delete(p.dmaFDs, off)
	}
}

// recommendedRegionSize implements the truncation-recovery sizing formula:
// twice the frame's byte size in whole MiB, plus a 10 MiB margin for the
// header and queue control areas, rounded up to a power-of-two number of
// MiB (1080p BGRA: 15 + 10 = 25, so 32 MiB).
func recommendedRegionSize(screenH, pitch uint32) int64 {
	need := int64(screenH)*int64(pitch)*2/constants.RegionMiB + 10
	size := int64(1)
	for size < need {
		size *= 2
	}
	return size * constants.RegionMiB
}
