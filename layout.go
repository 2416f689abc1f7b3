package glass

import (
	"github.com/gnif/LookingGlass-sub002/internal/constants"
	"github.com/gnif/LookingGlass-sub002/internal/queue"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

// regionLayout is the fixed placement of every structure inside the shared
// memory region. The wire formats of the individual structures are
// bit-exact with the upstream protocol (internal/wire); their placement
// relative to one another is this client's own layout, since the real LGMP
// library that owns that decision is not part of the retrieved sources
// (see DESIGN.md's Open Question decisions on region layout ownership).
type regionLayout struct {
	sessionHeaderOff int64
	kvmfrHeaderOff   int64
	recordAreaOff    int64
	recordAreaLen    int64

	frameQueue   queue.Layout
	pointerQueue queue.Layout

	payloadAreaOff int64
}

const (
	sessionHeaderSize = 8
	recordAreaSize    = 4096
	payloadAlignment  = 4096

	// pointerPayloadStride bounds the per-slot space reserved in the
	// pointer queue's payload area: a CursorDescriptor plus a modest cursor
	// bitmap, which never needs to scale with the region size the way a
	// frame slot does.
	pointerPayloadStride = 256 << 10

	// minFramePayloadStride is the smallest per-slot frame payload this
	// layout will compute; below it a region is too small to carry even a
	// modest frame and callers should fail loudly rather than truncate.
	minFramePayloadStride = 64 << 10
)

// computeLayout derives every fixed offset from the region's total size.
// The record area and both queues' control blocks and the pointer queue's
// payload area are fixed-size and placed up front; the frame queue's
// payload stride is whatever is left divided evenly between its two slots,
// so a region sized for the screen it carries (spec.md §8's 32 MiB
// single-host-region scenario) does not waste space on headroom a fixed
// 64 MiB-per-slot stride would have reserved regardless of screen size.
func computeLayout(regionSize int64) regionLayout {
	l := regionLayout{
		sessionHeaderOff: 0,
		kvmfrHeaderOff:   sessionHeaderSize,
	}
	l.recordAreaOff = l.kvmfrHeaderOff + wire.HeaderSize
	l.recordAreaLen = recordAreaSize

	frameHeaderOff := l.recordAreaOff + l.recordAreaLen
	frameSlotsOff := frameHeaderOff + wire.QueueHeaderSize
	pointerHeaderOff := frameSlotsOff + int64(constants.FrameQueueLen)*wire.SlotSize
	pointerSlotsOff := pointerHeaderOff + wire.QueueHeaderSize
	pointerPayloadOff := pointerSlotsOff + int64(constants.PointerQueueLen)*wire.SlotSize
	if rem := pointerPayloadOff % payloadAlignment; rem != 0 {
		pointerPayloadOff += payloadAlignment - rem
	}

	pointerPayloadLen := int64(constants.PointerQueueLen) * pointerPayloadStride
	framePayloadOff := pointerPayloadOff + pointerPayloadLen
	if rem := framePayloadOff % payloadAlignment; rem != 0 {
		framePayloadOff += payloadAlignment - rem
	}

	framePayloadStride := (regionSize - framePayloadOff) / int64(constants.FrameQueueLen)
	framePayloadStride -= framePayloadStride % payloadAlignment
	if framePayloadStride < minFramePayloadStride {
		framePayloadStride = minFramePayloadStride
	}

	l.frameQueue = queue.Layout{
		HeaderOffset:  frameHeaderOff,
		SlotsOffset:   frameSlotsOff,
		PayloadOffset: framePayloadOff,
		Length:        constants.FrameQueueLen,
		Stride:        framePayloadStride,
	}
	l.pointerQueue = queue.Layout{
		HeaderOffset:  pointerHeaderOff,
		SlotsOffset:   pointerSlotsOff,
		PayloadOffset: pointerPayloadOff,
		Length:        constants.PointerQueueLen,
		Stride:        pointerPayloadStride,
	}
	l.payloadAreaOff = pointerPayloadOff
	return l
}
