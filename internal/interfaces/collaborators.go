// Package interfaces defines the boundary types the core packages depend
// on. Production binaries wire in concrete implementations (a real shared
// memory Region, a real compositor Renderer); tests wire in the mocks from
// testing.go. Nothing under internal/session, internal/queue or the root
// package imports a concrete backend directly.
package interfaces

import "context"

// Region is a mapped span of shared memory, either a /dev/shm file mapping
// or a kvmfr character device mapping. Offsets passed to ReadAt/WriteAt are
// relative to the start of the region, matching the header/queue/frame
// offsets carried on the wire.
type Region interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)

	// ReadUint32At atomically loads a little-endian uint32 at a
	// 4-byte-aligned offset with acquire semantics: a write the host
	// published before making it observable (its own release store) is
	// guaranteed visible after this returns. Used for the queue
	// read/write-index, serial and heartbeat fields, which a separate,
	// untrusted, concurrently-running process updates without any lock
	// this side can see (spec.md §4.C: "memory fences are mandatory").
	ReadUint32At(off int64) (uint32, error)

	// WriteUint32At atomically stores v as a little-endian uint32 at a
	// 4-byte-aligned offset with release semantics: every write this side
	// performed before the call is visible to an observer that reads the
	// new value with ReadUint32At.
	WriteUint32At(off int64, v uint32) error

	// Size is the total mapped length in bytes.
	Size() int64

	// DMABufAt returns a DMA-buf file descriptor covering the byte range
	// [off, off+size) when the region is backed by a kvmfr device that
	// supports zero-copy export, and ok=false otherwise. Callers fall back
	// to a ReadAt copy when ok is false.
	DMABufAt(off, size int64) (fd int, ok bool, err error)

	Close() error
}

// Renderer consumes decoded frame payloads. Every SubmitFrame carries the
// frame's full format (type, sizes, rotation, stride, pitch); there is no
// separate call announcing a format change.
type Renderer interface {
	SubmitFrame(ctx context.Context, frame FramePresentation) error
}

// FramePresentation is the decoded, ready-to-present form of a frame
// passed from the frame pipeline to a Renderer.
type FramePresentation struct {
	Type             uint32
	ScreenW, ScreenH uint32
	FrameW, FrameH   uint32
	Rotation         uint32
	Stride, Pitch    uint32
	DamageRects      []DamageRect
	Data             []byte
	DMABufFD         int
	HasDMABuf        bool
}

// DamageRect mirrors wire.DamageRect without forcing Renderer
// implementations to import the wire package.
type DamageRect struct {
	X, Y, W, H uint32
}

// DisplayServer receives cursor updates from the cursor pipeline. It also
// declares activation and screensaver hooks; the frame pipeline does not
// call them, so FrameFlagRequestActivation and FrameFlagBlockScreensaver
// are not forwarded to it.
type DisplayServer interface {
	SetCursorShape(ctx context.Context, shape CursorShape) error
	SetCursorPosition(ctx context.Context, x, y int16, visible bool) error

	// NotifyActivation is the hook for FrameFlagRequestActivation. No code
	// in this module calls it.
	NotifyActivation(ctx context.Context)

	// InhibitScreensaver is the hook for FrameFlagBlockScreensaver. No code
	// in this module calls it.
	InhibitScreensaver(ctx context.Context, blocked bool)

	// GuestPointerUpdated is called on the rising edge of a cursor
	// descriptor's POSITION flag (invalid->valid transition), so the sink
	// can align its local pointer to the guest's before the cursor is
	// shown. This core tracks no independent local-pointer position, so
	// localX/localY are currently always equal to guestX/guestY.
	GuestPointerUpdated(ctx context.Context, guestX, guestY, localX, localY int16)
}

// CursorShape is the decoded payload of a SHAPE-flagged cursor update.
type CursorShape struct {
	Type          uint32
	HotspotX      int8
	HotspotY      int8
	Width, Height uint32
	Pitch         uint32
	Data          []byte
}

// InputSource is the client-to-host direction: local pointer motion that
// must be round-tripped through SetCursorPos before the guest's cursor is
// considered authoritative at that position.
type InputSource interface {
	// Warp is invoked once the host has acknowledged a SetCursorPos serial,
	// letting the caller move the local pointer to match.
	Warp(ctx context.Context, x, y int32) error
}

// Logger is the level-gated logging surface the core packages write
// through; production wires internal/logging.Logger, tests wire either
// that or a no-op implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives counters for metrics.go to aggregate. Every method is
// a cheap, lock-free increment; implementations must not block.
type Observer interface {
	ObserveFrame(bytes int, intervalNs int64)
	ObserveFrameDropped()
	ObserveCursorUpdate()
	ObserveTruncation(recommendedSize int64)
	ObserveSessionRestart()
}
