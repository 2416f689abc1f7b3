package glass

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gnif/LookingGlass-sub002/internal/constants"
	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
	"github.com/gnif/LookingGlass-sub002/internal/queue"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

// FakeHost simulates the host side of the transport over a plain in-memory
// buffer, giving tests a way to drive Client without real shared memory or
// a kvmfr device. It owns the same regionLayout a real acquirer would hand
// the client, and exposes one method per thing a host does: publish its
// header, beat its heartbeat, restart its session, and push frame/cursor
// messages.
type FakeHost struct {
	mu     sync.RWMutex
	buf    []byte
	layout regionLayout

	heartbeat uint32
	sessionID uint32

	frameWriteIndex   uint32
	frameSerial       uint32
	pointerWriteIndex uint32
	pointerSerial     uint32

	readCalls  int
	writeCalls int
}

// NewFakeHost allocates a region of size bytes and lays it out the way a
// real acquirer would. size must be large enough for the fixed header,
// record and queue control areas plus whatever payloads the test publishes.
func NewFakeHost(size int64) *FakeHost {
	return &FakeHost{
		buf:    make([]byte, size),
		layout: computeLayout(size),
	}
}

// Region returns the interfaces.Region view of the host's backing buffer,
// the same type a Client would be given by an acquirer.
func (h *FakeHost) Region() interfaces.Region { return h }

func (h *FakeHost) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readCalls++
	return copy(p, h.buf[off:]), nil
}

func (h *FakeHost) WriteAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeCalls++
	return copy(h.buf[off:], p), nil
}

// ReadUint32At implements interfaces.Region. FakeHost is single-process and
// already serializes every access through mu, so the mutex itself supplies
// the ordering a real Region gets from internal/barrier.
func (h *FakeHost) ReadUint32At(off int64) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off < 0 || off+4 > int64(len(h.buf)) {
		return 0, fmt.Errorf("glass: ReadUint32At offset %d out of bounds", off)
	}
	return binary.LittleEndian.Uint32(h.buf[off : off+4]), nil
}

// WriteUint32At implements interfaces.Region.
func (h *FakeHost) WriteUint32At(off int64, v uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off < 0 || off+4 > int64(len(h.buf)) {
		return fmt.Errorf("glass: WriteUint32At offset %d out of bounds", off)
	}
	binary.LittleEndian.PutUint32(h.buf[off:off+4], v)
	return nil
}

func (h *FakeHost) Size() int64 { return int64(len(h.buf)) }

// DMABufAt never produces a DMA-buf; FakeHost always exercises the ReadAt
// copy fallback path.
func (h *FakeHost) DMABufAt(off, size int64) (int, bool, error) { return 0, false, nil }

func (h *FakeHost) Close() error { return nil }

// CallCounts reports how many times ReadAt/WriteAt were invoked, for tests
// that assert on copy-path traffic.
func (h *FakeHost) CallCounts() (reads, writes int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readCalls, h.writeCalls
}

// PublishHeader writes the KVMFR header, its VMInfo/OSInfo records and an
// initial heartbeat/session id, bringing the session from not-yet-started
// to live. Calling it again after RestartSession simulates the host coming
// back with a new session.
func (h *FakeHost) PublishHeader(hostVersion string, features uint32, vmInfo *wire.VMInfo, osInfo *wire.OSInfo) {
	h.publishHeaderAt(constants.KVMFRVersion, hostVersion, features, vmInfo, osInfo)
}

// PublishIncompatibleHeader is like PublishHeader but writes wireVersion
// instead of the real constants.KVMFRVersion, simulating a host build that
// speaks an old or newer revision of the wire protocol.
func (h *FakeHost) PublishIncompatibleHeader(wireVersion uint32, hostVersion string) {
	h.publishHeaderAt(wireVersion, hostVersion, 0, nil, nil)
}

func (h *FakeHost) publishHeaderAt(wireVersion uint32, hostVersion string, features uint32, vmInfo *wire.VMInfo, osInfo *wire.OSInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.heartbeat == 0 {
		h.heartbeat = 1
	}
	if h.sessionID == 0 {
		h.sessionID = 1
	}
	binary.LittleEndian.PutUint32(h.buf[0:4], h.heartbeat)
	binary.LittleEndian.PutUint32(h.buf[4:8], h.sessionID)

	hdrOff := h.layout.kvmfrHeaderOff
	copy(h.buf[hdrOff:hdrOff+8], []byte(constants.KVMFRMagic))
	binary.LittleEndian.PutUint32(h.buf[hdrOff+8:hdrOff+12], wireVersion)
	var verField [32]byte
	copy(verField[:], hostVersion)
	copy(h.buf[hdrOff+12:hdrOff+44], verField[:])
	binary.LittleEndian.PutUint32(h.buf[hdrOff+44:hdrOff+48], features)

	records := h.encodeRecords(vmInfo, osInfo)
	copy(h.buf[h.layout.recordAreaOff:], records)
}

func (h *FakeHost) encodeRecords(vmInfo *wire.VMInfo, osInfo *wire.OSInfo) []byte {
	var out []byte
	if vmInfo != nil {
		data := make([]byte, 0, 51+len(vmInfo.Model)+1)
		data = append(data, vmInfo.UUID[:]...)
		data = append(data, vmInfo.Capture[:]...)
		data = append(data, vmInfo.CPUs, vmInfo.Cores, vmInfo.Sockets)
		data = append(data, []byte(vmInfo.Model)...)
		data = append(data, 0)
		out = append(out, appendRecord(constants.RecordTypeVMInfo, data)...)
	}
	if osInfo != nil {
		data := append([]byte{osInfo.OS}, []byte(osInfo.Name)...)
		data = append(data, 0)
		out = append(out, appendRecord(constants.RecordTypeOSInfo, data)...)
	}
	return out
}

func appendRecord(typ byte, data []byte) []byte {
	rec := make([]byte, 5+len(data))
	rec[0] = typ
	binary.LittleEndian.PutUint32(rec[1:5], uint32(len(data)))
	copy(rec[5:], data)
	return rec
}

// Beat advances the heartbeat without otherwise touching the session,
// simulating a live, unchanged host.
func (h *FakeHost) Beat() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeat++
	binary.LittleEndian.PutUint32(h.buf[0:4], h.heartbeat)
}

// RestartSession simulates the host process restarting: a new session id,
// heartbeat reset, and both queues rewound, exactly as Client's session
// watchdog must detect and react to.
func (h *FakeHost) RestartSession() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID++
	h.heartbeat = 1
	binary.LittleEndian.PutUint32(h.buf[0:4], h.heartbeat)
	binary.LittleEndian.PutUint32(h.buf[4:8], h.sessionID)
	h.frameWriteIndex = 0
	h.frameSerial = 0
	h.pointerWriteIndex = 0
	h.pointerSerial = 0
	for _, l := range []queue.Layout{h.layout.frameQueue, h.layout.pointerQueue} {
		copy(h.buf[l.HeaderOffset:l.HeaderOffset+wire.QueueHeaderSize], make([]byte, wire.QueueHeaderSize))
	}
}

// PublishFrame writes desc and pixels into the next frame queue slot and
// advances the queue's write index and serial. desc.Offset is overwritten
// to point past the encoded descriptor, matching where pixels land.
func (h *FakeHost) PublishFrame(desc wire.FrameDescriptor, pixels []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	desc.FrameSerial = h.frameSerial + 1
	desc.Offset = wire.FrameDescriptorSize
	payload := append(wire.EncodeFrameDescriptor(&desc), pixels...)
	h.publishLocked(&h.frameWriteIndex, &h.frameSerial, h.layout.frameQueue, payload, desc.Type, h.layout.frameQueue.Stride)
}

// PublishCursor writes a cursor descriptor (and optional shape bytes) into
// the next pointer queue slot.
func (h *FakeHost) PublishCursor(desc wire.CursorDescriptor, shape []byte, tag uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	payload := wire.EncodeCursorDescriptor(&desc, shape)
	h.publishLocked(&h.pointerWriteIndex, &h.pointerSerial, h.layout.pointerQueue, payload, tag, h.layout.pointerQueue.Stride)
}

func (h *FakeHost) publishLocked(writeIndex, serial *uint32, layout queue.Layout, payload []byte, tag uint32, stride int64) {
	slotIdx := *writeIndex % layout.Length
	payloadOff := int64(slotIdx) * stride
	copy(h.buf[layout.PayloadOffset+payloadOff:], payload)

	slot := wire.Slot{PayloadOffset: uint32(payloadOff), PayloadSize: uint32(len(payload)), UserTag: tag}
	slotBuf := wire.EncodeSlot(&slot)
	copy(h.buf[layout.SlotsOffset+int64(slotIdx)*wire.SlotSize:], slotBuf)

	*serial++
	*writeIndex++
	binary.LittleEndian.PutUint32(h.buf[layout.HeaderOffset+8:], *serial)
	binary.LittleEndian.PutUint32(h.buf[layout.HeaderOffset:], *writeIndex)
}

// LastPointerSend decodes the most recent client-to-host SetCursorPos
// written via the pointer queue's Send path, for tests asserting on warp
// round-trips. ok is false if the client has not sent anything yet.
func (h *FakeHost) LastPointerSend() (pos wire.SetCursorPos, serial uint32, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	layout := h.layout.pointerQueue
	writeIndex := binary.LittleEndian.Uint32(h.buf[layout.HeaderOffset:])
	serial = binary.LittleEndian.Uint32(h.buf[layout.HeaderOffset+8:])
	if writeIndex == 0 {
		return pos, 0, false
	}
	slotIdx := (writeIndex - 1) % layout.Length
	slotBuf := h.buf[layout.SlotsOffset+int64(slotIdx)*wire.SlotSize : layout.SlotsOffset+int64(slotIdx)*wire.SlotSize+wire.SlotSize]
	slot, err := wire.DecodeSlot(slotBuf)
	if err != nil {
		return pos, 0, false
	}
	payloadOff := layout.PayloadOffset + int64(slot.PayloadOffset)
	pos, err = wire.DecodeSetCursorPos(h.buf[payloadOff : payloadOff+int64(slot.PayloadSize)])
	if err != nil {
		return pos, 0, false
	}
	return pos, serial, true
}

// MockRenderer records every frame submitted to it, for assertions in
// frame pipeline and client tests.
type MockRenderer struct {
	mu     sync.Mutex
	frames []interfaces.FramePresentation
	fail   error
}

func NewMockRenderer() *MockRenderer { return &MockRenderer{} }

// SubmitFrame implements interfaces.Renderer.
func (r *MockRenderer) SubmitFrame(ctx context.Context, frame interfaces.FramePresentation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, frame)
	return nil
}

// Frames returns a copy of every frame submitted so far.
func (r *MockRenderer) Frames() []interfaces.FramePresentation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interfaces.FramePresentation, len(r.frames))
	copy(out, r.frames)
	return out
}

// Last returns the most recently submitted frame, or false if none yet.
func (r *MockRenderer) Last() (interfaces.FramePresentation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return interfaces.FramePresentation{}, false
	}
	return r.frames[len(r.frames)-1], true
}

// FailWith makes every subsequent SubmitFrame call return err.
func (r *MockRenderer) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// MockDisplayServer records cursor, activation and screensaver calls.
type MockDisplayServer struct {
	mu sync.Mutex

	shapes            []interfaces.CursorShape
	positions         []cursorPosition
	activations       int
	inhibited         bool
	guestPointerMoves []guestPointerUpdate
}

type guestPointerUpdate struct {
	GuestX, GuestY, LocalX, LocalY int16
}

type cursorPosition struct {
	X, Y    int16
	Visible bool
}

func NewMockDisplayServer() *MockDisplayServer { return &MockDisplayServer{} }

// SetCursorShape implements interfaces.DisplayServer.
func (d *MockDisplayServer) SetCursorShape(ctx context.Context, shape interfaces.CursorShape) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shapes = append(d.shapes, shape)
	return nil
}

// SetCursorPosition implements interfaces.DisplayServer.
func (d *MockDisplayServer) SetCursorPosition(ctx context.Context, x, y int16, visible bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.positions = append(d.positions, cursorPosition{X: x, Y: y, Visible: visible})
	return nil
}

// NotifyActivation implements interfaces.DisplayServer.
func (d *MockDisplayServer) NotifyActivation(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activations++
}

// InhibitScreensaver implements interfaces.DisplayServer.
func (d *MockDisplayServer) InhibitScreensaver(ctx context.Context, blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inhibited = blocked
}

// GuestPointerUpdated implements interfaces.DisplayServer.
func (d *MockDisplayServer) GuestPointerUpdated(ctx context.Context, guestX, guestY, localX, localY int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guestPointerMoves = append(d.guestPointerMoves, guestPointerUpdate{guestX, guestY, localX, localY})
}

// GuestPointerUpdates returns every GuestPointerUpdated call received so far.
func (d *MockDisplayServer) GuestPointerUpdates() []guestPointerUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]guestPointerUpdate, len(d.guestPointerMoves))
	copy(out, d.guestPointerMoves)
	return out
}

// Shapes returns every cursor shape received so far.
func (d *MockDisplayServer) Shapes() []interfaces.CursorShape {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]interfaces.CursorShape, len(d.shapes))
	copy(out, d.shapes)
	return out
}

// Activations reports how many times NotifyActivation fired.
func (d *MockDisplayServer) Activations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activations
}

// ScreensaverInhibited reports the current inhibit state.
func (d *MockDisplayServer) ScreensaverInhibited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inhibited
}

var (
	_ interfaces.Region        = (*FakeHost)(nil)
	_ interfaces.Renderer      = (*MockRenderer)(nil)
	_ interfaces.DisplayServer = (*MockDisplayServer)(nil)
)
