// Package queue implements the LGMP SPSC ring: subscribe, non-blocking
// process/message_done on the host-to-client direction, and send on the
// client-to-host direction used by SetCursorPos.
package queue

import (
	"fmt"

	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
	"github.com/gnif/LookingGlass-sub002/internal/protoerr"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

// State is the per-queue client-side state machine of spec.md §4.C.
type State int

const (
	StateUnsubscribed State = iota
	StateActive
	StateBorrowed
	StateDropped
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateActive:
		return "active"
	case StateBorrowed:
		return "borrowed"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Layout describes where in the region a queue's control block, slot
// array and payload area live. The real LGMP wire layout for this is an
// upstream-library detail not present in the retrieved sources; callers
// (the root package's computeLayout) compute it from the region size and
// hand it in, so the queue package itself stays layout-agnostic.
type Layout struct {
	HeaderOffset  int64 // wire.QueueHeader
	SlotsOffset   int64 // array of wire.Slot, Length entries
	PayloadOffset int64 // base offset payload offsets are relative to
	Length        uint32
	Stride        int64 // per-slot payload byte span, for callers that publish into it
}

// Message is a borrowed view into the shared region. Data is only valid
// until MessageDone is called on the Queue that produced it. Offset is the
// payload's absolute byte offset within the region, stable across polls of
// the same slot and safe to use as a DMA-buf cache key (unlike a raw
// pointer, which is only valid for one process's mapping).
type Message struct {
	Data   []byte
	Tag    uint32
	Serial uint32
	Offset int64
}

// Queue is one client-side end of an LGMP ring.
type Queue struct {
	Name   string
	region interfaces.Region
	logger interfaces.Logger
	layout Layout

	state          State
	readIndex      uint32
	lastSerial     uint32
	borrowedSerial uint32
}

// New constructs a Queue bound to layout, initially UNSUBSCRIBED.
func New(name string, region interfaces.Region, logger interfaces.Logger, layout Layout) *Queue {
	return &Queue{Name: name, region: region, logger: logger, layout: layout}
}

// State reports the current client-side state.
func (q *Queue) State() State { return q.state }

// readHeader loads the write index, read index and serial with
// ReadUint32At rather than a bulk ReadAt: these three fields are updated
// independently and concurrently by the host, and spec.md §4.C requires
// fenced reads of each rather than a torn snapshot via plain copy.
func (q *Queue) readHeader() (wire.QueueHeader, error) {
	var h wire.QueueHeader
	writeIndex, err := q.region.ReadUint32At(q.layout.HeaderOffset)
	if err != nil {
		return h, err
	}
	readIndex, err := q.region.ReadUint32At(q.layout.HeaderOffset + 4)
	if err != nil {
		return h, err
	}
	serial, err := q.region.ReadUint32At(q.layout.HeaderOffset + 8)
	if err != nil {
		return h, err
	}
	h.WriteIndex = writeIndex
	h.ReadIndex = readIndex
	h.Serial = serial
	return h, nil
}

// Subscribe transitions UNSUBSCRIBED -> ACTIVE once the host has published
// at least one message on this queue (Serial != 0). Callers retry on
// CodeNotReady with a short delay, per spec.md §4.C.
func (q *Queue) Subscribe() error {
	hdr, err := q.readHeader()
	if err != nil {
		return protoerr.NewQueue("queue.Subscribe", q.Name, protoerr.CodeFatal, err.Error())
	}
	if hdr.Serial == 0 {
		return protoerr.NewQueue("queue.Subscribe", q.Name, protoerr.CodeNotReady, "queue not yet published")
	}
	q.state = StateActive
	q.readIndex = hdr.ReadIndex
	q.logger.Debugf("queue %s: subscribed, writeIndex=%d serial=%d", q.Name, hdr.WriteIndex, hdr.Serial)
	return nil
}

// Process is the non-blocking poll: ACTIVE -> BORROWED on a new slot,
// stays ACTIVE on Empty (CodeTransient), or moves to DROPPED and returns
// CodeRestart on a read failure or a backward serial, and CodeMalformed on
// an undecodable slot or a payload outside the region.
func (q *Queue) Process() (*Message, error) {
	if q.state == StateDropped {
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeRestart, "queue dropped")
	}
	if q.state != StateActive {
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeFatal,
			fmt.Sprintf("process called in state %s", q.state))
	}

	hdr, err := q.readHeader()
	if err != nil {
		q.state = StateDropped
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeRestart, err.Error())
	}
	if hdr.Serial < q.lastSerialSeen() {
		q.state = StateDropped
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeRestart, "serial moved backward")
	}
	if hdr.WriteIndex == q.readIndex {
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeTransient, "empty")
	}

	slotIdx := q.readIndex % q.layout.Length
	slotBuf := make([]byte, wire.SlotSize)
	slotOff := q.layout.SlotsOffset + int64(slotIdx)*wire.SlotSize
	if _, err := q.region.ReadAt(slotBuf, slotOff); err != nil {
		q.state = StateDropped
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeRestart, err.Error())
	}
	slot, err := wire.DecodeSlot(slotBuf)
	if err != nil {
		q.state = StateDropped
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeMalformed, err.Error())
	}

	payloadOff := q.layout.PayloadOffset + int64(slot.PayloadOffset)
	if payloadOff < 0 || payloadOff+int64(slot.PayloadSize) > q.region.Size() {
		q.state = StateDropped
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeMalformed,
			"slot payload out of region bounds")
	}

	payload := make([]byte, slot.PayloadSize)
	if _, err := q.region.ReadAt(payload, payloadOff); err != nil {
		q.state = StateDropped
		return nil, protoerr.NewQueue("queue.Process", q.Name, protoerr.CodeRestart, err.Error())
	}

	q.state = StateBorrowed
	q.borrowedSerial = hdr.Serial
	return &Message{Data: payload, Tag: slot.UserTag, Serial: hdr.Serial, Offset: payloadOff}, nil
}

// MessageDone releases the current BORROWED slot back to the host by
// publishing the advanced read index. The client's own index is the last
// thing written, mirroring the host's write-index-last discipline.
func (q *Queue) MessageDone() error {
	if q.state != StateBorrowed {
		return protoerr.NewQueue("queue.MessageDone", q.Name, protoerr.CodeFatal, "no message borrowed")
	}
	q.readIndex++
	if err := q.region.WriteUint32At(q.layout.HeaderOffset+4, q.readIndex); err != nil {
		q.state = StateDropped
		return protoerr.NewQueue("queue.MessageDone", q.Name, protoerr.CodeRestart, err.Error())
	}
	q.lastSerial = q.borrowedSerial
	q.state = StateActive
	return nil
}

// Send posts a client-to-host message (used only by SetCursorPos) and
// returns the serial the host will observe once it processes the write.
// The queue must already be ACTIVE; Send does not change client state.
func (q *Queue) Send(payload []byte, tag uint32) (uint32, error) {
	if q.state != StateActive {
		return 0, protoerr.NewQueue("queue.Send", q.Name, protoerr.CodeFatal,
			fmt.Sprintf("send called in state %s", q.state))
	}
	hdr, err := q.readHeader()
	if err != nil {
		return 0, protoerr.NewQueue("queue.Send", q.Name, protoerr.CodeFatal, err.Error())
	}

	slotIdx := hdr.WriteIndex % q.layout.Length
	payloadOff := int64(slotIdx) * int64(len(payload))
	if q.layout.PayloadOffset+payloadOff+int64(len(payload)) > q.region.Size() {
		return 0, protoerr.NewQueue("queue.Send", q.Name, protoerr.CodeMalformed, "payload would exceed region")
	}
	if _, err := q.region.WriteAt(payload, q.layout.PayloadOffset+payloadOff); err != nil {
		return 0, protoerr.NewQueue("queue.Send", q.Name, protoerr.CodeFatal, err.Error())
	}

	slot := wire.Slot{PayloadOffset: uint32(payloadOff), PayloadSize: uint32(len(payload)), UserTag: tag}
	slotBuf := wire.EncodeSlot(&slot)
	slotOff := q.layout.SlotsOffset + int64(slotIdx)*wire.SlotSize
	if _, err := q.region.WriteAt(slotBuf, slotOff); err != nil {
		return 0, protoerr.NewQueue("queue.Send", q.Name, protoerr.CodeFatal, err.Error())
	}

	newSerial := hdr.Serial + 1
	if err := q.region.WriteUint32At(q.layout.HeaderOffset+8, newSerial); err != nil {
		return 0, protoerr.NewQueue("queue.Send", q.Name, protoerr.CodeFatal, err.Error())
	}

	// Write index last, mirroring the host's own write-index-last discipline:
	// a reader never observes a write index pointing at a not-yet-published slot.
	if err := q.region.WriteUint32At(q.layout.HeaderOffset, hdr.WriteIndex+1); err != nil {
		return 0, protoerr.NewQueue("queue.Send", q.Name, protoerr.CodeFatal, err.Error())
	}

	return newSerial, nil
}

// Serial returns the highest serial the host has advertised on this queue.
func (q *Queue) Serial() (uint32, error) {
	hdr, err := q.readHeader()
	if err != nil {
		return 0, protoerr.NewQueue("queue.Serial", q.Name, protoerr.CodeFatal, err.Error())
	}
	return hdr.Serial, nil
}

func (q *Queue) lastSerialSeen() uint32 {
	return q.lastSerial
}
