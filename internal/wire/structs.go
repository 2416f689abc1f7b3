// Package wire defines the on-the-wire layout of the LGMP/KVMFR shared
// memory protocol and manual binary.LittleEndian marshal/unmarshal for it.
//
// Everything here crosses an ABI boundary written by a C host process in a
// separate address space; Go struct layout, alignment and endianness are
// never assumed to match, so every field is packed and unpacked by hand.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a buffer is too small to hold a decoded
// or encoded structure.
var ErrShortBuffer = errors.New("wire: buffer too short")

// ErrRecordOutOfBounds is returned when a TLV record's declared size would
// read past the bounds of the area it was found in.
var ErrRecordOutOfBounds = errors.New("wire: record out of bounds")

// HeaderSize is the fixed size, in bytes, of the Header struct as it lives
// in shared memory (8 + 4 + 32 + 4).
const HeaderSize = 8 + 4 + 32 + 4

// Header is the KVMFR header. In this client's region layout it follows
// the 8-byte session prefix rather than sitting at offset 0.
type Header struct {
	Magic    [8]byte
	Version  uint32
	HostVer  [32]byte
	Features uint32
}

// MagicString returns all 8 magic bytes as a string, without trimming.
func (h *Header) MagicString() string {
	return string(h.Magic[:])
}

// HostVerString returns the NUL-terminated host version string.
func (h *Header) HostVerString() string {
	n := 0
	for n < len(h.HostVer) && h.HostVer[n] != 0 {
		n++
	}
	return string(h.HostVer[:n])
}

// DecodeHeader reads a Header from buf starting at offset 0.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, ErrShortBuffer
	}
	copy(h.Magic[:], buf[0:8])
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	copy(h.HostVer[:], buf[12:44])
	h.Features = binary.LittleEndian.Uint32(buf[44:48])
	return h, nil
}

// Record is one entry of the header's trailing TLV area.
type Record struct {
	Type byte
	Data []byte
}

// DecodeRecords parses the TLV record area starting at buf[0], bounding
// every record to len(buf) as spec.md §3 requires. A zero type byte (no
// record type uses it) ends the list, so zero padding after the last
// record is not parsed as records.
func DecodeRecords(buf []byte) ([]Record, error) {
	var records []Record
	off := 0
	for off < len(buf) {
		if buf[off] == 0 {
			break
		}
		if off+5 > len(buf) {
			return nil, ErrRecordOutOfBounds
		}
		typ := buf[off]
		size := binary.LittleEndian.Uint32(buf[off+1 : off+5])
		off += 5
		if uint64(off)+uint64(size) > uint64(len(buf)) {
			return nil, ErrRecordOutOfBounds
		}
		data := buf[off : off+int(size)]
		records = append(records, Record{Type: typ, Data: data})
		off += int(size)
	}
	return records, nil
}

// VMInfo is KVMFR_RECORD_VMINFO's payload.
type VMInfo struct {
	UUID    [16]byte
	Capture [32]byte
	CPUs    uint8
	Cores   uint8
	Sockets uint8
	Model   string
}

// DecodeVMInfo parses a VMInfo record payload.
func DecodeVMInfo(data []byte) (VMInfo, error) {
	var v VMInfo
	const fixed = 16 + 32 + 1 + 1 + 1
	if len(data) < fixed {
		return v, ErrShortBuffer
	}
	copy(v.UUID[:], data[0:16])
	copy(v.Capture[:], data[16:48])
	v.CPUs = data[48]
	v.Cores = data[49]
	v.Sockets = data[50]
	v.Model = cString(data[51:])
	return v, nil
}

// CaptureString returns the NUL-padded capture backend name, trimmed.
func (v *VMInfo) CaptureString() string {
	return cString(v.Capture[:])
}

// OSInfo is KVMFR_RECORD_OSINFO's payload.
type OSInfo struct {
	OS   uint8
	Name string
}

// DecodeOSInfo parses an OSInfo record payload.
func DecodeOSInfo(data []byte) (OSInfo, error) {
	var o OSInfo
	if len(data) < 1 {
		return o, ErrShortBuffer
	}
	o.OS = data[0]
	o.Name = cString(data[1:])
	return o, nil
}

func cString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// DamageRect is one entry of a frame's damage rectangle list.
type DamageRect struct {
	X, Y, W, H uint32
}

// DamageRectSize is the encoded size of one DamageRect.
const DamageRectSize = 16

// frameDescriptorHeaderSize is the size of FrameDescriptor excluding the
// fixed-capacity DamageRects array, which is always present but only
// DamageRectsCount entries are meaningful.
const frameDescriptorHeaderSize = 4*11 + 4 // up through damageRectsCount

// MaxDamageRects bounds the number of damage rectangles per frame
// (duplicated from internal/constants to avoid an import cycle with
// callers that only need the wire layout).
const MaxDamageRects = 64

// FrameDescriptorSize is the fixed wire size of a FrameDescriptor,
// including its full damage-rect array and trailing flags word.
const FrameDescriptorSize = frameDescriptorHeaderSize + MaxDamageRects*DamageRectSize + 4

// FrameDescriptor is the payload of a FRAME message (spec.md §3).
type FrameDescriptor struct {
	FormatVer        uint32
	FrameSerial      uint32
	Type             uint32
	ScreenW          uint32
	ScreenH          uint32
	FrameW           uint32
	FrameH           uint32
	Rotation         uint32
	Stride           uint32
	Pitch            uint32
	Offset           uint32
	DamageRectsCount uint32
	DamageRects      [MaxDamageRects]DamageRect
	Flags            uint32
}

// DecodeFrameDescriptor parses a FrameDescriptor from buf.
func DecodeFrameDescriptor(buf []byte) (FrameDescriptor, error) {
	var f FrameDescriptor
	if len(buf) < FrameDescriptorSize {
		return f, ErrShortBuffer
	}
	le := binary.LittleEndian
	f.FormatVer = le.Uint32(buf[0:4])
	f.FrameSerial = le.Uint32(buf[4:8])
	f.Type = le.Uint32(buf[8:12])
	f.ScreenW = le.Uint32(buf[12:16])
	f.ScreenH = le.Uint32(buf[16:20])
	f.FrameW = le.Uint32(buf[20:24])
	f.FrameH = le.Uint32(buf[24:28])
	f.Rotation = le.Uint32(buf[28:32])
	f.Stride = le.Uint32(buf[32:36])
	f.Pitch = le.Uint32(buf[36:40])
	f.Offset = le.Uint32(buf[40:44])
	f.DamageRectsCount = le.Uint32(buf[44:48])

	off := frameDescriptorHeaderSize
	for i := 0; i < MaxDamageRects; i++ {
		r := buf[off : off+DamageRectSize]
		f.DamageRects[i] = DamageRect{
			X: le.Uint32(r[0:4]),
			Y: le.Uint32(r[4:8]),
			W: le.Uint32(r[8:12]),
			H: le.Uint32(r[12:16]),
		}
		off += DamageRectSize
	}
	f.Flags = le.Uint32(buf[off : off+4])
	return f, nil
}

// EncodeFrameDescriptor serializes f, mainly used by tests that simulate a
// host publishing frames.
func EncodeFrameDescriptor(f *FrameDescriptor) []byte {
	buf := make([]byte, FrameDescriptorSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], f.FormatVer)
	le.PutUint32(buf[4:8], f.FrameSerial)
	le.PutUint32(buf[8:12], f.Type)
	le.PutUint32(buf[12:16], f.ScreenW)
	le.PutUint32(buf[16:20], f.ScreenH)
	le.PutUint32(buf[20:24], f.FrameW)
	le.PutUint32(buf[24:28], f.FrameH)
	le.PutUint32(buf[28:32], f.Rotation)
	le.PutUint32(buf[32:36], f.Stride)
	le.PutUint32(buf[36:40], f.Pitch)
	le.PutUint32(buf[40:44], f.Offset)
	le.PutUint32(buf[44:48], f.DamageRectsCount)

	off := frameDescriptorHeaderSize
	for i := 0; i < MaxDamageRects; i++ {
		r := f.DamageRects[i]
		le.PutUint32(buf[off:off+4], r.X)
		le.PutUint32(buf[off+4:off+8], r.Y)
		le.PutUint32(buf[off+8:off+12], r.W)
		le.PutUint32(buf[off+12:off+16], r.H)
		off += DamageRectSize
	}
	le.PutUint32(buf[off:off+4], f.Flags)
	return buf
}

// CursorDescriptorSize is the fixed wire size of a CursorDescriptor,
// excluding any trailing shape bytes.
const CursorDescriptorSize = 2 + 2 + 4 + 1 + 1 + 4 + 4 + 4

// CursorDescriptor is the fixed-size prefix of a POINTER message payload.
type CursorDescriptor struct {
	X, Y   int16
	Type   uint32
	HX, HY int8
	Width  uint32
	Height uint32
	Pitch  uint32
}

// DecodeCursorDescriptor parses a CursorDescriptor from buf.
func DecodeCursorDescriptor(buf []byte) (CursorDescriptor, error) {
	var c CursorDescriptor
	if len(buf) < CursorDescriptorSize {
		return c, ErrShortBuffer
	}
	le := binary.LittleEndian
	c.X = int16(le.Uint16(buf[0:2]))
	c.Y = int16(le.Uint16(buf[2:4]))
	c.Type = le.Uint32(buf[4:8])
	c.HX = int8(buf[8])
	c.HY = int8(buf[9])
	c.Width = le.Uint32(buf[10:14])
	c.Height = le.Uint32(buf[14:18])
	c.Pitch = le.Uint32(buf[18:22])
	return c, nil
}

// EncodeCursorDescriptor serializes c, followed by the shape bytes if any.
func EncodeCursorDescriptor(c *CursorDescriptor, shape []byte) []byte {
	buf := make([]byte, CursorDescriptorSize+len(shape))
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], uint16(c.X))
	le.PutUint16(buf[2:4], uint16(c.Y))
	le.PutUint32(buf[4:8], c.Type)
	buf[8] = byte(c.HX)
	buf[9] = byte(c.HY)
	le.PutUint32(buf[10:14], c.Width)
	le.PutUint32(buf[14:18], c.Height)
	le.PutUint32(buf[18:22], c.Pitch)
	copy(buf[CursorDescriptorSize:], shape)
	return buf
}

// SetCursorPosSize is the wire size of a SetCursorPos message.
const SetCursorPosSize = 4 + 4 + 4

// SetCursorPos is the outbound client→host cursor warp request.
type SetCursorPos struct {
	Type uint32
	X    int32
	Y    int32
}

// EncodeSetCursorPos serializes a SetCursorPos message.
func EncodeSetCursorPos(x, y int32) []byte {
	buf := make([]byte, SetCursorPosSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], 0) // MessageTypeSetCursorPos
	le.PutUint32(buf[4:8], uint32(x))
	le.PutUint32(buf[8:12], uint32(y))
	return buf
}

// DecodeSetCursorPos parses a SetCursorPos message.
func DecodeSetCursorPos(buf []byte) (SetCursorPos, error) {
	var m SetCursorPos
	if len(buf) < SetCursorPosSize {
		return m, ErrShortBuffer
	}
	le := binary.LittleEndian
	m.Type = le.Uint32(buf[0:4])
	m.X = int32(le.Uint32(buf[4:8]))
	m.Y = int32(le.Uint32(buf[8:12]))
	return m, nil
}

// QueueHeaderSize is the fixed size of a QueueHeader.
const QueueHeaderSize = 4 + 4 + 4

// QueueHeader is the ring control block at the start of each LGMP queue's
// region. WriteIndex and Serial are host-owned and published last by the
// host after a slot's payload is written; ReadIndex is client-owned and
// published last by the client after messageDone.
type QueueHeader struct {
	WriteIndex uint32
	ReadIndex  uint32
	Serial     uint32
}

// SlotSize is the fixed size of one Slot entry.
const SlotSize = 4 + 4 + 4

// Slot describes one ring entry: where its payload lives, how big it is,
// and the user-tag the producer attached to it.
type Slot struct {
	PayloadOffset uint32
	PayloadSize   uint32
	UserTag       uint32
}

// DecodeSlot parses a Slot from buf.
func DecodeSlot(buf []byte) (Slot, error) {
	var s Slot
	if len(buf) < SlotSize {
		return s, ErrShortBuffer
	}
	le := binary.LittleEndian
	s.PayloadOffset = le.Uint32(buf[0:4])
	s.PayloadSize = le.Uint32(buf[4:8])
	s.UserTag = le.Uint32(buf[8:12])
	return s, nil
}

// EncodeSlot serializes a Slot, used by tests simulating a host.
func EncodeSlot(s *Slot) []byte {
	buf := make([]byte, SlotSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], s.PayloadOffset)
	le.PutUint32(buf[4:8], s.PayloadSize)
	le.PutUint32(buf[8:12], s.UserTag)
	return buf
}
