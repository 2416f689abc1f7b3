package wire

// Linux ioctl request-number encoding (asm-generic/ioctl.h), reimplemented
// here because the kvmfr character device's ioctls are not registered with
// any Go syscall package. Bit-exact with _IO/_IOW as used by
// module/kvmfr.h in the Looking Glass kernel driver.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) |
		(typ << iocTypeShift) |
		(nr << iocNRShift) |
		(size << iocSizeShift)
}

func io(typ, nr uintptr) uintptr {
	return ioc(iocNone, typ, nr, 0)
}

func iow(typ, nr, size uintptr) uintptr {
	return ioc(iocWrite, typ, nr, size)
}

// KVMFRDMABufCreateSize is the wire size of struct kvmfr_dmabuf_create
// (flags:u8, offset:u64, size:u64), matching the kernel's packed layout.
const KVMFRDMABufCreateSize = 1 + 8 + 8

// KVMFRDMABufFlagCLOEXEC is the CLOEXEC bit of kvmfr_dmabuf_create.flags.
const KVMFRDMABufFlagCLOEXEC = 0x1

var (
	// KVMFRIoctlGetSize is KVMFR_DMABUF_GETSIZE: _IO('u', 0x44).
	KVMFRIoctlGetSize = io('u', 0x44)

	// KVMFRIoctlCreateDMABuf is KVMFR_DMABUF_CREATE:
	// _IOW('u', 0x42, struct kvmfr_dmabuf_create).
	KVMFRIoctlCreateDMABuf = iow('u', 0x42, KVMFRDMABufCreateSize)
)

// DMABufCreate mirrors struct kvmfr_dmabuf_create.
type DMABufCreate struct {
	Flags  uint8
	Offset uint64
	Size   uint64
}

// Encode packs a DMABufCreate the way the kernel expects it: a single
// packed struct with no padding between fields.
func (d *DMABufCreate) Encode() []byte {
	buf := make([]byte, KVMFRDMABufCreateSize)
	buf[0] = d.Flags
	putUint64(buf[1:9], d.Offset)
	putUint64(buf[9:17], d.Size)
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
