package glass

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gnif/LookingGlass-sub002/internal/barrier"
	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
	"github.com/gnif/LookingGlass-sub002/internal/wire"
)

// mmapRegion is an interfaces.Region backed by a plain mmap of an open
// file descriptor: either a /dev/shm file (no zero-copy) or a kvmfr
// character device (zero-copy export via KVMFR_DMABUF_CREATE).
type mmapRegion struct {
	f    *os.File
	data []byte

	mu        sync.Mutex
	kvmfr     bool
	dmaFailed bool
}

// OpenFileRegion maps a plain shared-memory file (typically under
// /dev/shm), sized at size bytes. It never supports DMA-buf export;
// callers always take the ReadAt copy path for frame payloads.
func OpenFileRegion(path string, size int64) (interfaces.Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("glass: opening shared memory file %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("glass: mmap %s: %w", path, err)
	}
	return &mmapRegion{f: f, data: data}, nil
}

// OpenKVMFRRegion maps a kvmfr character device (e.g. /dev/kvmfr0),
// querying its size via KVMFR_DMABUF_GETSIZE before mapping it.
func OpenKVMFRRegion(path string) (interfaces.Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("glass: opening kvmfr device %s: %w", path, err)
	}
	size, err := ioctlNoArg(f.Fd(), wire.KVMFRIoctlGetSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("glass: KVMFR_DMABUF_GETSIZE on %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("glass: mmap %s: %w", path, err)
	}
	return &mmapRegion{f: f, data: data, kvmfr: true}, nil
}

func (r *mmapRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("glass: ReadAt offset %d out of bounds", off)
	}
	return copy(p, r.data[off:]), nil
}

func (r *mmapRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, fmt.Errorf("glass: WriteAt offset %d out of bounds", off)
	}
	return copy(r.data[off:], p), nil
}

// ReadUint32At implements interfaces.Region over the mmap'd slice via
// internal/barrier, which is the portable (GOARCH-independent) stand-in for
// the real LGMP library's SFENCE/MFENCE pair around this handoff.
func (r *mmapRegion) ReadUint32At(off int64) (uint32, error) {
	if off < 0 || off+4 > int64(len(r.data)) {
		return 0, fmt.Errorf("glass: ReadUint32At offset %d out of bounds", off)
	}
	return barrier.ObserveUint32((*uint32)(unsafe.Pointer(&r.data[off]))), nil
}

// WriteUint32At implements interfaces.Region over the mmap'd slice via
// internal/barrier.
func (r *mmapRegion) WriteUint32At(off int64, v uint32) error {
	if off < 0 || off+4 > int64(len(r.data)) {
		return fmt.Errorf("glass: WriteUint32At offset %d out of bounds", off)
	}
	barrier.PublishUint32((*uint32)(unsafe.Pointer(&r.data[off])), v)
	return nil
}

func (r *mmapRegion) Size() int64 { return int64(len(r.data)) }

// DMABufAt requests a zero-copy DMA-buf handle for [off, off+size) via
// KVMFR_DMABUF_CREATE. It degrades permanently to ok=false the first time
// the ioctl fails, on the assumption a failed kvmfr device stays failed for
// the life of the mapping.
func (r *mmapRegion) DMABufAt(off, size int64) (int, bool, error) {
	if !r.kvmfr {
		return 0, false, nil
	}
	r.mu.Lock()
	failed := r.dmaFailed
	r.mu.Unlock()
	if failed {
		return 0, false, nil
	}

	create := wire.DMABufCreate{Flags: wire.KVMFRDMABufFlagCLOEXEC, Offset: uint64(off), Size: uint64(size)}
	buf := create.Encode()
	fd, err := ioctlWithArg(r.f.Fd(), wire.KVMFRIoctlCreateDMABuf, unsafe.Pointer(&buf[0]))
	if err != nil {
		r.mu.Lock()
		r.dmaFailed = true
		r.mu.Unlock()
		return 0, false, nil
	}
	return fd, true, nil
}

func (r *mmapRegion) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}

func ioctlNoArg(fd uintptr, req uintptr) (int, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

func ioctlWithArg(fd uintptr, req uintptr, arg unsafe.Pointer) (int, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

var _ interfaces.Region = (*mmapRegion)(nil)
