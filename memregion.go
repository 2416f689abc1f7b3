package glass

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gnif/LookingGlass-sub002/internal/barrier"
	"github.com/gnif/LookingGlass-sub002/internal/interfaces"
)

// regionShardSize is the granularity of the locks covering a MemoryRegion.
// 64KiB keeps lock overhead low relative to typical frame/cursor slot
// sizes while still letting the frame task and cursor task touch the
// region concurrently without contending on a single mutex.
const regionShardSize = 64 * 1024

// MemoryRegion is an in-process interfaces.Region backed by a plain byte
// slice with sharded locking, for tests and benchmarks that want
// concurrent-safe ReadAt/WriteAt without a real shared-memory mapping.
// It never supports DMA-buf export.
type MemoryRegion struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewMemoryRegion allocates a MemoryRegion of the given size.
func NewMemoryRegion(size int64) *MemoryRegion {
	numShards := (size + regionShardSize - 1) / regionShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &MemoryRegion{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *MemoryRegion) shardRange(off, length int64) (start, end int) {
	start = int(off / regionShardSize)
	end = int((off + length - 1) / regionShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	if end < start {
		end = start
	}
	return start, end
}

// ReadAt implements interfaces.Region.
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > m.size {
		return 0, fmt.Errorf("glass: ReadAt offset %d out of bounds", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n, nil
}

// WriteAt implements interfaces.Region.
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > m.size {
		return 0, fmt.Errorf("glass: WriteAt offset %d out of bounds", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	available := m.size - off
	if int64(len(p)) > available {
		return 0, fmt.Errorf("glass: WriteAt of %d bytes at %d exceeds region size %d", len(p), off, m.size)
	}

	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n, nil
}

// ReadUint32At implements interfaces.Region via internal/barrier rather
// than the shard locks: the index/serial/heartbeat fields this is used for
// are touched by a producer this region shares no lock with, so ordering
// has to come from the atomic op itself, not from RWMutex.
func (m *MemoryRegion) ReadUint32At(off int64) (uint32, error) {
	if off < 0 || off+4 > m.size {
		return 0, fmt.Errorf("glass: ReadUint32At offset %d out of bounds", off)
	}
	return barrier.ObserveUint32((*uint32)(unsafe.Pointer(&m.data[off]))), nil
}

// WriteUint32At implements interfaces.Region via internal/barrier.
func (m *MemoryRegion) WriteUint32At(off int64, v uint32) error {
	if off < 0 || off+4 > m.size {
		return fmt.Errorf("glass: WriteUint32At offset %d out of bounds", off)
	}
	barrier.PublishUint32((*uint32)(unsafe.Pointer(&m.data[off])), v)
	return nil
}

// Size implements interfaces.Region.
func (m *MemoryRegion) Size() int64 { return m.size }

// DMABufAt implements interfaces.Region; a MemoryRegion is never kvmfr-backed.
func (m *MemoryRegion) DMABufAt(off, size int64) (int, bool, error) { return 0, false, nil }

// Close implements interfaces.Region.
func (m *MemoryRegion) Close() error {
	m.data = nil
	return nil
}

var _ interfaces.Region = (*MemoryRegion)(nil)
