package queue

import "sync"

// Pooled byte slices for the fallback copy path, used when a Region cannot
// hand out a DMA-buf for a payload. Size-bucketed to balance memory
// efficiency against allocation reduction; a 1080p BGRA frame (about
// 7.9 MiB) fits the largest bucket, while larger frames such as 4K BGRA
// (about 31.6 MiB) are allocated directly. Pointer payloads are tiny and
// never hit this pool.
//
// Uses *[]byte pattern to avoid sync.Pool interface allocation overhead.
const (
	size256k = 256 * 1024
	size1m   = 1024 * 1024
	size4m   = 4 * 1024 * 1024
	size8m   = 8 * 1024 * 1024
)

var globalPool = struct {
	pool256k sync.Pool
	pool1m   sync.Pool
	pool4m   sync.Pool
	pool8m   sync.Pool
}{
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
	pool4m:   sync.Pool{New: func() any { b := make([]byte, size4m); return &b }},
	pool8m:   sync.Pool{New: func() any { b := make([]byte, size8m); return &b }},
}

// GetBuffer returns a pooled buffer of at least the requested size. Caller
// must call PutBuffer when done with it.
func GetBuffer(size uint32) []byte {
	switch {
	case size <= size256k:
		return (*globalPool.pool256k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	case size <= size4m:
		return (*globalPool.pool4m.Get().(*[]byte))[:size]
	case size <= size8m:
		return (*globalPool.pool8m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to the pool it was drawn from. Buffers with a
// non-standard capacity (the oversized fallback case) are simply dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size256k:
		globalPool.pool256k.Put(&buf)
	case size1m:
		globalPool.pool1m.Put(&buf)
	case size4m:
		globalPool.pool4m.Put(&buf)
	case size8m:
		globalPool.pool8m.Put(&buf)
	}
}
