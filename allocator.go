package kilat

import "github.com/ambiyansyah-risyal/kilat/internal/bufpool"

// BufferAllocator supplies the byte buffers used to aggregate response
// bodies. Get returns a zero-length slice with at least the requested
// capacity; Put hands a slice back once the caller is done with it.
//
// Hard precondition: an allocator supplied via WithBufferAllocator must be
// safe for concurrent use, or externally synchronized by the caller. All
// channels of a factory share the one allocator.
type BufferAllocator interface {
	Get(size int) []byte
	Put(b []byte)
}

// UnpooledAllocator allocates fresh slices and lets the garbage collector
// reclaim them. This is the default.
type UnpooledAllocator struct{}

// Get returns a newly allocated slice.
func (UnpooledAllocator) Get(size int) []byte { return make([]byte, 0, size) }

// Put is a no-op.
func (UnpooledAllocator) Put([]byte) {}

// PooledAllocator recycles buffers through size-classed pools. Suited to
// factories serving many small-to-medium responses.
type PooledAllocator struct{}

// Get returns a pooled slice with at least the requested capacity.
func (PooledAllocator) Get(size int) []byte { return bufpool.Get(size) }

// Put recycles the slice.
func (PooledAllocator) Put(b []byte) { bufpool.Put(b) }

// grow returns a buffer with room for extra additional bytes, moving the
// contents to a larger allocation when needed and releasing the old one.
func grow(alloc BufferAllocator, b []byte, extra int) []byte {
	need := len(b) + extra
	if need <= cap(b) {
		return b
	}
	newCap := cap(b) * 2
	if newCap < need {
		newCap = need
	}
	nb := alloc.Get(newCap)
	nb = append(nb, b...)
	alloc.Put(b)
	return nb
}
