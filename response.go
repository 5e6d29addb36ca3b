package kilat

import "sync/atomic"

// Response is the aggregated outcome of a completed request: status,
// headers and the whole body in one buffer. Ownership of the buffer passes
// to the caller with the Response; call Release when done to hand it back
// to the factory's allocator. With the default unpooled allocator Release
// is optional.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	Header     Header

	body       []byte
	alloc      BufferAllocator
	closeAfter bool
	released   int32
}

// Body returns the aggregated body. Nil after Release.
func (r *Response) Body() []byte {
	if atomic.LoadInt32(&r.released) != 0 {
		return nil
	}
	return r.body
}

// ContentLength returns the aggregated body length.
func (r *Response) ContentLength() int {
	return len(r.body)
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Release returns the body buffer to the allocator. Idempotent; the body is
// inaccessible afterwards. Callers must not retain slices of Body across
// Release when a pooled allocator is in use.
func (r *Response) Release() {
	if !atomic.CompareAndSwapInt32(&r.released, 0, 1) {
		return
	}
	if r.body != nil && r.alloc != nil {
		r.alloc.Put(r.body)
	}
	r.body = nil
}

// reusable reports whether the connection that produced this response may
// go back to the idle pool.
func (r *Response) reusable(bodyDelimited bool) bool {
	return bodyDelimited && !r.closeAfter
}
