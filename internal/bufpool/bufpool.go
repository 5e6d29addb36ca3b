// Package bufpool provides size-classed byte-slice pooling for response
// aggregation. Slices up to 64 KiB are recycled through per-class
// sync.Pools; anything larger is allocated directly because reuse of rare
// jumbo buffers is not worth pinning the memory.
package bufpool

import (
	"math/bits"
	"sync"
)

const (
	minSize   = 32
	maxSize   = 64 * 1024
	poolCount = 12 // 32, 64, 128, ..., 64k
)

var pools [poolCount]sync.Pool

func init() {
	for i := 0; i < poolCount; i++ {
		size := classSize(i)
		pools[i].New = func() interface{} {
			b := make([]byte, 0, size)
			return &b
		}
	}
}

// Get returns a zero-length slice with capacity of at least size.
func Get(size int) []byte {
	if size > maxSize {
		return make([]byte, 0, size)
	}
	idx := classIndex(size)
	bp := pools[idx].Get().(*[]byte)
	return (*bp)[:0]
}

// Put recycles a slice previously returned by Get. Oversized and undersized
// slices are dropped for the garbage collector.
func Put(b []byte) {
	c := cap(b)
	if c < minSize || c > maxSize {
		return
	}
	idx := classIndex(c)
	if classSize(idx) != c {
		// Not one of ours; pooling a short slice under a class would hand
		// out less capacity than Get promises.
		return
	}
	b = b[:0]
	pools[idx].Put(&b)
}

func classSize(idx int) int {
	return minSize << idx
}

func classIndex(size int) int {
	if size <= minSize {
		return 0
	}
	idx := bits.Len(uint(size-1)) - 5 // log2 rounded up, offset by log2(minSize)
	if idx >= poolCount {
		idx = poolCount - 1
	}
	return idx
}
