// Package arena hands out flat, zeroed, aligned buffers carved from one large mapping.
// Decode-step state is sized once per generation and released all at once, which is
// what an arena is for.
package arena

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// ErrOutOfMemory is returned when an allocation does not fit in the remaining capacity.
var ErrOutOfMemory = errors.New("arena: out of memory")

// Align is the byte alignment of every allocation; one cache line.
const Align = 64

// Scalar lists the element types an arena may hold. Pointer-free types only: the
// backing memory is invisible to the garbage collector.
type Scalar interface {
	~int32 | ~int64 | ~uint16 | ~float32 | ~float64
}

// Arena is a bump allocator over a single mapping.
type Arena struct {
	mu     sync.Mutex
	buf    []byte
	off    int
	mapped bool
}

// New reserves capacity bytes. Anonymous mmap is used where available.
func New(capacity int) (*Arena, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("arena: capacity must be positive, got %d", capacity)
	}
	buf, mapped, err := reserve(capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve %d bytes: %w", ErrOutOfMemory, capacity, err)
	}
	return &Arena{buf: buf, mapped: mapped}, nil
}

// Alloc returns n zeroed elements of T.
func Alloc[T Scalar](a *Arena, n int) ([]T, error) {
	if n < 0 {
		return nil, fmt.Errorf("arena: negative length %d", n)
	}
	if n == 0 {
		return []T{}, nil
	}
	var zero T
	size := n * int(unsafe.Sizeof(zero))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return nil, errors.New("arena: closed")
	}
	start := (a.off + Align - 1) &^ (Align - 1)
	if start+size > len(a.buf) {
		return nil, fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrOutOfMemory, size, a.off, len(a.buf))
	}
	a.off = start + size
	return unsafe.Slice((*T)(unsafe.Pointer(&a.buf[start])), n), nil
}

// MustAlloc is Alloc for callers that sized the arena with Size and treat failure as a bug.
func MustAlloc[T Scalar](a *Arena, n int) []T {
	out, err := Alloc[T](a, n)
	if err != nil {
		panic(err)
	}
	return out
}

// Size returns the bytes needed to hold n elements of T, alignment padding included.
func Size[T Scalar](n int) int {
	var zero T
	return (n*int(unsafe.Sizeof(zero)) + Align - 1) &^ (Align - 1)
}

// heapAligned allocates capacity bytes on the Go heap starting on an Align boundary.
func heapAligned(capacity int) []byte {
	raw := make([]byte, capacity+Align)
	pad := int(-uintptr(unsafe.Pointer(&raw[0])) & (Align - 1))
	return raw[pad : pad+capacity : pad+capacity]
}

// Used returns the bytes handed out so far, padding included.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.off
}

// Cap returns the reserved capacity in bytes.
func (a *Arena) Cap() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Mapped reports whether the arena is backed by an OS mapping rather than the Go heap.
func (a *Arena) Mapped() bool {
	return a.mapped
}

// Reset zeroes the used region and makes the whole capacity available again.
// Slices returned earlier must no longer be used.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.buf[:a.off])
	a.off = 0
}

// Close releases the mapping. Slices returned earlier must no longer be used.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buf == nil {
		return nil
	}
	buf, mapped := a.buf, a.mapped
	a.buf, a.off = nil, 0
	if mapped {
		return release(buf)
	}
	return nil
}
