// Package geometry holds the shape descriptors shared by every decode-step kernel.
//
// All state lives in flat caller-owned slices. A descriptor pairs a slice with its logical
// shape and exposes the offset function that maps a logical coordinate to a flat index.
package geometry

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"
)

var (
	// ErrShape marks a caller-side shape or index precondition violation.
	ErrShape = errors.New("shape precondition violated")
	// ErrChunk marks a cache chunk width other than 4 or 8.
	ErrChunk = errors.New("unsupported chunk width")
)

// Supported cache chunk widths, in scalar elements per vector load.
const (
	Chunk4 = 4
	Chunk8 = 8
)

// Dims are the logical sizes of one decode batch.
type Dims struct {
	Batch     int `json:"batch"`      // B
	Beams     int `json:"beams"`      // W
	MaxLength int `json:"max_length"` // Lmax
	Heads     int `json:"heads"`      // N
	HeadSize  int `json:"head_size"`  // H
	Vocab     int `json:"vocab"`      // V
	Chunk     int `json:"chunk"`
}

// BatchBeam returns B*W, the outer dimension most kernels iterate over.
func (d Dims) BatchBeam() int {
	return d.Batch * d.Beams
}

// LogValue logs d as a group keyed like its JSON form.
func (d Dims) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("batch", d.Batch),
		slog.Int("beams", d.Beams),
		slog.Int("max_length", d.MaxLength),
		slog.Int("heads", d.Heads),
		slog.Int("head_size", d.HeadSize),
		slog.Int("vocab", d.Vocab),
		slog.Int("chunk", d.Chunk),
	)
}

// HeadChunks returns H2 = H/Chunk.
func (d Dims) HeadChunks() int {
	if d.Chunk == 0 {
		return 0
	}
	return d.HeadSize / d.Chunk
}

// Validate reports the first invalid size, wrapped with ErrShape or ErrChunk.
func (d Dims) Validate() error {
	sizes := []struct {
		name string
		v    int
	}{
		{"batch", d.Batch},
		{"beams", d.Beams},
		{"max length", d.MaxLength},
		{"heads", d.Heads},
		{"head size", d.HeadSize},
		{"vocab", d.Vocab},
	}
	for _, s := range sizes {
		if s.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrShape, s.name, s.v)
		}
	}
	if !SupportedChunk(d.Chunk) {
		return fmt.Errorf("%w: %d (expected 4 or 8)", ErrChunk, d.Chunk)
	}
	if d.HeadSize%d.Chunk != 0 {
		return fmt.Errorf("%w: head size %d is not a multiple of chunk %d", ErrShape, d.HeadSize, d.Chunk)
	}
	return nil
}

// SupportedChunk reports whether c is a chunk width the cache kernels handle.
func SupportedChunk(c int) bool {
	return c == Chunk4 || c == Chunk8
}

// CheckChunk panics with ErrChunk unless c is 4 or 8.
func CheckChunk(c int) {
	if !SupportedChunk(c) {
		panic(fmt.Errorf("%w: %d (expected 4 or 8)", ErrChunk, c))
	}
}

// Shapef panics with a formatted error wrapping ErrShape.
func Shapef(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...)))
}

// CheckLen panics with ErrShape when a buffer holds fewer than want elements.
func CheckLen(name string, have, want int) {
	if have < want {
		Shapef("%s holds %d elements, shape needs %d", name, have, want)
	}
}

// Overlaps reports whether the memory behind a and b intersects.
func Overlaps[T any](a, b []T) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	var zero T
	size := unsafe.Sizeof(zero)
	a0 := uintptr(unsafe.Pointer(unsafe.SliceData(a)))
	b0 := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	a1 := a0 + uintptr(len(a))*size
	b1 := b0 + uintptr(len(b))*size
	return a0 < b1 && b0 < a1
}
