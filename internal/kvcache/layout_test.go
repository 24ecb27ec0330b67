package kvcache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"

	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/geometry"
)

func newStream(t *testing.T) *device.Stream {
	t.Helper()
	p := device.NewPool(4)
	s := device.NewStream(t.Name(), p, nil)
	t.Cleanup(func() {
		_ = s.Close()
		p.Close()
	})
	return s
}

func synchronize(t *testing.T, s *device.Stream) {
	t.Helper()
	if err := s.Synchronize(context.Background()); err != nil {
		t.Fatalf("synchronize: %v", err)
	}
}

func expectPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		rec := recover()
		err, ok := rec.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("expected panic wrapping %v, got %v", target, rec)
		}
	}()
	fn()
}

func cacheDims(maxLen, headChunks, chunk int) geometry.Dims {
	return geometry.Dims{Batch: 2, Beams: 1, Heads: 3, MaxLength: maxLen, HeadSize: headChunks * chunk, Vocab: 1, Chunk: chunk}
}

func TestReorderMatchesLogicalIndex(t *testing.T) {
	s := newStream(t)
	d := cacheDims(19, 3, 4)
	size := d.Batch * d.Heads * d.MaxLength * d.HeadSize
	src := geometry.NewCache(d, geometry.LayoutTimeMajor, make([]float32, size))
	for i := range src.Data {
		src.Data[i] = float32(i)
	}
	dst := geometry.NewCache(d, geometry.LayoutChunkMajor, make([]float32, size))
	if err := Reorder(s, dst, src); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	synchronize(t, s)
	for b := range d.Batch {
		for n := range d.Heads {
			for step := range d.MaxLength {
				for h := range d.HeadSize {
					got := dst.Data[dst.At(b, n, step, h)]
					want := src.Data[src.At(b, n, step, h)]
					if got != want {
						t.Fatalf("b=%d n=%d t=%d h=%d: got %v want %v", b, n, step, h, got, want)
					}
				}
			}
		}
	}
}

func TestReorderRoundTrip(t *testing.T) {
	s := newStream(t)
	for _, chunk := range []int{geometry.Chunk4, geometry.Chunk8} {
		// Lengths on and off the tile boundary, head chunk counts below and above one tile.
		for _, maxLen := range []int{1, 5, TileSteps, TileSteps + 1, 3 * TileSteps} {
			for _, headChunks := range []int{1, 2, TileChunks, TileChunks + 3} {
				t.Run(fmt.Sprintf("c%d_L%d_H%d", chunk, maxLen, headChunks), func(t *testing.T) {
					d := cacheDims(maxLen, headChunks, chunk)
					size := d.Batch * d.Heads * d.MaxLength * d.HeadSize
					orig := make([]float16.Float16, size)
					for i := range orig {
						orig[i] = float16.Fromfloat32(float32(i%2048) - 1024)
					}
					src := geometry.NewCache(d, geometry.LayoutTimeMajor, append([]float16.Float16(nil), orig...))
					mid := geometry.NewCache(d, geometry.LayoutChunkMajor, make([]float16.Float16, size))
					back := geometry.NewCache(d, geometry.LayoutTimeMajor, make([]float16.Float16, size))

					if err := Reorder(s, mid, src); err != nil {
						t.Fatalf("reorder: %v", err)
					}
					if err := Restore(s, back, mid); err != nil {
						t.Fatalf("restore: %v", err)
					}
					synchronize(t, s)
					if diff := cmp.Diff(orig, back.Data); diff != "" {
						t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
					}
					if maxLen > 1 && headChunks > 1 && cmp.Equal(orig, mid.Data) {
						t.Fatalf("reordered cache should differ from source layout")
					}
				})
			}
		}
	}
}

func TestReorderLeavesPaddingUntouched(t *testing.T) {
	s := newStream(t)
	d := cacheDims(TileSteps+3, 2, 8)
	size := d.Batch * d.Heads * d.MaxLength * d.HeadSize
	src := geometry.NewCache(d, geometry.LayoutTimeMajor, make([]int32, size))
	buf := make([]int32, size+16)
	for i := range buf {
		buf[i] = -7
	}
	dst := geometry.NewCache(d, geometry.LayoutChunkMajor, buf)
	if err := Reorder(s, dst, src); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	synchronize(t, s)
	for i := range size {
		if buf[i] != 0 {
			t.Fatalf("buf[%d]=%d want 0", i, buf[i])
		}
	}
	for i := size; i < len(buf); i++ {
		if buf[i] != -7 {
			t.Fatalf("write past the cache at %d", i)
		}
	}
}

func TestReorderPreconditions(t *testing.T) {
	s := newStream(t)
	d := cacheDims(4, 2, 4)
	size := d.Batch * d.Heads * d.MaxLength * d.HeadSize
	tm := geometry.NewCache(d, geometry.LayoutTimeMajor, make([]float32, size))
	cm := geometry.NewCache(d, geometry.LayoutChunkMajor, make([]float32, size))

	bad := tm
	bad.Chunk = 6
	expectPanic(t, geometry.ErrChunk, func() { _ = Reorder(s, cm, bad) })

	expectPanic(t, geometry.ErrShape, func() { _ = Reorder(s, tm, tm) })
	expectPanic(t, geometry.ErrShape, func() { _ = Restore(s, tm, tm) })

	inPlace := cm
	inPlace.Data = tm.Data
	expectPanic(t, geometry.ErrShape, func() { _ = Reorder(s, inPlace, tm) })

	other := geometry.NewCache(cacheDims(5, 2, 4), geometry.LayoutChunkMajor, make([]float32, 2*3*5*8))
	expectPanic(t, geometry.ErrShape, func() { _ = Reorder(s, other, tm) })
}
