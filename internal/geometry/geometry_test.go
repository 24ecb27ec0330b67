package geometry

import (
	"errors"
	"testing"
)

func testDims() Dims {
	return Dims{Batch: 2, Beams: 3, MaxLength: 5, Heads: 2, HeadSize: 8, Vocab: 11, Chunk: 4}
}

func expectPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatalf("expected panic wrapping %v", target)
		}
		err, ok := rec.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("panic %v does not wrap %v", rec, target)
		}
	}()
	fn()
}

func TestDimsValidate(t *testing.T) {
	d := testDims()
	if err := d.Validate(); err != nil {
		t.Fatalf("valid dims rejected: %v", err)
	}
	if d.BatchBeam() != 6 || d.HeadChunks() != 2 {
		t.Fatalf("derived sizes: bb=%d h2=%d", d.BatchBeam(), d.HeadChunks())
	}

	bad := d
	bad.Chunk = 2
	if err := bad.Validate(); !errors.Is(err, ErrChunk) {
		t.Fatalf("chunk 2: got %v", err)
	}
	bad = d
	bad.HeadSize = 6
	if err := bad.Validate(); !errors.Is(err, ErrShape) {
		t.Fatalf("head size 6: got %v", err)
	}
	bad = d
	bad.Beams = 0
	if err := bad.Validate(); !errors.Is(err, ErrShape) {
		t.Fatalf("zero beams: got %v", err)
	}
}

func TestCacheOffsetsCoverEveryScalarOnce(t *testing.T) {
	d := testDims()
	for _, layout := range []Layout{LayoutTimeMajor, LayoutChunkMajor} {
		c := NewCache(d, layout, make([]float32, d.Batch*d.Heads*d.MaxLength*d.HeadSize))
		seen := make([]bool, c.Len())
		for b := range c.Batch {
			for n := range c.Heads {
				for tt := range c.MaxLength {
					for h := range c.HeadSize() {
						i := c.At(b, n, tt, h)
						if seen[i] {
							t.Fatalf("%v: index %d visited twice", layout, i)
						}
						seen[i] = true
					}
				}
			}
		}
		for i, ok := range seen {
			if !ok {
				t.Fatalf("%v: index %d never visited", layout, i)
			}
		}
	}
}

func TestCacheOffsetLayouts(t *testing.T) {
	d := testDims()
	tm := NewCache(d, LayoutTimeMajor, make([]int32, 160))
	cm := NewCache(d, LayoutChunkMajor, make([]int32, 160))
	// b=1 n=0 t=3 h2=1
	if got, want := tm.Offset(1, 0, 3, 1), ((2*5+3)*2+1)*4; got != want {
		t.Fatalf("time-major offset %d want %d", got, want)
	}
	if got, want := cm.Offset(1, 0, 3, 1), ((2*2+1)*5+3)*4; got != want {
		t.Fatalf("chunk-major offset %d want %d", got, want)
	}
}

func TestNewCacheRejectsBadInput(t *testing.T) {
	d := testDims()
	expectPanic(t, ErrShape, func() { NewCache(d, LayoutTimeMajor, make([]float32, 10)) })
	d.Chunk = 3
	expectPanic(t, ErrChunk, func() { NewCache(d, LayoutTimeMajor, make([]float32, 1000)) })
}

func TestIndirectionAndBeamOffsets(t *testing.T) {
	d := testDims()
	x := NewIndirection(d, make([]int32, 30))
	if got := x.Offset(1, 2, 4); got != (1*3+2)*5+4 {
		t.Fatalf("indirection offset %d", got)
	}
	ids := NewBeamIDs(d, make([]int64, 6))
	if got := ids.Offset(1, 1); got != 4 {
		t.Fatalf("beam offset %d", got)
	}
	expectPanic(t, ErrShape, func() { NewIndirection(d, make([]int32, 29)) })
}

func TestMaskAndLogitsRows(t *testing.T) {
	m := NewMask(2, 3, []int32{0, 1, 2, 3, 4, 5})
	if m.Row(1)[2] != 5 || m.Offset(1, 2) != 5 {
		t.Fatalf("mask row access")
	}
	l := NewLogits(2, 2, []float32{1, 2, 3, 4})
	if l.Row(1)[0] != 3 {
		t.Fatalf("logits row access")
	}
	expectPanic(t, ErrShape, func() { NewLogits(2, 0, []float32{}) })
}

func TestOverlaps(t *testing.T) {
	buf := make([]int32, 10)
	if !Overlaps(buf[:5], buf[4:]) {
		t.Fatalf("expected overlap")
	}
	if Overlaps(buf[:5], buf[5:]) {
		t.Fatalf("adjacent slices do not overlap")
	}
	if Overlaps(buf, make([]int32, 10)) {
		t.Fatalf("distinct buffers do not overlap")
	}
	if Overlaps(buf[:0], buf) {
		t.Fatalf("empty slice never overlaps")
	}
}

func TestDescriptorCheck(t *testing.T) {
	d := testDims()
	cache := NewCache(d, LayoutTimeMajor, make([]float32, 2*2*5*8))
	tests := []struct {
		name string
		fn   func()
		want error
	}{
		{"short mask literal", func() { Mask[int32]{Rows: 2, Width: 8, Data: make([]int32, 4)}.Check("mask") }, ErrShape},
		{"negative mask rows", func() { Mask[int32]{Rows: -1, Width: 2}.Check("mask") }, ErrShape},
		{"short cache", func() {
			c := cache
			c.Data = c.Data[:len(c.Data)-1]
			c.Check("cache")
		}, ErrShape},
		{"unknown layout", func() {
			c := cache
			c.Layout = Layout(7)
			c.Check("cache")
		}, ErrShape},
		{"bad chunk", func() {
			c := cache
			c.Chunk = 2
			c.Check("cache")
		}, ErrChunk},
		{"negative indirection", func() { Indirection[int32]{Batch: 1, Beams: -1, MaxLength: 4}.Check("indirection") }, ErrShape},
		{"short beam ids", func() { BeamIDs[int32]{Batch: 2, Beams: 3, Data: make([]int32, 5)}.Check("beam ids") }, ErrShape},
		{"zero vocab", func() { Logits[float32]{Rows: 1, Vocab: 0}.Check("logits") }, ErrShape},
		{"short logits", func() { Logits[float32]{Rows: 2, Vocab: 3, Data: make([]float32, 5)}.Check("logits") }, ErrShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectPanic(t, tt.want, tt.fn)
		})
	}
}

func TestDescriptorLen(t *testing.T) {
	d := testDims()
	got := []int{
		NewMask(6, 5, make([]int32, 30)).Len(),
		NewIndirection(d, make([]int32, 30)).Len(),
		NewBeamIDs(d, make([]int32, 6)).Len(),
		NewLogits(6, d.Vocab, make([]float32, 66)).Len(),
		NewCache(d, LayoutChunkMajor, make([]float32, 160)).Len(),
	}
	want := []int{30, 30, 6, 66, 160}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("descriptor %d Len %d want %d", i, got[i], want[i])
		}
	}
	// Longer buffers are accepted; only the covered prefix is addressed.
	if n := NewMask(2, 2, make([]int32, 9)).Len(); n != 4 {
		t.Fatalf("mask over a longer buffer Len %d want 4", n)
	}
}
