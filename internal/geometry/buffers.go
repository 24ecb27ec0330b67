package geometry

import "fmt"

// Mask is an attention mask of shape [Rows, Width] stored row-major.
type Mask[T any] struct {
	Rows  int
	Width int
	Data  []T
}

// NewMask wraps data as a [rows, width] mask.
func NewMask[T any](rows, width int, data []T) Mask[T] {
	m := Mask[T]{Rows: rows, Width: width, Data: data}
	m.Check("mask")
	return m
}

func (m Mask[T]) Len() int {
	return m.Rows * m.Width
}

// Check panics with ErrShape if the shape is negative or Data is too short for it.
func (m Mask[T]) Check(name string) {
	if m.Rows < 0 || m.Width < 0 {
		Shapef("%s shape [%d, %d]", name, m.Rows, m.Width)
	}
	CheckLen(name, len(m.Data), m.Len())
}

func (m Mask[T]) Offset(i, j int) int {
	return i*m.Width + j
}

// Row returns row i.
func (m Mask[T]) Row(i int) []T {
	return m.Data[i*m.Width : (i+1)*m.Width]
}

// Layout selects the physical order of a past-state cache.
type Layout uint8

const (
	// LayoutTimeMajor is [B, N, Lmax, H2, chunk], the append-friendly write layout.
	LayoutTimeMajor Layout = iota
	// LayoutChunkMajor is [B, N, H2, Lmax, chunk], the read layout.
	LayoutChunkMajor
)

func (l Layout) String() string {
	switch l {
	case LayoutTimeMajor:
		return "time-major"
	case LayoutChunkMajor:
		return "chunk-major"
	default:
		return fmt.Sprintf("layout(%d)", uint8(l))
	}
}

// Cache is one key or value past-state cache, logical shape [B, N, Lmax, H].
type Cache[T any] struct {
	Batch      int
	Heads      int
	MaxLength  int
	HeadChunks int
	Chunk      int
	Layout     Layout
	Data       []T
}

// NewCache wraps data as a cache sized by d in the given layout.
func NewCache[T any](d Dims, layout Layout, data []T) Cache[T] {
	CheckChunk(d.Chunk)
	if d.HeadSize%d.Chunk != 0 {
		Shapef("head size %d is not a multiple of chunk %d", d.HeadSize, d.Chunk)
	}
	c := Cache[T]{
		Batch:      d.Batch,
		Heads:      d.Heads,
		MaxLength:  d.MaxLength,
		HeadChunks: d.HeadChunks(),
		Chunk:      d.Chunk,
		Layout:     layout,
		Data:       data,
	}
	c.Check("cache")
	return c
}

// Check panics with ErrChunk for an unsupported chunk width and with ErrShape for a
// negative extent, an unknown layout or a short Data.
func (c Cache[T]) Check(name string) {
	CheckChunk(c.Chunk)
	if c.Batch < 0 || c.Heads < 0 || c.MaxLength < 0 || c.HeadChunks < 0 {
		Shapef("%s shape [%d, %d, %d, %d, %d]", name, c.Batch, c.Heads, c.MaxLength, c.HeadChunks, c.Chunk)
	}
	if c.Layout != LayoutTimeMajor && c.Layout != LayoutChunkMajor {
		Shapef("%s has unknown %v", name, c.Layout)
	}
	CheckLen(name, len(c.Data), c.Len())
}

// Len is the number of scalars the shape covers.
func (c Cache[T]) Len() int {
	return c.Batch * c.Heads * c.MaxLength * c.HeadChunks * c.Chunk
}

// HeadSize is H = H2*chunk.
func (c Cache[T]) HeadSize() int {
	return c.HeadChunks * c.Chunk
}

// Offset returns the flat index of the first scalar of chunk h2 at (b, n, t).
func (c Cache[T]) Offset(b, n, t, h2 int) int {
	bn := b*c.Heads + n
	if c.Layout == LayoutChunkMajor {
		return ((bn*c.HeadChunks+h2)*c.MaxLength + t) * c.Chunk
	}
	return ((bn*c.MaxLength+t)*c.HeadChunks + h2) * c.Chunk
}

// At returns the flat index of scalar h of the head vector at (b, n, t).
func (c Cache[T]) At(b, n, t, h int) int {
	return c.Offset(b, n, t, h/c.Chunk) + h%c.Chunk
}

// SameShape reports whether c and o describe the same logical cache.
func (c Cache[T]) SameShape(o Cache[T]) bool {
	return c.Batch == o.Batch && c.Heads == o.Heads && c.MaxLength == o.MaxLength &&
		c.HeadChunks == o.HeadChunks && c.Chunk == o.Chunk
}

// Indirection is the beam lineage table, shape [B, W, Lmax].
type Indirection[T any] struct {
	Batch     int
	Beams     int
	MaxLength int
	Data      []T
}

// NewIndirection wraps data as a [B, W, Lmax] table.
func NewIndirection[T any](d Dims, data []T) Indirection[T] {
	tbl := Indirection[T]{Batch: d.Batch, Beams: d.Beams, MaxLength: d.MaxLength, Data: data}
	tbl.Check("indirection")
	return tbl
}

func (x Indirection[T]) Len() int {
	return x.Batch * x.Beams * x.MaxLength
}

func (x Indirection[T]) Check(name string) {
	if x.Batch < 0 || x.Beams < 0 || x.MaxLength < 0 {
		Shapef("%s shape [%d, %d, %d]", name, x.Batch, x.Beams, x.MaxLength)
	}
	CheckLen(name, len(x.Data), x.Len())
}

func (x Indirection[T]) Offset(b, w, t int) int {
	return (b*x.Beams+w)*x.MaxLength + t
}

// BeamIDs records, per (batch, beam), which previous beam a live beam continues.
type BeamIDs[T any] struct {
	Batch int
	Beams int
	Data  []T
}

func NewBeamIDs[T any](d Dims, data []T) BeamIDs[T] {
	ids := BeamIDs[T]{Batch: d.Batch, Beams: d.Beams, Data: data}
	ids.Check("beam ids")
	return ids
}

func (x BeamIDs[T]) Len() int {
	return x.Batch * x.Beams
}

func (x BeamIDs[T]) Check(name string) {
	if x.Batch < 0 || x.Beams < 0 {
		Shapef("%s shape [%d, %d]", name, x.Batch, x.Beams)
	}
	CheckLen(name, len(x.Data), x.Len())
}

func (x BeamIDs[T]) Offset(b, w int) int {
	return b*x.Beams + w
}

// Logits holds one score per vocabulary entry per sequence-beam, shape [Rows, Vocab].
type Logits[T any] struct {
	Rows  int
	Vocab int
	Data  []T
}

func NewLogits[T any](rows, vocab int, data []T) Logits[T] {
	l := Logits[T]{Rows: rows, Vocab: vocab, Data: data}
	l.Check("logits")
	return l
}

func (l Logits[T]) Len() int {
	return l.Rows * l.Vocab
}

// Check panics with ErrShape for a negative row count, an empty vocabulary or a short Data.
func (l Logits[T]) Check(name string) {
	if l.Rows < 0 || l.Vocab <= 0 {
		Shapef("%s shape [%d, %d]", name, l.Rows, l.Vocab)
	}
	CheckLen(name, len(l.Data), l.Len())
}

// Row returns the scores of sequence-beam i.
func (l Logits[T]) Row(i int) []T {
	return l.Data[i*l.Vocab : (i+1)*l.Vocab]
}
