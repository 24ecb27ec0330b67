// Package step sequences the decode-step kernels onto one stream in their fixed order.
// It owns no policy: the forward pass and the beam choice are supplied by the caller.
package step

import (
	"fmt"

	"github.com/samcharles93/beamstate/internal/dtype"
	"github.com/samcharles93/beamstate/internal/geometry"
)

// LayerCache is the key and value cache of one attention layer in both layouts. Its
// batch dimension counts sequence-beams. The forward pass appends to Key and Value;
// readers consume KeyRead and ValueRead.
type LayerCache[C any] struct {
	Key, Value         geometry.Cache[C]
	KeyRead, ValueRead geometry.Cache[C]
}

// State is the caller-owned generation state. I is the index element type, F the logit
// type and C the cache element type.
type State[I dtype.Index, F dtype.Float, C any] struct {
	Dims        geometry.Dims
	InputLength int // prompt tokens
	Length      int // tokens in the sequence, prompt included

	Positions []I
	Mask      geometry.Mask[I]
	// MaskSpare selects the grow path: when set, each step copies Mask into MaskSpare
	// and the two are swapped. Otherwise Mask is updated in place.
	MaskSpare *geometry.Mask[I]

	Logits      geometry.Logits[F]
	EOS         []int32
	BeamIDs     geometry.BeamIDs[I]
	Indirection [2]geometry.Indirection[I]
	Layers      []LayerCache[C]
}

// ElemTypes names the element types a State is instantiated with.
type ElemTypes struct {
	Index  dtype.DType `json:"index"`
	Logits dtype.DType `json:"logits"`
	Cache  dtype.DType `json:"cache"`
}

func (st *State[I, F, C]) ElemTypes() ElemTypes {
	return ElemTypes{Index: dtype.Of[I](), Logits: dtype.Of[F](), Cache: dtype.Of[C]()}
}

// Validate checks that every buffer matches Dims.
func (st *State[I, F, C]) Validate() error {
	d := st.Dims
	if err := d.Validate(); err != nil {
		return err
	}
	bb := d.BatchBeam()
	if st.InputLength < 1 || st.InputLength > d.MaxLength {
		return fmt.Errorf("%w: input length %d outside [1, %d]", geometry.ErrShape, st.InputLength, d.MaxLength)
	}
	if st.Length < st.InputLength || st.Length > d.MaxLength {
		return fmt.Errorf("%w: length %d outside [%d, %d]", geometry.ErrShape, st.Length, st.InputLength, d.MaxLength)
	}
	if len(st.Positions) != bb {
		return fmt.Errorf("%w: %d positions for %d sequence-beams", geometry.ErrShape, len(st.Positions), bb)
	}
	if st.Mask.Rows != bb || st.Mask.Width != d.MaxLength {
		return fmt.Errorf("%w: mask [%d,%d], want [%d,%d]", geometry.ErrShape, st.Mask.Rows, st.Mask.Width, bb, d.MaxLength)
	}
	if sp := st.MaskSpare; sp != nil && (sp.Rows != bb || sp.Width != d.MaxLength) {
		return fmt.Errorf("%w: spare mask [%d,%d], want [%d,%d]", geometry.ErrShape, sp.Rows, sp.Width, bb, d.MaxLength)
	}
	if st.Logits.Rows != bb || st.Logits.Vocab != d.Vocab {
		return fmt.Errorf("%w: logits [%d,%d], want [%d,%d]", geometry.ErrShape, st.Logits.Rows, st.Logits.Vocab, bb, d.Vocab)
	}
	if st.BeamIDs.Batch != d.Batch || st.BeamIDs.Beams != d.Beams {
		return fmt.Errorf("%w: beam ids [%d,%d]", geometry.ErrShape, st.BeamIDs.Batch, st.BeamIDs.Beams)
	}
	for i, tbl := range st.Indirection {
		if tbl.Batch != d.Batch || tbl.Beams != d.Beams || tbl.MaxLength != d.MaxLength {
			return fmt.Errorf("%w: indirection table %d [%d,%d,%d]", geometry.ErrShape, i, tbl.Batch, tbl.Beams, tbl.MaxLength)
		}
	}
	for i, l := range st.Layers {
		for _, c := range []geometry.Cache[C]{l.Key, l.Value, l.KeyRead, l.ValueRead} {
			if c.Batch != bb || c.Heads != d.Heads || c.MaxLength != d.MaxLength ||
				c.HeadChunks != d.HeadChunks() || c.Chunk != d.Chunk {
				return fmt.Errorf("%w: layer %d cache does not match dims", geometry.ErrShape, i)
			}
		}
	}
	return nil
}
