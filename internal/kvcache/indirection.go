package kvcache

import (
	"errors"
	"fmt"

	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/dtype"
	"github.com/samcharles93/beamstate/internal/geometry"
)

// ErrBeamID reports a beam id outside [0, batch*beams).
var ErrBeamID = errors.New("beam id out of range")

const (
	indirStepsPerBlock = 32
	indirBeamsPerBlock = 8
)

// UpdateIndirection writes this step's lineage table tgt from the previous table src and
// the beam ids chosen by the search policy. For every batch b, beam w and time step
// t < currentLength:
//
//	t <  inputSeqLength     tgt[b,w,t] = 0
//	t == currentLength-1    tgt[b,w,t] = w
//	otherwise               tgt[b,w,t] = src[b, beamIDs[b,w] % W, t]
//
// Entries at t >= currentLength are left untouched. tgt and src must be distinct.
func UpdateIndirection[T dtype.Index](s *device.Stream, tgt, src geometry.Indirection[T], beamIDs geometry.BeamIDs[T], inputSeqLength, currentLength int) error {
	tgt.Check("target indirection")
	src.Check("source indirection")
	beamIDs.Check("beam ids")
	if tgt.Batch != src.Batch || tgt.Beams != src.Beams || tgt.MaxLength != src.MaxLength {
		geometry.Shapef("indirection tables differ: tgt [%d,%d,%d] src [%d,%d,%d]",
			tgt.Batch, tgt.Beams, tgt.MaxLength, src.Batch, src.Beams, src.MaxLength)
	}
	if beamIDs.Batch != tgt.Batch || beamIDs.Beams != tgt.Beams {
		geometry.Shapef("beam ids [%d,%d] do not match table [%d,%d]", beamIDs.Batch, beamIDs.Beams, tgt.Batch, tgt.Beams)
	}
	if currentLength < 1 || currentLength > tgt.MaxLength {
		geometry.Shapef("current length %d outside [1, %d]", currentLength, tgt.MaxLength)
	}
	if inputSeqLength < 0 || inputSeqLength > currentLength {
		geometry.Shapef("input length %d outside [0, %d]", inputSeqLength, currentLength)
	}
	n := tgt.Len()
	beams := tgt.Beams
	batchBeam := tgt.Batch * beams
	if geometry.Overlaps(tgt.Data[:n], src.Data[:n]) {
		geometry.Shapef("indirection update cannot run in place")
	}

	maxLen := tgt.MaxLength
	out, prev, ids := tgt.Data, src.Data, beamIDs.Data
	grid := device.D2(device.Ceil(currentLength, indirStepsPerBlock), device.Ceil(batchBeam, indirBeamsPerBlock))
	block := device.D2(indirStepsPerBlock, indirBeamsPerBlock)
	return s.Launch("update_indirection", grid, block, func(t device.Thread) {
		step := t.GlobalX()
		bb := t.GlobalY()
		if step >= currentLength || bb >= batchBeam {
			return
		}
		b, w := bb/beams, bb%beams
		off := bb*maxLen + step
		switch {
		case step < inputSeqLength:
			out[off] = 0
		case step == currentLength-1:
			out[off] = T(w)
		default:
			id := ids[bb]
			if id < 0 || int64(id) >= int64(batchBeam) {
				panic(fmt.Errorf("%w: beam_ids[%d,%d]=%d", ErrBeamID, b, w, id))
			}
			srcBeam := int(id) % beams
			out[off] = prev[(b*beams+srcBeam)*maxLen+step]
		}
	})
}

// InitIndirection zeroes a lineage table before the first step.
func InitIndirection[T dtype.Index](s *device.Stream, tbl geometry.Indirection[T]) error {
	tbl.Check("indirection")
	n := tbl.Len()
	data := tbl.Data
	return s.Launch("init_indirection", device.D1(device.Ceil(n, 256)), device.D1(256), func(t device.Thread) {
		if i := t.GlobalX(); i < n {
			data[i] = 0
		}
	})
}
