package stepstate

import (
	"errors"
	"fmt"

	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/dtype"
	"github.com/samcharles93/beamstate/internal/geometry"
)

// ErrMaskReused reports a fixed-width mask update for a column that is already set,
// which only happens when the same step is applied twice.
var ErrMaskReused = errors.New("mask column already set")

// ExtendMask grows the attention mask for a step at currentLength.
//
// With updateOnly false, mask is a freshly allocated buffer: every row copies its first
// currentLength-1 columns from oldMask and sets column currentLength-1. mask and oldMask
// must not overlap.
//
// With updateOnly true, mask is a fixed-width buffer that is zero past the valid region:
// only column currentLength of every row is set and oldMask is ignored. Calling it twice
// for the same currentLength is undefined by contract; the kernel detects the set column
// and faults the stream with ErrMaskReused.
func ExtendMask[T dtype.Index](s *device.Stream, mask, oldMask geometry.Mask[T], currentLength int, updateOnly bool) error {
	if updateOnly {
		return setMaskColumn(s, mask, currentLength)
	}
	return growMask(s, mask, oldMask, currentLength)
}

func growMask[T dtype.Index](s *device.Stream, mask, old geometry.Mask[T], length int) error {
	mask.Check("mask")
	old.Check("old mask")
	if length < 1 || length > mask.Width {
		geometry.Shapef("current length %d outside mask width %d", length, mask.Width)
	}
	if old.Rows != mask.Rows {
		geometry.Shapef("old mask has %d rows, mask has %d", old.Rows, mask.Rows)
	}
	if old.Width < length-1 {
		geometry.Shapef("old mask width %d cannot supply %d columns", old.Width, length-1)
	}
	if geometry.Overlaps(mask.Data[:mask.Len()], old.Data[:old.Len()]) {
		geometry.Shapef("grow path needs distinct mask buffers")
	}

	rows, width, oldWidth := mask.Rows, mask.Width, old.Width
	total := rows * length
	dst, src := mask.Data, old.Data
	return s.Launch("extend_mask", device.D1(device.Ceil(total, blockSize)), device.D1(blockSize), func(t device.Thread) {
		i := t.GlobalX()
		if i >= total {
			return
		}
		row, col := i/length, i%length
		if col < length-1 {
			dst[row*width+col] = src[row*oldWidth+col]
			return
		}
		dst[row*width+col] = 1
	})
}

func setMaskColumn[T dtype.Index](s *device.Stream, mask geometry.Mask[T], column int) error {
	mask.Check("mask")
	if column < 0 || column >= mask.Width {
		geometry.Shapef("column %d outside mask width %d", column, mask.Width)
	}
	rows, width := mask.Rows, mask.Width
	dst := mask.Data
	return s.Launch("update_mask", device.D1(device.Ceil(rows, blockSize)), device.D1(blockSize), func(t device.Thread) {
		row := t.GlobalX()
		if row >= rows {
			return
		}
		off := row*width + column
		if dst[off] != 0 {
			panic(fmt.Errorf("%w: row %d column %d", ErrMaskReused, row, column))
		}
		dst[off] = 1
	})
}

// UpdateMaskStatic sets column totalLength-1 on every row of a fixed-width mask. It is the
// variant for graphs that read a preallocated [batch*beams, max length] mask whose
// valid prefix length is totalLength.
func UpdateMaskStatic[T dtype.Index](s *device.Stream, mask geometry.Mask[T], totalLength int) error {
	mask.Check("mask")
	if totalLength < 1 || totalLength > mask.Width {
		geometry.Shapef("total length %d outside mask width %d", totalLength, mask.Width)
	}
	rows, width := mask.Rows, mask.Width
	col := totalLength - 1
	dst := mask.Data
	return s.Launch("update_mask_static", device.D1(device.Ceil(rows, blockSize)), device.D1(blockSize), func(t device.Thread) {
		row := t.GlobalX()
		if row >= rows {
			return
		}
		dst[row*width+col] = 1
	})
}
