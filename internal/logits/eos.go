// Package logits post-processes forward-pass scores before the search policy reads them.
package logits

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/dtype"
	"github.com/samcharles93/beamstate/internal/geometry"
)

// ErrEOSIDs reports an empty, duplicated or out-of-vocabulary end-of-sequence id set.
var ErrEOSIDs = errors.New("invalid eos id set")

const rowsPerBlock = 64

// MergeEOS collapses several end-of-sequence ids into the first one. For every row the
// largest score among eosIDs is written to eosIDs[0] and every other eos slot becomes
// -Inf so the policy can only ever pick the canonical id.
//
// eosIDs must be non-empty, free of duplicates and inside the vocabulary.
func MergeEOS[T dtype.Float](s *device.Stream, logits geometry.Logits[T], eosIDs []int32) error {
	logits.Check("logits")
	ids := checkEOSIDs(eosIDs, logits.Vocab)

	rows, vocab := logits.Rows, logits.Vocab
	data := logits.Data
	negInf := T(math.Inf(-1))
	return s.Launch("merge_eos", device.D1(device.Ceil(rows, rowsPerBlock)), device.D1(rowsPerBlock), func(t device.Thread) {
		r := t.GlobalX()
		if r >= rows {
			return
		}
		row := data[r*vocab : (r+1)*vocab]
		best := negInf
		for _, id := range ids {
			if row[id] > best {
				best = row[id]
			}
			row[id] = negInf
		}
		row[ids[0]] = best
	})
}

// checkEOSIDs validates the id set and returns a private copy for the kernel.
func checkEOSIDs(eosIDs []int32, vocab int) []int32 {
	if len(eosIDs) == 0 {
		panic(fmt.Errorf("%w: empty", ErrEOSIDs))
	}
	seen := make(map[int32]struct{}, len(eosIDs))
	for _, id := range eosIDs {
		if id < 0 || int(id) >= vocab {
			panic(fmt.Errorf("%w: id %d outside vocabulary of %d", ErrEOSIDs, id, vocab))
		}
		if _, dup := seen[id]; dup {
			panic(fmt.Errorf("%w: duplicate id %d", ErrEOSIDs, id))
		}
		seen[id] = struct{}{}
	}
	return append([]int32(nil), eosIDs...)
}
