// Package stepstate maintains per-step position counters and attention masks.
package stepstate

import (
	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/dtype"
)

const blockSize = 256

// AdvancePositions increments every position by one. It must be enqueued exactly once
// per decode step; entries are independent so every one is its own work-item.
func AdvancePositions[T dtype.Index](s *device.Stream, positions []T) error {
	n := len(positions)
	return s.Launch("advance_positions", device.D1(device.Ceil(n, blockSize)), device.D1(blockSize), func(t device.Thread) {
		i := t.GlobalX()
		if i >= n {
			return
		}
		positions[i]++
	})
}
