package step

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/dtype"
	"github.com/samcharles93/beamstate/internal/geometry"
	"github.com/samcharles93/beamstate/internal/kvcache"
	"github.com/samcharles93/beamstate/internal/logger"
	"github.com/samcharles93/beamstate/internal/logits"
	"github.com/samcharles93/beamstate/internal/stepstate"
)

var (
	// ErrPrecondition wraps a shape or index violation raised by a kernel launch.
	ErrPrecondition = errors.New("step precondition violated")
	// ErrMaxLength is returned when the sequence has no column left for another token.
	ErrMaxLength = errors.New("sequence reached max length")
)

// Forward is the model's forward pass. It fills st.Logits and writes the newest time
// step (st.Length-1) into the time-major caches, enqueuing its work on s.
type Forward[I dtype.Index, F dtype.Float, C any] interface {
	Forward(ctx context.Context, s *device.Stream, st *State[I, F, C]) error
}

// Selection is what the search policy decides after reading the logits.
type Selection struct {
	Done bool
}

// Policy is the search policy. It reads st.Logits on the host and writes st.BeamIDs.
type Policy[I dtype.Index, F dtype.Float, C any] interface {
	Select(ctx context.Context, st *State[I, F, C]) (Selection, error)
}

// Runner drives one generation's state through decode steps.
type Runner[I dtype.Index, F dtype.Float, C any] struct {
	stream  *device.Stream
	state   *State[I, F, C]
	forward Forward[I, F, C]
	policy  Policy[I, F, C]
	log     logger.Logger

	cur     int
	started bool
	steps   int
}

// NewRunner validates st and zeroes the live indirection table.
func NewRunner[I dtype.Index, F dtype.Float, C any](s *device.Stream, st *State[I, F, C], fwd Forward[I, F, C], pol Policy[I, F, C], log logger.Logger) (*Runner[I, F, C], error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	r := &Runner[I, F, C]{
		stream:  s,
		state:   st,
		forward: fwd,
		policy:  pol,
		log:     log.With("stream", s.Name()),
	}
	if err := kvcache.InitIndirection(s, st.Indirection[0]); err != nil {
		return nil, err
	}
	types := st.ElemTypes()
	r.log.Debug("runner ready", "dims", st.Dims, "index", types.Index, "logits", types.Logits, "cache", types.Cache,
		"layers", len(st.Layers), "grow_mask", st.MaskSpare != nil)
	return r, nil
}

// Indirection returns the lineage table written by the latest step.
func (r *Runner[I, F, C]) Indirection() geometry.Indirection[I] {
	return r.state.Indirection[r.cur]
}

// Steps returns the number of completed steps.
func (r *Runner[I, F, C]) Steps() int {
	return r.steps
}

// Step runs one decode step: positions, mask, forward pass, eos merge, policy,
// indirection and cache reorder, in that order on the runner's stream. The first call
// is the prefill and leaves positions and mask as the caller initialised them.
func (r *Runner[I, F, C]) Step(ctx context.Context) (done bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if recErr, ok := rec.(error); ok {
				err = fmt.Errorf("%w: %w", ErrPrecondition, recErr)
				return
			}
			err = fmt.Errorf("%w: %v", ErrPrecondition, rec)
		}
	}()

	st := r.state
	s := r.stream
	if r.started {
		if st.Length >= st.Dims.MaxLength {
			return true, fmt.Errorf("%w: %d", ErrMaxLength, st.Length)
		}
		if err := stepstate.AdvancePositions(s, st.Positions); err != nil {
			return false, err
		}
		if err := r.extendMask(); err != nil {
			return false, err
		}
		st.Length++
	}
	r.started = true

	if err := r.forward.Forward(ctx, s, st); err != nil {
		return false, fmt.Errorf("forward: %w", err)
	}
	if len(st.EOS) > 1 {
		if err := logits.MergeEOS(s, st.Logits, st.EOS); err != nil {
			return false, err
		}
	}
	// The policy reads logits on the host.
	if err := s.Synchronize(ctx); err != nil {
		return false, err
	}
	sel, err := r.policy.Select(ctx, st)
	if err != nil {
		return false, fmt.Errorf("policy: %w", err)
	}

	next := 1 - r.cur
	if err := kvcache.UpdateIndirection(s, st.Indirection[next], st.Indirection[r.cur], st.BeamIDs, st.InputLength, st.Length); err != nil {
		return false, err
	}
	for _, l := range st.Layers {
		if err := kvcache.Reorder(s, l.KeyRead, l.Key); err != nil {
			return false, err
		}
		if err := kvcache.Reorder(s, l.ValueRead, l.Value); err != nil {
			return false, err
		}
	}
	if err := s.Synchronize(ctx); err != nil {
		return false, err
	}
	r.cur = next
	r.steps++
	r.log.Debug("step done", "step", r.steps, "length", st.Length, "done", sel.Done)
	return sel.Done, nil
}

func (r *Runner[I, F, C]) extendMask() error {
	st := r.state
	if st.MaskSpare == nil {
		return stepstate.ExtendMask(r.stream, st.Mask, geometry.Mask[I]{}, st.Length, true)
	}
	if err := stepstate.ExtendMask(r.stream, *st.MaskSpare, st.Mask, st.Length+1, false); err != nil {
		return err
	}
	old := st.Mask
	st.Mask = *st.MaskSpare
	*st.MaskSpare = old
	return nil
}
