package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samcharles93/beamstate/internal/logger"
)

var (
	// ErrStreamClosed is returned for launches on a stream that has been closed.
	ErrStreamClosed = errors.New("stream closed")
	// ErrKernelFault wraps a failure raised by a work-item while a kernel ran.
	// Once a stream faults, every later launch and synchronization reports the same fault.
	ErrKernelFault = errors.New("kernel fault")
)

const defaultQueueDepth = 64

// Kernel is the body of one work-item.
type Kernel func(t Thread)

// Phase is one barrier-delimited step of a grouped kernel. Every work-item of a block
// finishes a phase before any work-item of the same block starts the next one.
type Phase[T any] func(t Thread, shared []T)

// KernelStats accumulates the executions of one named kernel on a stream.
type KernelStats struct {
	Launches int           `json:"launches"`
	Total    time.Duration `json:"total_ns"`
}

type launch struct {
	name   string
	grid   Dim3
	block  Dim3
	exec   func(p *Pool) error
	marker chan struct{}
}

// Stream is an ordered execution queue. Launches run one after another in submission
// order; the work-items of a single launch run concurrently on the pool.
type Stream struct {
	name  string
	pool  *Pool
	log   logger.Logger
	queue chan *launch

	// sendMu guards closed and the queue channel against concurrent Close.
	sendMu sync.RWMutex
	closed bool

	mu    sync.Mutex
	fault error
	stats map[string]KernelStats

	stopped chan struct{}
}

// NewStream starts a stream on pool. A nil pool selects DefaultPool and a nil log
// discards diagnostics.
func NewStream(name string, pool *Pool, log logger.Logger) *Stream {
	if pool == nil {
		pool = DefaultPool()
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &Stream{
		name:    name,
		pool:    pool,
		log:     log.With("stream", name),
		queue:   make(chan *launch, defaultQueueDepth),
		stats:   make(map[string]KernelStats),
		stopped: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Name returns the stream's label.
func (s *Stream) Name() string {
	return s.name
}

// Launch enqueues a parallel-for over grid×block work-items.
func (s *Stream) Launch(name string, grid, block Dim3, k Kernel) error {
	if k == nil {
		panic("device: nil kernel")
	}
	checkLaunchShape(name, grid, block)
	blockSize := block.Size()
	return s.enqueue(&launch{
		name:  name,
		grid:  grid,
		block: block,
		exec: func(p *Pool) error {
			return p.run(grid.Size(), func(lo, hi int) {
				for bi := lo; bi < hi; bi++ {
					t := Thread{Block: grid.at(bi), BlockDim: block, GridDim: grid}
					for ti := 0; ti < blockSize; ti++ {
						t.Idx = block.at(ti)
						k(t)
					}
				}
			})
		},
	})
}

// LaunchShared enqueues a grouped kernel. Each block receives a scratch slice of sharedLen
// elements that persists across its phases; a barrier separates consecutive phases.
// Scratch contents are unspecified when a block starts.
func LaunchShared[T any](s *Stream, name string, grid, block Dim3, sharedLen int, phases ...Phase[T]) error {
	if len(phases) == 0 {
		panic("device: grouped kernel without phases")
	}
	if sharedLen < 0 {
		panic(fmt.Errorf("device: %s: negative scratch length %d", name, sharedLen))
	}
	checkLaunchShape(name, grid, block)
	blockSize := block.Size()
	return s.enqueue(&launch{
		name:  name,
		grid:  grid,
		block: block,
		exec: func(p *Pool) error {
			return p.run(grid.Size(), func(lo, hi int) {
				shared := make([]T, sharedLen)
				for bi := lo; bi < hi; bi++ {
					t := Thread{Block: grid.at(bi), BlockDim: block, GridDim: grid}
					for _, phase := range phases {
						for ti := 0; ti < blockSize; ti++ {
							t.Idx = block.at(ti)
							phase(t, shared)
						}
					}
				}
			})
		},
	})
}

func checkLaunchShape(name string, grid, block Dim3) {
	if !grid.valid() || !block.valid() {
		panic(fmt.Errorf("device: %s: invalid launch shape grid=%v block=%v", name, grid, block))
	}
}

// Synchronize blocks until every launch submitted before it has finished, then reports
// the stream's fault, if any. It returns ctx.Err() if ctx ends first; the queued work
// keeps running.
func (s *Stream) Synchronize(ctx context.Context) error {
	marker := make(chan struct{})
	if err := s.enqueue(&launch{name: "sync", marker: marker}); err != nil {
		if errors.Is(err, ErrStreamClosed) {
			<-s.stopped
			return s.Err()
		}
		return err
	}
	select {
	case <-marker:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the sticky fault, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Stats returns a copy of the per-kernel execution counters.
func (s *Stream) Stats() map[string]KernelStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]KernelStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

// Close drains queued launches and stops the stream. It returns the sticky fault.
func (s *Stream) Close() error {
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.sendMu.Unlock()
	<-s.stopped
	return s.Err()
}

func (s *Stream) enqueue(l *launch) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrStreamClosed, s.name)
	}
	if err := s.Err(); err != nil {
		return err
	}
	s.queue <- l
	return nil
}

func (s *Stream) loop() {
	defer close(s.stopped)
	for l := range s.queue {
		if l.marker != nil {
			close(l.marker)
			continue
		}
		if s.Err() != nil {
			// A faulted stream drops everything queued behind the fault.
			continue
		}

		start := time.Now()
		err := l.exec(s.pool)
		elapsed := time.Since(start)

		s.mu.Lock()
		st := s.stats[l.name]
		st.Launches++
		st.Total += elapsed
		s.stats[l.name] = st
		if err != nil {
			s.fault = fmt.Errorf("%w: %s: %w", ErrKernelFault, l.name, err)
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Error("kernel fault", "kernel", l.name, "grid", l.grid.String(), "block", l.block.String(), "error", err)
			continue
		}
		s.log.Debug("kernel done", "kernel", l.name, "grid", l.grid.String(), "block", l.block.String(), "elapsed", elapsed)
	}
}
