package device

import (
	"fmt"
	"runtime"
	"sync"
)

type poolTask struct {
	body   func(lo, hi int)
	lo, hi int
	done   chan error
}

// Pool is a fixed set of worker goroutines that execute ranges of blocks.
// A Pool is shared by any number of streams.
type Pool struct {
	size      int
	tasks     chan poolTask
	doneSlots chan chan error
	running   sync.WaitGroup
	closeOnce sync.Once
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// DefaultPool returns the process-wide pool sized to GOMAXPROCS.
func DefaultPool() *Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = NewPool(runtime.GOMAXPROCS(0))
	})
	return defaultPool
}

// NewPool starts workers goroutines. Values below one start a single worker.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		size:      workers,
		tasks:     make(chan poolTask, workers*2),
		doneSlots: make(chan chan error, workers),
	}
	for i := 0; i < workers; i++ {
		p.doneSlots <- make(chan error, workers)
	}
	p.running.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.running.Done()
			for task := range p.tasks {
				task.done <- runRange(task.body, task.lo, task.hi)
			}
		}()
	}
	return p
}

// Size is the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Close stops the workers once queued work has drained and waits for them to exit.
// The pool must not be used afterwards.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.running.Wait()
}

// run splits [0, n) into contiguous ranges, one per worker, and waits for all of them.
// A panic in body is recovered and returned; the remaining ranges still complete.
func (p *Pool) run(n int, body func(lo, hi int)) error {
	if n <= 0 {
		return nil
	}
	workers := min(p.size, n)
	if workers <= 1 {
		return runRange(body, 0, n)
	}

	chunk := (n + workers - 1) / workers
	done := <-p.doneSlots
	defer func() { p.doneSlots <- done }()

	active := 0
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		active++
		p.tasks <- poolTask{body: body, lo: lo, hi: hi, done: done}
	}

	var first error
	for i := 0; i < active; i++ {
		if err := <-done; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func runRange(body func(lo, hi int), lo, hi int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if recErr, ok := rec.(error); ok {
				err = recErr
				return
			}
			err = fmt.Errorf("%v", rec)
		}
	}()
	body(lo, hi)
	return nil
}
