package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// CapacityError is returned when the pool runs the reject overflow policy
// and the queue is full. It is recorded as a sample-level failure, never
// fatal to the test.
type CapacityError struct {
	Category string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("dispatch: worker pool %q at capacity", e.Category)
}

type task struct {
	fn   func()
	done chan struct{}
}

// Pool is a fixed set of execution goroutines pulling work from a bounded
// queue. It caps real outbound concurrency no matter how many virtual
// users are active.
type Pool struct {
	category string
	queue    chan task
	workers  int
	reject   bool
	wg       sync.WaitGroup
}

func NewPool(category string, workers, queueSize int, reject bool) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	return &Pool{
		category: category,
		queue:    make(chan task, queueSize),
		workers:  workers,
		reject:   reject,
	}
}

// Start launches the workers. They exit when ctx is canceled; queued
// tasks left behind at that point are abandoned.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-p.queue:
					t.fn()
					close(t.done)
				}
			}
		}()
	}
}

// Do runs fn on a pool worker and waits for it to finish. Under the queue
// policy a full queue blocks the caller (backpressure on the virtual
// user); under the reject policy it returns a CapacityError instead.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	if p.reject {
		select {
		case p.queue <- t:
		default:
			return &CapacityError{Category: p.category}
		}
	} else {
		select {
		case p.queue <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Once queued the task normally runs to completion; fn is bounded by
	// the request timeout so this wait is bounded too. If the run is being
	// torn down the workers may abandon the queue, so don't wait forever.
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }
