/******************************************************************************
 *
 *  Description :
 *    A very basic and naive implementation of thread pool. Used for calls
 *    to slow external services so their number stays bounded.
 *
 *****************************************************************************/

package concurrency

import (
	"context"
	"sync"
)

// Task represents a work task to be run on the specified thread pool.
type Task func()

// GoRoutinePool runs tasks on a bounded number of goroutines.
type GoRoutinePool struct {
	// Work queue.
	work chan Task
	// Counter to control the number of already allocated/running goroutines.
	sem chan struct{}
	// Exit knob.
	stop     chan struct{}
	stopOnce sync.Once
}

// NewGoRoutinePool allocates a new thread pool with `numWorkers` goroutines.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		stop: make(chan struct{}),
	}
}

// Schedule enqueues a closure to run on the GoRoutinePool's goroutines.
// It blocks until a worker is available.
func (p *GoRoutinePool) Schedule(task Task) {
	select {
	case p.work <- task:
	case p.sem <- struct{}{}:
		go p.worker(task)
	}
}

// ScheduleContext is like Schedule but gives up when ctx is done before a worker
// becomes available. Returns ctx.Err() in such case. The task is not run.
func (p *GoRoutinePool) ScheduleContext(ctx context.Context, task Task) error {
	select {
	case <-p.stop:
		return ErrPoolStopped
	default:
	}

	select {
	case p.work <- task:
		return nil
	case p.sem <- struct{}{}:
		go p.worker(task)
		return nil
	case <-p.stop:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tells all running goroutines to exit once their current task is done.
// Safe to call more than once.
func (p *GoRoutinePool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Thread pool worker goroutine.
func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.stop:
			return
		}
	}
}

type poolErr string

func (e poolErr) Error() string { return string(e) }

// ErrPoolStopped is returned when a task is scheduled on a stopped pool.
const ErrPoolStopped = poolErr("concurrency: pool stopped")
