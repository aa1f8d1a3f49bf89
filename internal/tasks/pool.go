// Package tasks runs background work: a bounded pool for sync triggers and
// a periodic runner for housekeeping jobs.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rolegate.org/internal/obs"
)

// ErrQueueFull signals the pool's backlog is saturated; the caller decides
// whether to drop or surface the trigger.
var ErrQueueFull = errors.New("tasks: queue full")

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool executes tasks on a fixed number of workers with a bounded backlog.
type Pool struct {
	queue chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines draining a queue of the given depth.
func NewPool(workers, depth int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Task, depth),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			p.run(task)
		}
	}
}

// run isolates one task so a panic kills the task, not the worker.
func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			obs.LogEvent(map[string]any{
				"event": "task_panic",
				"panic": fmt.Sprint(r),
			})
		}
	}()
	task(p.ctx)
}

// Submit enqueues a task without blocking. Returns ErrQueueFull when the
// backlog is saturated.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.ctx.Done():
		return errors.New("tasks: pool stopped")
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels in-flight tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Periodic runs fn on a fixed interval until the context is cancelled.
// Errors are logged and do not stop the loop.
func Periodic(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				obs.LogEvent(map[string]any{
					"event": "periodic_job_failed",
					"job":   name,
					"error": err.Error(),
				})
			}
		}
	}
}
