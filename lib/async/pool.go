// Package async provides the bounded worker pool consumer runtimes dispatch
// handlers on.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/observability"
)

// Task is a unit of work executed by a pool worker.
type Task func(context.Context) error

// Pool is a fixed-width worker pool with a bounded queue. Submit blocks while
// the queue is saturated, which is the backpressure signal: a consumer cannot
// pull events faster than its handlers drain them.
type Pool struct {
	jobs chan job

	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{jobs: make(chan job, queue)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules fn, blocking while the queue is saturated. It returns an
// error when the pool is closed or ctx is cancelled before the task is queued.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}

	p.wg.Add(1)
	select {
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	}
}

// Close stops accepting new tasks. Queued tasks still run; workers exit once
// the queue drains.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown closes the pool and waits for queued and in-flight tasks to
// complete or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-finished:
		return nil
	}
}

func (p *Pool) worker() {
	for jb := range p.jobs {
		p.run(jb)
	}
}

func (p *Pool) run(jb job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("pool task panicked",
				observability.Field{Key: "panic", Value: fmt.Sprintf("%v", r)})
		}
	}()
	if err := jb.fn(jb.ctx); err != nil {
		observability.Log().Debug("pool task failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
}
