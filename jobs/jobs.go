// Package jobs runs document operations on a fixed set of worker goroutines.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/wudi/pdfops/observability"
)

// ErrClosed is reported for tasks submitted after Close.
var ErrClosed = errors.New("jobs: pool closed")

// Task is one unit of work. It is not interrupted once started; ctx is
// passed through for the operations it calls.
type Task func(ctx context.Context) error

// Outcome is delivered once per submitted task.
type Outcome struct {
	Name    string
	Err     error
	Elapsed time.Duration
}

type job struct {
	ctx  context.Context
	name string
	task Task
	out  chan Outcome
}

type Pool struct {
	queue  chan job
	logger observability.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines. A non-positive count uses GOMAXPROCS.
func NewPool(workers int, logger observability.Logger) *Pool {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	p := &Pool{queue: make(chan job), logger: logger}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

// Submit queues task and returns a channel that receives its outcome. The
// channel is buffered, so the outcome is never lost if nobody reads it.
// Submit blocks while every worker is busy, unless ctx ends first.
func (p *Pool) Submit(ctx context.Context, name string, task Task) <-chan Outcome {
	out := make(chan Outcome, 1)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		out <- Outcome{Name: name, Err: ErrClosed}
		return out
	}
	select {
	case p.queue <- job{ctx: ctx, name: name, task: task, out: out}:
	case <-ctx.Done():
		out <- Outcome{Name: name, Err: ctx.Err()}
	}
	return out
}

// Close waits for queued tasks to finish and stops the workers. It is safe
// to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.queue {
		j.out <- p.run(j)
	}
}

func (p *Pool) run(j job) (o Outcome) {
	o.Name = j.name
	if err := j.ctx.Err(); err != nil {
		o.Err = err
		return o
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("jobs: task %s panicked: %v", j.name, r)
		}
		o.Elapsed = time.Since(start)
		if o.Err != nil {
			p.logger.Debug("job failed", observability.String("job", j.name), observability.Error("error", o.Err))
			return
		}
		p.logger.Debug("job done", observability.String("job", j.name), observability.Duration("elapsed", o.Elapsed))
	}()
	o.Err = j.task(j.ctx)
	return o
}
