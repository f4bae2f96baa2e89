// Package worker runs background tasks on a fixed goroutine pool with
// a bounded queue. The pool provides backpressure: when the queue is
// full, Submit fails instead of spawning goroutines or blocking the
// hot path.
package worker

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/seckill/internal/metrics"
	"github.com/adred-codev/seckill/internal/types"
)

// Task is a unit of background work.
type Task func()

// Pool manages a fixed set of worker goroutines.
//
// Sizing: workers default to 4 × GOMAXPROCS, which covers I/O-bound
// tasks (source writes, alerts, event fanout) without unbounded
// goroutine growth. The queue absorbs bursts; a full queue rejects
// instead of dropping silently so callers can surface Saturated.
type Pool struct {
	workers int
	queue   chan Task
	logger  zerolog.Logger
	wg      sync.WaitGroup

	// intakeMu serialises Submit's send against Shutdown's close so
	// an in-flight Submit can never hit a closed queue.
	intakeMu  sync.RWMutex
	started   atomic.Bool
	stopped   atomic.Bool
	rejected  atomic.Int64
	completed atomic.Int64
}

// New builds a pool. workers <= 0 selects the 4 × GOMAXPROCS default;
// queueSize <= 0 gives each worker 100 slots.
func New(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0) * 4
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}
	return &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
		logger:  logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Safe to call once.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info().
		Int("workers", p.workers).
		Int("queue_capacity", cap(p.queue)).
		Msg("worker pool started")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(task)
		case <-ctx.Done():
			return
		}
	}
}

// run executes one task. A panicking task is logged with its stack and
// the worker keeps serving.
func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("task panic recovered")
		}
	}()
	task()
	p.completed.Add(1)
}

// Submit enqueues a task. A full queue returns a Saturated error so
// the caller can shed load explicitly.
func (p *Pool) Submit(task func()) error {
	p.intakeMu.RLock()
	defer p.intakeMu.RUnlock()
	if p.stopped.Load() {
		return types.NewError(types.CodeSaturated, "worker pool is shut down")
	}
	select {
	case p.queue <- task:
		metrics.UpdateWorkerQueueDepth(len(p.queue))
		return nil
	default:
		p.rejected.Add(1)
		metrics.RecordWorkerSaturated()
		return types.NewError(types.CodeSaturated, "worker queue full")
	}
}

// Shutdown stops intake and drains queued tasks until the context
// expires. Returns the context error when the drain was cut short.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	// Waits out any Submit that passed the stopped check before the
	// flag flipped; later ones bail at the check.
	p.intakeMu.Lock()
	close(p.queue)
	p.intakeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().
			Int64("completed", p.completed.Load()).
			Int64("rejected", p.rejected.Load()).
			Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn().Int("pending", len(p.queue)).Msg("worker pool drain cut short")
		return ctx.Err()
	}
}

// QueueDepth returns the number of queued tasks.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// QueueCapacity returns the queue buffer size.
func (p *Pool) QueueCapacity() int { return cap(p.queue) }

// Rejected returns how many submissions were refused on a full queue.
func (p *Pool) Rejected() int64 { return p.rejected.Load() }

// Completed returns how many tasks finished.
func (p *Pool) Completed() int64 { return p.completed.Load() }
