package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/telemetry"
)

// Task is a unit of work for the pool: one transition or one reconcile check.
type Task struct {
	// ResourceID is the resource the task acts on, used for logging.
	ResourceID string

	// Kind names the task, e.g. "provision" or "reconcile".
	Kind string

	// Run performs the task. It must re-read persisted state, so that
	// re-running it after a stale transition starts from the current state.
	Run func(ctx context.Context) error

	done chan error
}

// Pool is a fixed set of workers consuming a bounded task queue. It serves
// both State Machine transitions and Reconciler ticks.
type Pool struct {
	workers      int
	queue        chan *Task
	staleRetries int
	backoff      Backoff
	logger       zerolog.Logger

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
}

// NewPool creates a worker pool.
func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 10 // Default to 10 concurrent workers
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	return &Pool{
		workers:      workers,
		queue:        make(chan *Task, queueSize),
		staleRetries: 3,
		backoff:      Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second},
		logger:       logger.With().Str("component", "pool").Logger(),
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-p.queue:
					telemetry.MetricsFromContext(ctx).SetQueueDepth(len(p.queue))
					err := p.run(ctx, t)
					if t.done != nil {
						t.done <- err
					}
				}
			}
		}()
	}
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")
}

// Stop stops the workers and waits for running tasks to return.
func (p *Pool) Stop() {
	if !p.started.Load() || !p.stopped.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

// Depth returns the number of queued tasks.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// TrySubmit queues t without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *Pool) TrySubmit(t Task) bool {
	if p.stopped.Load() {
		return false
	}
	select {
	case p.queue <- &t:
		return true
	default:
		p.logger.Warn().Str("resource_id", t.ResourceID).Str("task", t.Kind).Msg("task queue full, deferring to reconciler")
		return false
	}
}

// Do queues t, blocking until there is room, and waits for its result.
func (p *Pool) Do(ctx context.Context, t Task) error {
	if p.stopped.Load() {
		return fmt.Errorf("worker pool is stopped")
	}
	t.done = make(chan error, 1)
	select {
	case p.queue <- &t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes a task, re-running it from fresh state when it lost a race.
func (p *Pool) run(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Kind, r)
			p.logger.Error().Str("resource_id", t.ResourceID).Str("task", t.Kind).Interface("panic", r).Msg("task panicked")
		}
	}()

	for attempt := 0; ; attempt++ {
		err = t.Run(ctx)
		if err == nil || !IsStaleTransition(err) || attempt >= p.staleRetries {
			break
		}
		p.logger.Debug().Err(err).Str("resource_id", t.ResourceID).Str("task", t.Kind).
			Int("attempt", attempt+1).Msg("stale transition, retrying from current state")
		if werr := p.backoff.Wait(ctx, attempt, err); werr != nil {
			return werr
		}
	}

	if err != nil {
		evt := p.logger.Warn()
		if IsStaleTransition(err) {
			evt = p.logger.Debug()
		}
		evt.Err(err).Str("resource_id", t.ResourceID).Str("task", t.Kind).Msg("task failed")
	}
	return err
}
