// Package dispatch serializes every call to the blob backend through one FIFO
// queue. Exactly one task runs at a time process-wide; each task is retried with
// exponential backoff and followed by a fixed pacing delay so the backend's rate
// limit is respected no matter how many requests arrive at the service boundary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/telefile/telefile/internal/blob"
)

// Task is one unit of backend work. It receives the queue's context, not the
// caller's: once queued a task always runs.
type Task func(ctx context.Context) (any, error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration)

// Config controls retry and pacing behaviour.
type Config struct {
	MaxAttempts    int            // attempts per task including the first (default 3)
	InitialBackoff time.Duration  // wait before the first retry (default 1s)
	MaxBackoff     time.Duration  // cap on computed backoff (default 4s)
	Multiplier     float64        // backoff growth factor (default 2)
	InterTaskDelay time.Duration  // pause after every task (default 350ms)
	Sleep          SleepFunc      // injectable for tests (default: timer)
	Logger         zerolog.Logger // optional
	Metrics        *Metrics       // optional
}

// DefaultConfig returns the production queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
		Multiplier:     2,
		InterTaskDelay: 350 * time.Millisecond,
	}
}

// job represents a queued task and its future.
type job struct {
	seq        uint64
	op         string
	task       Task
	future     *Future
	enqueuedAt time.Time
}

// Queue is the process-wide dispatch queue. Construct it once with New and pass
// it to every component that talks to the backend.
type Queue struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []*job
	closed  bool
	seq     uint64

	signal chan struct{}
	done   chan struct{}
	busy   atomic.Bool
}

// New creates the queue and starts its worker.
func New(cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.InterTaskDelay < 0 {
		cfg.InterTaskDelay = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "dispatch").Logger(),
		ctx:    ctx,
		cancel: cancel,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends a task and returns its future. It never blocks.
func (q *Queue) Enqueue(op string, task Task) *Future {
	f := newFuture()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.resolve(nil, ErrClosed)
		return f
	}
	q.seq++
	q.pending = append(q.pending, &job{
		seq:        q.seq,
		op:         op,
		task:       task,
		future:     f,
		enqueuedAt: time.Now(),
	})
	depth := len(q.pending)
	q.mu.Unlock()

	q.cfg.Metrics.setDepth(depth)

	// Non-blocking signal to wake up the worker
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return f
}

// Do enqueues fn and waits for its typed result.
func Do[T any](ctx context.Context, q *Queue, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := q.Enqueue(op, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}).Wait(ctx)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("dispatch %s: unexpected result type %T", op, v)
	}
	return typed, nil
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a task is executing right now.
func (q *Queue) Busy() bool {
	return q.busy.Load()
}

// Close stops accepting tasks and waits for the backlog to drain. If ctx expires
// first, the in-flight task's context is cancelled and the remaining tasks
// resolve with ErrClosed without running.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return fmt.Errorf("drain dispatch queue: %w", ctx.Err())
	}
}

// run is the worker goroutine. It pops one job at a time.
func (q *Queue) run() {
	defer close(q.done)

	for {
		j := q.next()
		if j == nil {
			return
		}

		if q.ctx.Err() != nil {
			j.future.resolve(nil, ErrClosed)
			continue
		}

		q.execute(j)
		q.cfg.Sleep(q.ctx, q.cfg.InterTaskDelay)
	}
}

// next blocks until a job is available. It returns nil once the queue is closed
// and empty.
func (q *Queue) next() *job {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			j := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			depth := len(q.pending)
			q.mu.Unlock()
			q.cfg.Metrics.setDepth(depth)
			return j
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil
		}
		<-q.signal
	}
}

// execute runs a job to success or exhaustion and resolves its future.
func (q *Queue) execute(j *job) {
	q.busy.Store(true)
	q.cfg.Metrics.setInFlight(true)
	defer func() {
		q.busy.Store(false)
		q.cfg.Metrics.setInFlight(false)
	}()

	start := time.Now()
	wait := start.Sub(j.enqueuedAt)

	var lastErr error
	attempts := 0
	for attempts < q.cfg.MaxAttempts {
		if attempts > 0 {
			delay := q.backoff(attempts, lastErr)
			q.logger.Warn().
				Uint64("task", j.seq).
				Str("op", j.op).
				Int("attempt", attempts+1).
				Dur("wait", delay).
				Err(lastErr).
				Msg("retrying backend task")
			q.cfg.Sleep(q.ctx, delay)
		}
		if err := q.ctx.Err(); err != nil {
			lastErr = errors.Join(ErrClosed, lastErr)
			break
		}

		attempts++
		q.cfg.Metrics.recordAttempt(j.op, attempts > 1)

		v, err := q.call(j)
		if err == nil {
			q.cfg.Metrics.recordTask(j.op, true, wait.Seconds(), time.Since(start).Seconds())
			j.future.resolve(v, nil)
			return
		}
		lastErr = err
		if isPermanent(err) {
			break
		}
	}

	q.logger.Error().
		Uint64("task", j.seq).
		Str("op", j.op).
		Int("attempts", attempts).
		Err(lastErr).
		Msg("backend task failed")
	q.cfg.Metrics.recordTask(j.op, false, wait.Seconds(), time.Since(start).Seconds())
	j.future.resolve(nil, &ExhaustedError{Op: j.op, Attempts: attempts, Err: lastErr})
}

// call invokes the task, converting a panic into an error so the worker survives.
func (q *Queue) call(j *job) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("task panicked: %v", r))
		}
	}()
	return j.task(q.ctx)
}

// backoff returns the wait before retry number n (1-based). A server-requested
// retry-after longer than the computed backoff wins.
func (q *Queue) backoff(n int, lastErr error) time.Duration {
	d := time.Duration(float64(q.cfg.InitialBackoff) * math.Pow(q.cfg.Multiplier, float64(n-1)))
	if d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}

	var be *blob.BackendError
	if errors.As(lastErr, &be) && be.RetryAfter > d {
		d = be.RetryAfter
	}
	return d
}

func isPermanent(err error) bool {
	var pe *permanentError
	switch {
	case errors.As(err, &pe):
		return true
	case errors.Is(err, blob.ErrNotFound),
		errors.Is(err, blob.ErrDeleteRefused),
		errors.Is(err, blob.ErrEmptyBlob),
		errors.Is(err, blob.ErrTooLarge),
		errors.Is(err, blob.ErrSealCorrupt):
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
