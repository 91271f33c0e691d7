// Package queue implements the engine's priority task queue: five priority
// levels, bounded workers, per-task timeout and retry with exponential
// backoff, and cooperative cancellation on shutdown.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Priority orders task execution. Lower value runs first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background

	numPriorities = 5
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Background:
		return "background"
	}
	return "unknown"
}

// ErrQueueFull is returned when the pending limit is reached and the
// submission cannot displace lower-priority work.
var ErrQueueFull = errors.New("queue: pending limit reached")

// ErrClosed is returned for submissions after shutdown began.
var ErrClosed = errors.New("queue: closed")

// Task is one unit of background work. Run must honor ctx cancellation at
// its yield points.
type Task struct {
	ID         string
	Name       string
	Priority   Priority
	Timeout    time.Duration
	MaxRetries int
	Run        func(ctx context.Context) error

	attempt int
}

// Stats is a snapshot of queue health for /metrics.
type Stats struct {
	Pending   [numPriorities]int
	Running   int
	Succeeded uint64
	Failed    uint64
	Retried   uint64
	Shed      uint64
	TimedOut  uint64
}

// Queue is the bounded-worker priority queue.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending [numPriorities][]*Task

	workers    int
	maxPending int
	closed     bool
	draining   bool

	running   int
	succeeded uint64
	failed    uint64
	retried   uint64
	shed      uint64
	timedOut  uint64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// New creates a queue with the given worker count (0 means NumCPU) and a
// pending cap of 1000 tasks.
func New(workers int, logger zerolog.Logger) *Queue {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		workers:    workers,
		maxPending: 1000,
		baseCtx:    ctx,
		cancel:     cancel,
		logger:     logger.With().Str("component", "queue").Logger(),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		// With four or more workers, worker 0 only runs low/background so
		// foreground load can never starve them.
		reserved := i == 0 && workers >= 4
		go q.worker(reserved)
	}
	return q
}

// Submit enqueues a task. Low/background submissions are shed when the queue
// is full; critical submissions briefly block for space; everything else
// displaces pending low-priority work if it can.
func (q *Queue) Submit(t Task) error {
	if t.Run == nil {
		return errors.New("queue: task has no Run func")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if q.totalPendingLocked() >= q.maxPending {
		switch {
		case t.Priority >= Low:
			q.shed++
			return ErrQueueFull
		case t.Priority == Critical:
			if !q.waitForSpaceLocked(2 * time.Second) {
				q.shed++
				return ErrQueueFull
			}
		default:
			if !q.shedOneLocked() {
				q.shed++
				return ErrQueueFull
			}
		}
	}

	q.pending[t.Priority] = append(q.pending[t.Priority], &t)
	q.cond.Broadcast()
	return nil
}

// waitForSpaceLocked blocks the submitter until a slot frees or the deadline
// passes. Used only for critical tasks.
func (q *Queue) waitForSpaceLocked(limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for q.totalPendingLocked() >= q.maxPending && !q.closed {
		if time.Now().After(deadline) {
			return false
		}
		q.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		q.mu.Lock()
	}
	return !q.closed
}

// shedOneLocked drops the newest background or low pending task to make room.
func (q *Queue) shedOneLocked() bool {
	for _, p := range []Priority{Background, Low} {
		if n := len(q.pending[p]); n > 0 {
			q.pending[p] = q.pending[p][:n-1]
			q.shed++
			return true
		}
	}
	return false
}

func (q *Queue) totalPendingLocked() int {
	total := 0
	for i := range q.pending {
		total += len(q.pending[i])
	}
	return total
}

func (q *Queue) worker(reservedForLow bool) {
	defer q.wg.Done()
	for {
		t := q.next(reservedForLow)
		if t == nil {
			return
		}
		q.execute(t)
	}
}

// next pops the highest-priority eligible task, blocking until one exists or
// the queue shuts down.
func (q *Queue) next(reservedForLow bool) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		lowest := Priority(0)
		if reservedForLow {
			lowest = Low
		}
		for p := lowest; p < numPriorities; p++ {
			if q.draining && p > High {
				continue
			}
			if len(q.pending[p]) > 0 {
				t := q.pending[p][0]
				q.pending[p] = q.pending[p][1:]
				q.running++
				return t
			}
		}
		if q.closed {
			return nil
		}
		q.cond.Wait()
	}
}

func (q *Queue) execute(t *Task) {
	ctx := q.baseCtx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("task panicked")
				q.logger.Error().Str("task", t.Name).Interface("panic", r).Msg("recovered task panic")
			}
		}()
		return t.Run(ctx)
	}()
	if cancel != nil {
		cancel()
	}

	q.mu.Lock()
	q.running--
	switch {
	case err == nil:
		q.succeeded++
		q.mu.Unlock()
	case errors.Is(err, context.DeadlineExceeded) || isTransient(err):
		q.timedOutOrTransient(err)
		if t.attempt < t.MaxRetries && !q.closed {
			t.attempt++
			q.retried++
			q.mu.Unlock()
			q.requeueAfter(t, backoffFor(t.attempt))
			return
		}
		q.failed++
		q.mu.Unlock()
		q.logger.Warn().Str("task", t.Name).Int("attempts", t.attempt+1).Err(err).Msg("task failed after retries")
	default:
		q.failed++
		q.mu.Unlock()
		q.logger.Warn().Str("task", t.Name).Err(err).Msg("task failed")
	}
	q.cond.Broadcast()
}

func (q *Queue) timedOutOrTransient(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		q.timedOut++
	}
}

// requeueAfter re-enqueues at the same priority once the backoff elapses.
func (q *Queue) requeueAfter(t *Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed {
			return
		}
		q.pending[t.Priority] = append(q.pending[t.Priority], t)
		q.cond.Broadcast()
	})
}

// backoffFor returns a jittered exponential delay for the given attempt.
func backoffFor(attempt int) time.Duration {
	base := time.Second
	for i := 1; i < attempt; i++ {
		base *= 2
	}
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	return base + jitter
}

// Transient marks an error as retryable by the queue.
type transientError struct{ err error }

func (e transientError) Error() string { return "transient: " + e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient wraps err so the queue retries the task.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func isTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Running:   q.running,
		Succeeded: q.succeeded,
		Failed:    q.failed,
		Retried:   q.retried,
		Shed:      q.shed,
		TimedOut:  q.timedOut,
	}
	for i := range q.pending {
		s.Pending[i] = len(q.pending[i])
	}
	return s
}

// Shutdown stops intake, discards pending low/normal/background work, and
// waits up to grace for critical and high tasks to drain before cancelling
// everything still running.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.draining = true
	q.pending[Normal] = nil
	q.pending[Low] = nil
	q.pending[Background] = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		idle := q.running == 0 && len(q.pending[Critical]) == 0 && len(q.pending[High]) == 0
		q.mu.Unlock()
		if idle {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
