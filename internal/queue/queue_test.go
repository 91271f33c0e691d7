package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, workers int) *Queue {
	t.Helper()
	q := New(workers, zerolog.Nop())
	t.Cleanup(func() { q.Shutdown(time.Second) })
	return q
}

func TestSubmitRunsTask(t *testing.T) {
	q := newTestQueue(t, 2)

	done := make(chan struct{})
	err := q.Submit(Task{
		Name:     "ping",
		Priority: Normal,
		Run: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestPriorityOrdering(t *testing.T) {
	// Single worker, blocked while we enqueue, so drain order is observable.
	q := newTestQueue(t, 1)

	gate := make(chan struct{})
	require.NoError(t, q.Submit(Task{
		Name:     "gate",
		Priority: Critical,
		Run: func(ctx context.Context) error {
			<-gate
			return nil
		},
	}))
	// Give the worker time to pick up the gate task.
	time.Sleep(50 * time.Millisecond)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, q.Submit(Task{Name: "bg", Priority: Background, Run: record("bg")}))
	require.NoError(t, q.Submit(Task{Name: "norm", Priority: Normal, Run: record("norm")}))
	require.NoError(t, q.Submit(Task{Name: "crit", Priority: Critical, Run: record("crit")}))
	require.NoError(t, q.Submit(Task{Name: "high", Priority: High, Run: record("high")}))
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"crit", "high", "norm", "bg"}, order)
}

func TestRetryOnTransientError(t *testing.T) {
	q := newTestQueue(t, 2)

	var attempts atomic.Int32
	done := make(chan struct{})
	require.NoError(t, q.Submit(Task{
		Name:       "flaky",
		Priority:   Normal,
		MaxRetries: 3,
		Run: func(ctx context.Context) error {
			if attempts.Add(1) < 3 {
				return Transient(errors.New("boom"))
			}
			close(done)
			return nil
		},
	}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task never succeeded after retries")
	}
	assert.EqualValues(t, 3, attempts.Load())
}

func TestNonTransientErrorIsNotRetried(t *testing.T) {
	q := newTestQueue(t, 2)

	var attempts atomic.Int32
	require.NoError(t, q.Submit(Task{
		Name:       "fatal",
		Priority:   Normal,
		MaxRetries: 3,
		Run: func(ctx context.Context) error {
			attempts.Add(1)
			return errors.New("business rule")
		},
	}))

	require.Eventually(t, func() bool {
		return q.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestTaskTimeout(t *testing.T) {
	q := newTestQueue(t, 2)

	require.NoError(t, q.Submit(Task{
		Name:     "slow",
		Priority: Normal,
		Timeout:  50 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	require.Eventually(t, func() bool {
		return q.Stats().TimedOut >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOverflowShedsLowFirst(t *testing.T) {
	q := New(1, zerolog.Nop())
	defer q.Shutdown(time.Second)
	q.maxPending = 3

	gate := make(chan struct{})
	defer close(gate)
	require.NoError(t, q.Submit(Task{Name: "gate", Priority: Critical, Run: func(ctx context.Context) error {
		<-gate
		return nil
	}}))
	time.Sleep(50 * time.Millisecond)

	block := func(ctx context.Context) error { return nil }
	require.NoError(t, q.Submit(Task{Name: "bg1", Priority: Background, Run: block}))
	require.NoError(t, q.Submit(Task{Name: "n1", Priority: Normal, Run: block}))
	require.NoError(t, q.Submit(Task{Name: "n2", Priority: Normal, Run: block}))

	// Queue full: a background submission is shed outright.
	err := q.Submit(Task{Name: "bg2", Priority: Background, Run: block})
	assert.ErrorIs(t, err, ErrQueueFull)

	// A normal submission displaces the pending background task.
	require.NoError(t, q.Submit(Task{Name: "n3", Priority: Normal, Run: block}))
	assert.GreaterOrEqual(t, q.Stats().Shed, uint64(2))
}

func TestShutdownDrainsHighPriority(t *testing.T) {
	q := New(1, zerolog.Nop())

	var ran atomic.Int32
	gate := make(chan struct{})
	require.NoError(t, q.Submit(Task{Name: "gate", Priority: Critical, Run: func(ctx context.Context) error {
		<-gate
		return nil
	}}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, q.Submit(Task{Name: "high", Priority: High, Run: func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}}))
	require.NoError(t, q.Submit(Task{Name: "low", Priority: Low, Run: func(ctx context.Context) error {
		ran.Add(1)
		return nil
	}}))

	// Begin shutdown first so the low task is discarded before the worker
	// frees up, then release the gate.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Shutdown(2 * time.Second)
	}()
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	// High drained, low discarded.
	assert.EqualValues(t, 1, ran.Load())

	err := q.Submit(Task{Name: "late", Priority: Normal, Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrClosed)
}
