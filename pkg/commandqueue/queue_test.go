package commandqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_ReturnsTaskResult(t *testing.T) {
	q := New()
	defer q.Close()

	value, err := q.Enqueue("session-1", func(context.Context) (interface{}, error) {
		return "hello", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestQueue_PropagatesTaskError(t *testing.T) {
	q := New()
	defer q.Close()

	boom := errors.New("agent run failed")
	_, err := q.Enqueue("session-1", func(context.Context) (interface{}, error) {
		return nil, boom
	}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestQueue_SerializesWithinLane(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	active, maxActive := 0, 0
	order := []int{}

	task := func(n int) Task {
		return func(context.Context) (interface{}, error) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			order = append(order, n)
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return n, nil
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := q.Enqueue("session-1", task(n), nil)
			assert.NoError(t, err)
		}(i)
		// Stagger the enqueues so arrival order is deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive, "one lane must never run two tasks at once")
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestQueue_IndependentLanesRunConcurrently(t *testing.T) {
	q := New()
	defer q.Close()

	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue("session-a", func(context.Context) (interface{}, error) {
			close(aStarted)
			<-release
			return nil, nil
		}, nil)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := q.Enqueue("session-b", func(context.Context) (interface{}, error) {
			close(bStarted)
			<-release
			return nil, nil
		}, nil)
		assert.NoError(t, err)
	}()

	// Both lanes must be in flight at the same time.
	select {
	case <-aStarted:
	case <-time.After(time.Second):
		t.Fatal("lane a never started")
	}
	select {
	case <-bStarted:
	case <-time.After(time.Second):
		t.Fatal("lane b never started while lane a was running")
	}

	close(release)
	wg.Wait()
}

func TestQueue_EmitsLifecycleEvents(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var events []Event
	record := func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}
	q.On("enqueued", record)
	q.On("completed", record)

	_, err := q.Enqueue("session-1", func(context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "enqueued", events[0].Type)
	assert.Equal(t, "session-1", events[0].Lane)
	assert.NotEmpty(t, events[0].TaskID)
	assert.Equal(t, "completed", events[1].Type)
	assert.Equal(t, true, events[1].Data["success"])
}

func TestQueue_ResetLaneRejectsQueuedTasks(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue("session-1", func(context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
		assert.NoError(t, err)
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		_, err := q.Enqueue("session-1", func(context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		queuedErr <- err
	}()

	require.Eventually(t, func() bool { return q.QueueSize("session-1") == 1 },
		time.Second, 5*time.Millisecond)

	cleared := q.ResetLane("session-1")
	assert.Equal(t, 1, cleared)

	select {
	case err := <-queuedErr:
		assert.ErrorContains(t, err, "lane reset")
	case <-time.After(time.Second):
		t.Fatal("queued task was not rejected by the reset")
	}

	// The running task is left to finish normally.
	close(release)
	wg.Wait()
}

func TestQueue_ResetUnknownLane(t *testing.T) {
	q := New()
	defer q.Close()
	assert.Zero(t, q.ResetLane("nope"))
	assert.Zero(t, q.QueueSize("nope"))
}

func TestQueue_WarnAfterFiresWhileQueued(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Enqueue("session-1", func(context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	waited := make(chan int64, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Enqueue("session-1", func(context.Context) (interface{}, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfterMs: 10,
			OnWait: func(waitMs int64, queuePos int) {
				waited <- waitMs
			},
		})
	}()

	select {
	case waitMs := <-waited:
		assert.GreaterOrEqual(t, waitMs, int64(10))
	case <-time.After(time.Second):
		t.Fatal("wait warning never fired")
	}

	close(release)
	<-done
}

func TestQueue_CloseCancelsRunningTask(t *testing.T) {
	q := New()

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := q.Enqueue("session-1", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		result <- err
	}()
	<-started

	require.NoError(t, q.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("running task did not observe shutdown")
	}
}

func TestQueue_Stats(t *testing.T) {
	q := New()
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Enqueue("session-1", func(context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		}, nil)
	}()
	<-started

	stats := q.Stats()
	require.Contains(t, stats, "session-1")
	assert.Equal(t, 1, stats["session-1"]["running"])
	assert.Equal(t, 0, stats["session-1"]["queued"])

	close(release)
}
