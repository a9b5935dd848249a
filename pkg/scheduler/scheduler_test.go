package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAsync(t *testing.T, s *Scheduler, ctx context.Context, first Task) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, first) }()
	return errc
}

func waitRun(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestTasksRunInOrder(t *testing.T) {
	s := New()
	var order []int
	err := s.Run(context.Background(), func() {
		for i := 0; i < 5; i++ {
			i := i
			s.Add(func() { order = append(order, i) })
		}
		s.Add(s.Shutdown)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTasksNeverOverlap(t *testing.T) {
	s := New()
	var mu sync.Mutex
	active, maxActive, count := 0, 0, 0

	task := func() {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		count++
		if count == 50 {
			s.Shutdown()
		}
		mu.Unlock()
	}

	errc := runAsync(t, s, context.Background(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(task)
		}()
	}
	wg.Wait()
	waitRun(t, errc)
	assert.Equal(t, 1, maxActive)
	assert.Equal(t, 50, count)
}

func TestDelayedAndCancel(t *testing.T) {
	s := New()
	fired := make([]string, 0)
	err := s.Run(context.Background(), func() {
		cancelled := s.AddDelayed(10*time.Millisecond, func() { fired = append(fired, "cancelled") })
		s.AddDelayed(20*time.Millisecond, func() {
			fired = append(fired, "kept")
			s.Shutdown()
		})
		assert.True(t, s.Cancel(cancelled))
		assert.False(t, s.Cancel(cancelled))
		assert.Equal(t, 1, s.PendingDelayed())
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, fired)
}

func TestZeroDelayRuns(t *testing.T) {
	s := New()
	ran := false
	err := s.Run(context.Background(), func() {
		s.AddDelayed(0, func() {
			ran = true
			s.Shutdown()
		})
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestShutdownRunsHooksAndDropsDelayed(t *testing.T) {
	s := New()
	var order []string
	err := s.Run(context.Background(), func() {
		s.AddShutdown(func() { order = append(order, "first") })
		removed := s.AddShutdown(func() { order = append(order, "removed") })
		s.AddShutdown(func() {
			order = append(order, "second")
			// work queued by shutdown hooks still runs
			s.Add(func() { order = append(order, "cleanup") })
		})
		s.AddDelayed(time.Hour, func() { order = append(order, "never") })
		assert.True(t, s.Cancel(removed))
		s.Shutdown()
		assert.True(t, s.ShuttingDown())
		assert.Equal(t, 0, s.PendingDelayed())
		assert.Equal(t, NoTask, s.AddDelayed(time.Millisecond, func() {}))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "cleanup"}, order)
	assert.Equal(t, NoTask, s.Add(func() {}))
}

func TestContextCancelShutsDown(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	hook := make(chan struct{})
	errc := runAsync(t, s, ctx, func() {
		s.AddShutdown(func() { close(hook) })
	})
	cancel()
	waitRun(t, errc)
	select {
	case <-hook:
	default:
		t.Fatal("shutdown hook did not run")
	}
}

func TestRunTwice(t *testing.T) {
	s := New()
	require.NoError(t, s.Run(context.Background(), s.Shutdown))
	assert.Error(t, s.Run(context.Background(), nil))
}
