package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_ExclusivePerKey(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Do("user_list", func() error {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			}))
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_ParallelAcrossKeys(t *testing.T) {
	s := New[string]()
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.Do("a", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() { done <- s.Do("b", func() error { return nil }) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("key b blocked by key a")
	}
	close(release)
}

func TestScheduler_ReturnsError(t *testing.T) {
	s := New[int]()
	defer s.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, s.Do(1, func() error { return boom }), boom)
}

func TestScheduler_ContextCancelledWhileWaiting(t *testing.T) {
	s := New[string]()
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Do("k", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := s.DoContext(ctx, "k", func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	close(release)
}

func TestScheduler_Closed(t *testing.T) {
	s := New[string]()
	s.Close()
	require.ErrorIs(t, s.Do("k", func() error { return nil }), ErrSchedulerClosed)
}
