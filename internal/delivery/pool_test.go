package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Bounds(t *testing.T) {
	l := NewLimiter(2)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, 0, l.Available())
	assert.Equal(t, 2, l.Size())

	l.Release()
	assert.Equal(t, 1, l.Available())
	assert.Equal(t, 1, NewLimiter(0).Size())
}

func TestLimiter_AcquireUntilStop(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- l.AcquireUntil(context.Background(), stop) }()

	close(stop)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("AcquireUntil did not return after stop closed")
	}
	assert.Equal(t, 0, l.Available(), "a stopped wait takes no slot")
}

func TestLimiter_AcquireUntilContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.AcquireUntil(ctx, make(chan struct{})), context.Canceled)
}

func TestScheduler_StopReturnsWhileSlotsBusy(t *testing.T) {
	s := newHarness(t, 1).engine.Scheduler

	// Every slot is held by an in-flight dispatch that never finishes here.
	require.NoError(t, s.limiter.Acquire(context.Background()))
	defer s.limiter.Release()

	s.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked while the limiter was full")
	}
}
