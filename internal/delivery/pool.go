package delivery

import (
	"context"
	"errors"
)

// ErrStopped is returned by AcquireUntil when stop closes first.
var ErrStopped = errors.New("delivery: limiter wait stopped")

// Limiter bounds the number of postbacks in flight across the dispatcher and
// the retry scheduler.
type Limiter struct {
	slots chan struct{}
}

func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

func (l *Limiter) Acquire(ctx context.Context) error {
	return l.AcquireUntil(ctx, nil)
}

// AcquireUntil waits for a slot until ctx is done or stop is closed. A nil
// stop never fires.
func (l *Limiter) AcquireUntil(ctx context.Context, stop <-chan struct{}) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrStopped
	}
}

func (l *Limiter) Release() {
	<-l.slots
}

// Available is a snapshot of free slots.
func (l *Limiter) Available() int {
	return cap(l.slots) - len(l.slots)
}

func (l *Limiter) Size() int {
	return cap(l.slots)
}
