package queue

import (
	"context"
	"sync"
	"time"
)

// Waker lets an idle worker sleep until new work of its task type may be available. A wake
// up is only a hint: the store stays the source of truth and callers always re-poll it.
type Waker interface {
	// Wait blocks until a notification for taskType arrives, the timeout elapses or ctx is
	// done. It reports whether a notification was received.
	Wait(ctx context.Context, taskType int, timeout time.Duration) (bool, error)

	// Notify wakes one waiter of taskType, or the next one to wait if none is waiting
	Notify(ctx context.Context, taskType int) error

	Close() error
}

// ChannelWaker is a Waker for workers and producers that share one process
type ChannelWaker struct {
	mu       sync.Mutex
	channels map[int]chan struct{}
}

func NewChannelWaker() *ChannelWaker {
	return &ChannelWaker{channels: map[int]chan struct{}{}}
}

func (w *ChannelWaker) channel(taskType int) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, ok := w.channels[taskType]
	if !ok {
		ch = make(chan struct{}, 1)
		w.channels[taskType] = ch
	}
	return ch
}

func (w *ChannelWaker) Wait(ctx context.Context, taskType int, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	case <-w.channel(taskType):
		return true, nil
	}
}

func (w *ChannelWaker) Notify(_ context.Context, taskType int) error {
	select {
	case w.channel(taskType) <- struct{}{}:
	default:
		// a wake up is already pending
	}
	return nil
}

func (w *ChannelWaker) Close() error {
	return nil
}
