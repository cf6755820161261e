// Package notify wakes idle workers as soon as a job is enqueued, instead of
// letting them sleep until their next poll.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/taxbracket/backend/internal/domain"
)

// Local broadcasts wake-ups to every waiter of a queue in the same process.
type Local struct {
	mu sync.Mutex
	ch map[domain.QueueName]chan struct{}
}

// NewLocal creates an in-process notifier.
func NewLocal() *Local {
	return &Local{ch: make(map[domain.QueueName]chan struct{})}
}

func (l *Local) channel(queue domain.QueueName) chan struct{} {
	ch, ok := l.ch[queue]
	if !ok {
		ch = make(chan struct{})
		l.ch[queue] = ch
	}
	return ch
}

// Notify wakes every current waiter of queue.
func (l *Local) Notify(ctx context.Context, queue domain.QueueName) error {
	l.mu.Lock()
	if ch, ok := l.ch[queue]; ok {
		close(ch)
		delete(l.ch, queue)
	}
	l.mu.Unlock()
	return nil
}

// Wait blocks until the next Notify for queue, timeout or ctx cancellation.
func (l *Local) Wait(ctx context.Context, queue domain.QueueName, timeout time.Duration) bool {
	l.mu.Lock()
	ch := l.channel(queue)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
