// Package notify persists and delivers one-shot notifications. Domain events
// and new-message signals flow through a Queue so that a slow or unavailable
// notification path never blocks the send path feeding it.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"reelsync/internal/models"
)

// Event is the wire representation of a pending notification travelling
// through the queue.
type Event struct {
	Recipient  models.ActorRef         `json:"recipient"`
	Type       models.NotificationType `json:"type"`
	Message    string                  `json:"message"`
	RelatedID  string                  `json:"relatedId,omitempty"`
	OccurredAt time.Time               `json:"occurredAt"`
}

// Queue fan-outs notification events to interested subscribers. Kept minimal
// so the in-memory implementation and the Redis Streams implementation stay
// interchangeable.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue for tests and
// single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking. Consumers are expected to
			// drain promptly; the notification remains best-effort.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
