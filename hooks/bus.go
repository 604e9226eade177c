// Package hooks publishes turn-engine lifecycle events (retry, error, turn
// completion, status change) to registered subscribers in a synchronous
// fan-out, grounded on the teacher's runtime/agent/hooks event bus but
// scoped to the four lifecycle events spec.md's callbacks describe
// (§4.1 status-change, §4.2 onRetry/onError/onTurnComplete, §4.4
// onToolComplete is internal and not published here).
package hooks

import (
	"context"
	"errors"
	"sync"
)

// Bus publishes events to registered subscribers in registration order,
// stopping at the first subscriber error.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Register(sub Subscriber) (Subscription, error)
}

// Subscriber reacts to published events.
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event) error

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// Subscription represents an active registration on a Bus.
type Subscription interface {
	Close() error
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[*subscription]Subscriber
	order       []*subscription
}

type subscription struct {
	bus  *bus
	once sync.Once
}

// NewBus constructs an in-memory event bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish implements Bus.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.order {
		subs = append(subs, b.subscribers[s])
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register implements Bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hooks: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		for i, o := range s.bus.order {
			if o == s {
				s.bus.order = append(s.bus.order[:i], s.bus.order[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}
