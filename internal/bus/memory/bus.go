// Package memory provides an in-process bus for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/newswire/scrapequeue/internal/scrape"
)

const subscriberBuffer = 256

// Bus fans published events out to every live subscription. Delivery is
// best-effort: a subscription whose buffer is full loses the event, and a
// subscriber that connects after a publish never sees it.
type Bus struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// New constructs a Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Publish validates the event and hands it to every subscription.
func (b *Bus) Publish(_ context.Context, evt scrape.Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription.
func (b *Bus) Subscribe(_ context.Context) (scrape.Subscription, error) {
	sub := &subscription{
		bus: b,
		ch:  make(chan scrape.Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type subscription struct {
	bus       *Bus
	ch        chan scrape.Event
	closeOnce sync.Once
}

func (s *subscription) Events() <-chan scrape.Event {
	return s.ch
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}
