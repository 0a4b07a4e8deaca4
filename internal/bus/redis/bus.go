// Package redis implements the update bus on Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/scrape"
)

// Bus publishes job_update events on a Redis channel. Redis pub/sub gives
// exactly the contract the fabric needs: no persistence, best-effort
// delivery to connected subscribers, per-publisher ordering.
type Bus struct {
	client *redis.Client
	topic  string
	logger *zap.Logger
}

// New constructs a Bus over an existing client.
func New(client *redis.Client, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, topic: scrape.TopicJobUpdates, logger: logger}
}

// Publish validates and JSON-encodes the event onto the channel.
func (b *Bus) Publish(ctx context.Context, evt scrape.Event) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.topic, payload).Err(); err != nil {
		return scrape.Transient(fmt.Errorf("publish %s: %w", b.topic, err))
	}
	return nil
}

// Subscribe opens a pub/sub subscription and decodes messages into events.
func (b *Bus) Subscribe(ctx context.Context) (scrape.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.topic)
	// Force the subscribe round-trip so a live subscription is guaranteed
	// before the caller relies on it.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, scrape.Transient(fmt.Errorf("subscribe %s: %w", b.topic, err))
	}
	sub := &subscription{
		pubsub: pubsub,
		ch:     make(chan scrape.Event, 256),
	}
	go sub.pump(b.logger)
	return sub, nil
}

type subscription struct {
	pubsub    *redis.PubSub
	ch        chan scrape.Event
	closeOnce sync.Once
}

func (s *subscription) pump(logger *zap.Logger) {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var evt scrape.Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			logger.Warn("discarding undecodable bus message", zap.Error(err))
			continue
		}
		s.ch <- evt
	}
}

func (s *subscription) Events() <-chan scrape.Event {
	return s.ch
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
