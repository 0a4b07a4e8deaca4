// Package broadcast bridges the update bus to per-connection subscribers.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/metrics"
	"github.com/newswire/scrapequeue/internal/scrape"
)

const (
	defaultSubscriberBuffer = 64
	dropLogInterval         = 5 * time.Second
)

// Subscriber is one registered event sink with a bounded buffer. A slow
// consumer loses its oldest buffered events rather than stalling dispatch;
// it reconciles through a status request.
type Subscriber struct {
	id    uint64
	jobID string
	ch    chan scrape.Event
}

// Events returns the subscriber's delivery channel. It is closed on
// Unsubscribe and when the broadcaster shuts down.
func (s *Subscriber) Events() <-chan scrape.Event {
	return s.ch
}

// Broadcaster holds one bus subscription per process and fans events out to
// all-jobs and per-job subscribers.
type Broadcaster struct {
	bus    scrape.Bus
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	all    map[uint64]*Subscriber
	perJob map[string]map[uint64]*Subscriber
	closed bool

	nextID      atomic.Uint64
	dropped     atomic.Int64
	dropLimiter rateLimiter
}

// New constructs a Broadcaster. bufferSize <= 0 selects the default.
func New(bus scrape.Bus, bufferSize int, logger *zap.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		bus:         bus,
		buffer:      bufferSize,
		logger:      logger,
		all:         make(map[uint64]*Subscriber),
		perJob:      make(map[string]map[uint64]*Subscriber),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
}

// SubscribeAll registers a sink for every job's events.
func (b *Broadcaster) SubscribeAll() *Subscriber {
	sub := b.newSubscriber("")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all[sub.id] = sub
	return sub
}

// SubscribeJob registers a sink scoped to one job.
func (b *Broadcaster) SubscribeJob(jobID string) *Subscriber {
	sub := b.newSubscriber(jobID)
	b.mu.Lock()
	defer b.mu.Unlock()
	sinks, ok := b.perJob[jobID]
	if !ok {
		sinks = make(map[uint64]*Subscriber)
		b.perJob[jobID] = sinks
	}
	sinks[sub.id] = sub
	return sub
}

// Unsubscribe removes the sink and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.jobID == "" {
		if _, ok := b.all[sub.id]; !ok {
			return
		}
		delete(b.all, sub.id)
	} else {
		sinks, ok := b.perJob[sub.jobID]
		if !ok {
			return
		}
		if _, ok := sinks[sub.id]; !ok {
			return
		}
		delete(sinks, sub.id)
		if len(sinks) == 0 {
			delete(b.perJob, sub.jobID)
		}
	}
	close(sub.ch)
}

// Run consumes the bus subscription until the context finishes. All
// subscriber channels are closed on exit.
func (b *Broadcaster) Run(ctx context.Context) error {
	sub, err := b.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe bus: %w", err)
	}
	defer func() {
		if closeErr := sub.Close(); closeErr != nil {
			b.logger.Warn("close bus subscription failed", zap.Error(closeErr))
		}
		b.closeAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			b.dispatch(evt)
		}
	}
}

// dispatch holds the registry lock across delivery so Unsubscribe can
// never close a channel mid-send; deliver never blocks, so the span is
// short.
func (b *Broadcaster) dispatch(evt scrape.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.all {
		b.deliver(sub, evt)
	}
	for _, sub := range b.perJob[evt.JobID] {
		b.deliver(sub, evt)
	}
}

// deliver never blocks: on a full buffer the oldest event is evicted to
// make room for the newest.
func (b *Broadcaster) deliver(sub *Subscriber, evt scrape.Event) {
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		select {
		case <-sub.ch:
			b.noteDrop()
		default:
		}
	}
}

func (b *Broadcaster) noteDrop() {
	metrics.ObserveDroppedEvent()
	b.dropped.Add(1)
	if b.dropLimiter.Allow(time.Now()) {
		count := b.dropped.Swap(0)
		b.logger.Warn("subscriber events dropped due to backpressure", zap.Int64("dropped", count))
	}
}

func (b *Broadcaster) newSubscriber(jobID string) *Subscriber {
	return &Subscriber{
		id:    b.nextID.Add(1),
		jobID: jobID,
		ch:    make(chan scrape.Event, b.buffer),
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.all {
		delete(b.all, id)
		close(sub.ch)
	}
	for jobID, sinks := range b.perJob {
		for id, sub := range sinks {
			delete(sinks, id)
			close(sub.ch)
		}
		delete(b.perJob, jobID)
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
