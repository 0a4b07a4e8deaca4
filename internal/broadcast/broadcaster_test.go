package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	busmemory "github.com/newswire/scrapequeue/internal/bus/memory"
	"github.com/newswire/scrapequeue/internal/scrape"
)

func event(jobID string, completed int) scrape.Event {
	return scrape.Event{
		Type:      scrape.EventTypeJobUpdate,
		JobID:     jobID,
		ArticleID: fmt.Sprintf("art_%d", completed),
		Status:    string(scrape.ArticleScraped),
		Completed: completed,
		Total:     3,
	}
}

func collect(t *testing.T, sub *Subscriber, n int) []scrape.Event {
	t.Helper()
	out := make([]scrape.Event, 0, n)
	for len(out) < n {
		select {
		case evt, ok := <-sub.Events():
			require.True(t, ok)
			out = append(out, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBroadcasterFanOut(t *testing.T) {
	t.Parallel()

	bus := busmemory.New()
	b := New(bus, 16, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		require.NoError(t, b.Run(ctx))
	}()

	jobSub1 := b.SubscribeJob("job_J")
	jobSub2 := b.SubscribeJob("job_J")
	allSub := b.SubscribeAll()
	otherSub := b.SubscribeJob("job_other")

	// Give Run a beat to establish the bus subscription.
	time.Sleep(20 * time.Millisecond)

	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(ctx, event("job_J", i)))
	}
	require.NoError(t, bus.Publish(ctx, event("job_unrelated", 1)))

	for _, sub := range []*Subscriber{jobSub1, jobSub2} {
		events := collect(t, sub, 3)
		for i, evt := range events {
			require.Equal(t, "job_J", evt.JobID)
			require.Equal(t, i+1, evt.Completed)
		}
	}

	all := collect(t, allSub, 4)
	jobJ := 0
	for _, evt := range all {
		if evt.JobID == "job_J" {
			jobJ++
		}
	}
	require.Equal(t, 3, jobJ)

	select {
	case evt := <-otherSub.Events():
		t.Fatalf("unexpected event for other job: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterSlowSinkDropsOldest(t *testing.T) {
	t.Parallel()

	bus := busmemory.New()
	b := New(bus, 2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		require.NoError(t, b.Run(ctx))
	}()

	sub := b.SubscribeJob("job_slow")
	time.Sleep(20 * time.Millisecond)

	// Five events into a buffer of two: the newest two survive and the
	// dispatch loop never blocks.
	for i := 1; i <= 5; i++ {
		require.NoError(t, bus.Publish(ctx, event("job_slow", i)))
	}

	require.Eventually(t, func() bool {
		return len(sub.Events()) == 2
	}, time.Second, 10*time.Millisecond)

	events := collect(t, sub, 2)
	require.Equal(t, 4, events[0].Completed)
	require.Equal(t, 5, events[1].Completed)
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	bus := busmemory.New()
	b := New(bus, 4, zap.NewNop())

	sub := b.SubscribeAll()
	b.Unsubscribe(sub)

	_, ok := <-sub.Events()
	require.False(t, ok)

	// A second unsubscribe is a no-op, not a double close.
	b.Unsubscribe(sub)
}

func TestBroadcasterRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	bus := busmemory.New()
	b := New(bus, 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx)
	}()
	sub := b.SubscribeAll()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	// Shutdown closes subscriber channels.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
