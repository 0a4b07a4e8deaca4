package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/newswire/scrapequeue/internal/scrape"
)

func event(jobID string, completed int) scrape.Event {
	return scrape.Event{
		Type:      scrape.EventTypeJobUpdate,
		JobID:     jobID,
		Status:    string(scrape.ArticleScraped),
		Completed: completed,
		Total:     5,
	}
}

func TestBusFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := New()
	ctx := context.Background()

	sub1, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	sub2, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, event("job_1", 1)))

	for _, sub := range []scrape.Subscription{sub1, sub2} {
		select {
		case evt := <-sub.Events():
			require.Equal(t, "job_1", evt.JobID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusPreservesPublisherOrder(t *testing.T) {
	t.Parallel()

	bus := New()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, bus.Publish(ctx, event("job_1", i)))
	}
	for i := 1; i <= 5; i++ {
		select {
		case evt := <-sub.Events():
			require.Equal(t, i, evt.Completed)
		case <-time.After(time.Second):
			t.Fatal("missing event")
		}
	}
}

func TestBusLateSubscriberMissesEarlierEvents(t *testing.T) {
	t.Parallel()

	bus := New()
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, event("job_1", 1)))

	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	bus := New()
	err := bus.Publish(context.Background(), scrape.Event{Type: "bogus"})
	require.Error(t, err)
}

func TestBusClosedSubscriptionStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := New()
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, ok := <-sub.Events()
	require.False(t, ok)

	require.NoError(t, bus.Publish(ctx, event("job_1", 1)))
}
