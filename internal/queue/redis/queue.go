// Package redis implements the work queue on Redis lists.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/newswire/scrapequeue/internal/scrape"
)

const keyPrefix = "scraping_tasks:priority"

// Queue maps the three bands onto Redis lists. BRPOP across the band keys
// is the atomic priority-ordered pop: the server checks the keys in the
// order given, so high drains before medium before low with no client-side
// racing.
type Queue struct {
	client  *redis.Client
	popKeys []string
}

// New constructs a Queue over an existing client.
func New(client *redis.Client) *Queue {
	keys := make([]string, 0, len(scrape.Bands))
	for _, band := range scrape.Bands {
		keys = append(keys, bandKey(band))
	}
	return &Queue{client: client, popKeys: keys}
}

// PushTail LPUSHes the item; paired with BRPOP from the right this is a
// FIFO enqueue.
func (q *Queue) PushTail(ctx context.Context, band scrape.Band, item scrape.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := q.client.LPush(ctx, bandKey(band), payload).Err(); err != nil {
		return scrape.Transient(fmt.Errorf("lpush %s: %w", band, err))
	}
	return nil
}

// PushHead RPUSHes the item so it sits at the pop end of the band.
func (q *Queue) PushHead(ctx context.Context, band scrape.Band, item scrape.WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := q.client.RPush(ctx, bandKey(band), payload).Err(); err != nil {
		return scrape.Transient(fmt.Errorf("rpush %s: %w", band, err))
	}
	return nil
}

// Pop blocks up to timeout on BRPOP across all bands.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (scrape.WorkItem, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, q.popKeys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return scrape.WorkItem{}, false, nil
		}
		if ctx.Err() != nil {
			return scrape.WorkItem{}, false, ctx.Err()
		}
		return scrape.WorkItem{}, false, scrape.Transient(fmt.Errorf("brpop: %w", err))
	}
	// BRPOP returns [key, value].
	var item scrape.WorkItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return scrape.WorkItem{}, false, fmt.Errorf("unmarshal work item: %w", err)
	}
	return item, true, nil
}

// DrainJob walks each band list and LREMs every payload for the job.
func (q *Queue) DrainJob(ctx context.Context, jobID string) (int, error) {
	removed := 0
	for _, band := range scrape.Bands {
		key := bandKey(band)
		payloads, err := q.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return removed, scrape.Transient(fmt.Errorf("lrange %s: %w", band, err))
		}
		for _, payload := range payloads {
			var item scrape.WorkItem
			if err := json.Unmarshal([]byte(payload), &item); err != nil {
				continue
			}
			if item.JobID != jobID {
				continue
			}
			n, err := q.client.LRem(ctx, key, 1, payload).Result()
			if err != nil {
				return removed, scrape.Transient(fmt.Errorf("lrem %s: %w", band, err))
			}
			removed += int(n)
		}
	}
	return removed, nil
}

// Lengths reports the per-band list depth.
func (q *Queue) Lengths(ctx context.Context) (map[scrape.Band]int, error) {
	out := make(map[scrape.Band]int, len(scrape.Bands))
	for _, band := range scrape.Bands {
		n, err := q.client.LLen(ctx, bandKey(band)).Result()
		if err != nil {
			return nil, scrape.Transient(fmt.Errorf("llen %s: %w", band, err))
		}
		out[band] = int(n)
	}
	return out, nil
}

func bandKey(band scrape.Band) string {
	return keyPrefix + ":" + string(band)
}
