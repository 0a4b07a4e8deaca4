// Package dedup classifies submitted article descriptors against the
// article cache.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/scrape"
)

// Kind classifies one resolution.
type Kind string

// Resolution kinds. A MISS splits by whether work must be queued: an
// article already in flight for another job is not scheduled again.
const (
	Hit          Kind = "HIT"
	MissEnqueue  Kind = "MISS_ENQUEUE"
	MissInflight Kind = "MISS_INFLIGHT"
)

// Resolution is the outcome for one unique URL of a batch, in input order.
type Resolution struct {
	Kind    Kind
	Article scrape.Article
	// Item is populated only for MissEnqueue.
	Item scrape.WorkItem
}

// Deduplicator reserves article identities for a batch and splits it into
// cached hits and schedulable work.
type Deduplicator struct {
	store  scrape.Store
	ids    scrape.IDGenerator
	logger *zap.Logger
}

// New constructs a Deduplicator.
func New(store scrape.Store, ids scrape.IDGenerator, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{store: store, ids: ids, logger: logger}
}

// Resolve collapses the batch by normalized URL (first occurrence wins,
// order preserved) and classifies every unique URL. Reference counts are
// incremented for every resolution; they record historical interest and
// never decrement.
func (d *Deduplicator) Resolve(ctx context.Context, inputs []scrape.ArticleInput) ([]Resolution, error) {
	unique := collapse(inputs)
	out := make([]Resolution, 0, len(unique))
	for _, in := range unique {
		res, err := d.resolveOne(ctx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (d *Deduplicator) resolveOne(ctx context.Context, in scrape.ArticleInput) (Resolution, error) {
	article, existed, err := d.store.UpsertArticlePending(ctx, in)
	if err != nil {
		return Resolution{}, fmt.Errorf("upsert article %s: %w", in.URL, err)
	}
	if err := d.store.IncrementArticleReference(ctx, article.ID); err != nil {
		return Resolution{}, fmt.Errorf("increment reference %s: %w", article.ID, err)
	}
	article.ReferenceCount++

	if !existed {
		return Resolution{Kind: MissEnqueue, Article: article, Item: d.workItem(article, in)}, nil
	}

	switch article.Status {
	case scrape.ArticleScraped:
		return Resolution{Kind: Hit, Article: article}, nil
	case scrape.ArticlePending, scrape.ArticleScraping:
		// Another job already has this URL in flight; the shared record
		// will pick up its result.
		d.logger.Debug("article already scheduled", zap.String("article_id", article.ID), zap.String("url", article.URL))
		return Resolution{Kind: MissInflight, Article: article}, nil
	default:
		// A previous lifecycle exhausted its retries. Reset and scrape again.
		reset, err := d.resetForRetry(ctx, article.ID)
		if err != nil {
			if errors.Is(err, scrape.ErrPrecondition) {
				// A concurrent submission reset it first; its worker run
				// covers this job too.
				return Resolution{Kind: MissInflight, Article: article}, nil
			}
			return Resolution{}, err
		}
		return Resolution{Kind: MissEnqueue, Article: reset, Item: d.workItem(reset, in)}, nil
	}
}

func (d *Deduplicator) resetForRetry(ctx context.Context, articleID string) (scrape.Article, error) {
	pending := scrape.ArticlePending
	empty := ""
	zero := 0
	article, err := d.store.UpdateArticle(ctx, articleID, scrape.ArticlePatch{
		Status:       &pending,
		ErrorMessage: &empty,
		RetryCount:   &zero,
	}, scrape.ArticleFailed)
	if err != nil {
		return scrape.Article{}, fmt.Errorf("reset article %s for retry: %w", articleID, err)
	}
	return article, nil
}

func (d *Deduplicator) workItem(article scrape.Article, in scrape.ArticleInput) scrape.WorkItem {
	return scrape.WorkItem{
		TaskID:    d.ids.TaskID(),
		JobID:     "", // stamped by the submitter once the job exists
		ArticleID: article.ID,
		URL:       article.URL,
		Source:    in.Source,
		Category:  in.Category,
		Priority:  in.Priority,
		Attempt:   0,
	}
}

// collapse drops repeated URLs keeping the first occurrence's metadata and
// the input order.
func collapse(inputs []scrape.ArticleInput) []scrape.ArticleInput {
	seen := make(map[string]struct{}, len(inputs))
	out := make([]scrape.ArticleInput, 0, len(inputs))
	for _, in := range inputs {
		key := scrape.NormalizeURL(in.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, in)
	}
	return out
}
