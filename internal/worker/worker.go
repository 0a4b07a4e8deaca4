// Package worker implements the scrape execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/metrics"
	"github.com/newswire/scrapequeue/internal/scrape"
)

// Config controls Worker behavior.
type Config struct {
	// PopTimeout bounds each blocking pop so shutdown signals are observed.
	PopTimeout time.Duration
	// ScrapeTimeout bounds one scraper invocation.
	ScrapeTimeout time.Duration
}

// Worker leases items from the queue, runs the scraper, updates the store,
// and emits progress events. Many workers run in parallel; they coordinate
// only through the store's atomic primitives and never share memory.
type Worker struct {
	queue      scrape.Queue
	store      scrape.Store
	bus        scrape.Bus
	scraper    scrape.Scraper
	clock      scrape.Clock
	retry      *scrape.BackoffPolicy
	storeRetry *scrape.BackoffPolicy
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	queue scrape.Queue,
	store scrape.Store,
	bus scrape.Bus,
	scraper scrape.Scraper,
	clock scrape.Clock,
	retry *scrape.BackoffPolicy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 30 * time.Second
	}
	if retry == nil {
		retry = scrape.NewBackoffPolicy(0, 0)
	}
	return &Worker{
		queue:      queue,
		store:      store,
		bus:        bus,
		scraper:    scraper,
		clock:      clock,
		retry:      retry,
		storeRetry: scrape.NewBackoffPolicy(3, 250*time.Millisecond),
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes. In-flight
// work completes (or times out) before the loop exits.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, ok, err := w.queue.Pop(ctx, w.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue pop failed", zap.Error(err))
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item scrape.WorkItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("job_id", item.JobID),
		zap.String("article_id", item.ArticleID),
		zap.String("url", item.URL),
		zap.Int("attempt", item.Attempt),
	)

	claimed, raced := w.claim(ctx, item, logger)
	if raced {
		// Another worker scraped this URL while the item sat queued; count
		// the cached result for the watching jobs and move on.
		w.settle(ctx, item.ArticleID, false, logger)
		return
	}
	if !claimed {
		return
	}

	job, err := w.getJob(ctx, item.JobID)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			logger.Warn("job vanished, dropping item")
		} else {
			logger.Error("load job failed, dropping item", zap.Error(err))
		}
		w.release(ctx, item.ArticleID, item.Attempt)
		return
	}
	if job.Status == scrape.JobCancelled {
		logger.Info("job cancelled, dropping item")
		w.release(ctx, item.ArticleID, item.Attempt)
		return
	}

	scrapeCtx, cancel := context.WithTimeout(ctx, w.cfg.ScrapeTimeout)
	start := w.clock.Now()
	result, scrapeErr := w.scraper.Scrape(scrapeCtx, item.URL)
	cancel()
	metrics.ObserveScrape(scrapeErr == nil, w.clock.Now().Sub(start))

	if scrapeErr != nil {
		w.handleFailure(ctx, item, scrapeErr, logger)
		return
	}
	w.handleSuccess(ctx, item, result, logger)
}

// claim transitions the article to SCRAPING. raced=true means the article
// is already SCRAPED and the cached content stands in for this attempt.
func (w *Worker) claim(ctx context.Context, item scrape.WorkItem, logger *zap.Logger) (claimed, raced bool) {
	scraping := scrape.ArticleScraping
	var current scrape.Article
	err := w.storeRetry.RetryTransient(ctx, func() error {
		var updateErr error
		current, updateErr = w.store.UpdateArticle(ctx, item.ArticleID,
			scrape.ArticlePatch{Status: &scraping},
			scrape.ArticlePending, scrape.ArticleScraping,
		)
		return updateErr
	})
	if err == nil {
		return true, false
	}
	if errors.Is(err, scrape.ErrPrecondition) {
		if current.Status == scrape.ArticleScraped {
			return false, true
		}
		logger.Info("article not claimable, dropping item", zap.String("status", string(current.Status)))
		return false, false
	}
	if errors.Is(err, scrape.ErrNotFound) {
		logger.Warn("article vanished, dropping item")
		return false, false
	}
	logger.Error("claim article failed, dropping item", zap.Error(err))
	return false, false
}

func (w *Worker) handleSuccess(ctx context.Context, item scrape.WorkItem, result scrape.ScrapeResult, logger *zap.Logger) {
	scraped := scrape.ArticleScraped
	now := w.clock.Now()
	empty := ""
	zero := 0
	err := w.storeRetry.RetryTransient(ctx, func() error {
		_, updateErr := w.store.UpdateArticle(ctx, item.ArticleID, scrape.ArticlePatch{
			Status:       &scraped,
			Title:        &result.Title,
			Content:      &result.Content,
			ScrapedAt:    &now,
			ErrorMessage: &empty,
			RetryCount:   &zero,
		}, scrape.ArticleScraping)
		return updateErr
	})
	if err != nil {
		if errors.Is(err, scrape.ErrPrecondition) {
			// Cancellation or a concurrent lifecycle took the article; the
			// settle below still counts this scrape as a success, whatever
			// state the article is in now.
			logger.Info("scraped article update preempted", zap.Error(err))
		} else {
			logger.Error("store scraped article failed, dropping item", zap.Error(err))
			return
		}
	}
	logger.Debug("article scraped", zap.String("title", result.Title))
	w.settle(ctx, item.ArticleID, false, logger)
}

func (w *Worker) handleFailure(ctx context.Context, item scrape.WorkItem, scrapeErr error, logger *zap.Logger) {
	if w.retry.ShouldRetry(scrapeErr, item.Attempt) {
		w.scheduleRetry(ctx, item, scrapeErr, logger)
		return
	}

	failed := scrape.ArticleFailed
	msg := scrapeErr.Error()
	ceiling := w.retry.MaxAttempts()
	err := w.storeRetry.RetryTransient(ctx, func() error {
		_, updateErr := w.store.UpdateArticle(ctx, item.ArticleID, scrape.ArticlePatch{
			Status:       &failed,
			ErrorMessage: &msg,
			RetryCount:   &ceiling,
		}, scrape.ArticleScraping)
		return updateErr
	})
	if err != nil {
		if !errors.Is(err, scrape.ErrPrecondition) {
			logger.Error("store failed article failed, dropping item", zap.Error(err))
			return
		}
		logger.Info("failed article update preempted", zap.Error(err))
	}
	logger.Warn("article failed permanently",
		zap.Int("attempts", item.Attempt+1),
		zap.String("error", msg),
	)
	w.settle(ctx, item.ArticleID, true, logger)
}

// scheduleRetry sleeps out the backoff, releases the article back to
// PENDING, and reinjects the item at the head of the high band so urgent
// failures re-process quickly.
func (w *Worker) scheduleRetry(ctx context.Context, item scrape.WorkItem, scrapeErr error, logger *zap.Logger) {
	delay := w.retry.Backoff(item.Attempt)
	logger.Info("scheduling retry",
		zap.Duration("delay", delay),
		zap.String("error", scrapeErr.Error()),
	)
	metrics.ObserveRetry()

	select {
	case <-ctx.Done():
		w.release(ctx, item.ArticleID, item.Attempt)
		return
	case <-time.After(delay):
	}

	if !w.release(ctx, item.ArticleID, item.Attempt+1) {
		return
	}
	item.Attempt++
	if err := w.queue.PushHead(ctx, scrape.BandHigh, item); err != nil {
		logger.Error("retry reinjection failed", zap.Error(err))
	}
}

// release puts a SCRAPING article back to PENDING with the given retry
// count. Used for retries and for abandoning items on cancellation.
func (w *Worker) release(ctx context.Context, articleID string, retryCount int) bool {
	pending := scrape.ArticlePending
	// Shutdown may already have cancelled ctx; the release still matters so
	// the article is claimable next time.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	_, err := w.store.UpdateArticle(ctx, articleID, scrape.ArticlePatch{
		Status:     &pending,
		RetryCount: &retryCount,
	}, scrape.ArticleScraping)
	if err != nil && !errors.Is(err, scrape.ErrPrecondition) {
		w.logger.Warn("release article failed", zap.String("article_id", articleID), zap.Error(err))
		return false
	}
	return err == nil
}

// settle counts the article's outcome against every open job referencing
// it, publishing one event per applied increment and finalizing jobs that
// ran out of pending articles.
func (w *Worker) settle(ctx context.Context, articleID string, failed bool, logger *zap.Logger) {
	var open []scrape.Job
	err := w.storeRetry.RetryTransient(ctx, func() error {
		var listErr error
		open, listErr = w.store.ListOpenJobsForArticle(ctx, articleID)
		return listErr
	})
	if err != nil {
		logger.Error("list open jobs failed", zap.Error(err))
		return
	}

	status := scrape.ArticleScraped
	if failed {
		status = scrape.ArticleFailed
	}
	for _, candidate := range open {
		job, applied, err := w.store.SettleArticle(ctx, candidate.ID, articleID, failed)
		if err != nil {
			logger.Error("settle article failed", zap.String("settle_job_id", candidate.ID), zap.Error(err))
			continue
		}
		if !applied {
			continue
		}
		w.publish(ctx, scrape.NewJobUpdate(job, articleID, string(status)), logger)
		w.finalize(ctx, job, logger)
	}
}

// finalize stamps COMPLETED once every article has settled. Failures do
// not fail the job; they are enumerated in the results payload.
func (w *Worker) finalize(ctx context.Context, job scrape.Job, logger *zap.Logger) {
	if !job.Done() || job.Status.IsTerminal() {
		return
	}
	final := scrape.JobCompleted
	err := w.store.SetJobStatus(ctx, job.ID, final, scrape.JobPending, scrape.JobInProgress)
	if err != nil {
		if errors.Is(err, scrape.ErrPrecondition) {
			return
		}
		logger.Error("finalize job failed", zap.String("finalize_job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(final))
	logger.Info("job finished",
		zap.String("finished_job_id", job.ID),
		zap.String("status", string(final)),
		zap.Int("completed", job.CompletedCount),
		zap.Int("failed", job.FailedCount),
	)
}

func (w *Worker) publish(ctx context.Context, evt scrape.Event, logger *zap.Logger) {
	if err := w.bus.Publish(ctx, evt); err != nil {
		logger.Warn("publish job update failed", zap.Error(err))
	}
}

func (w *Worker) getJob(ctx context.Context, jobID string) (scrape.Job, error) {
	var job scrape.Job
	err := w.storeRetry.RetryTransient(ctx, func() error {
		var getErr error
		job, getErr = w.store.GetJob(ctx, jobID)
		return getErr
	})
	return job, err
}
