package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	busmemory "github.com/newswire/scrapequeue/internal/bus/memory"
	"github.com/newswire/scrapequeue/internal/clock/system"
	iduuid "github.com/newswire/scrapequeue/internal/id/uuid"
	queuememory "github.com/newswire/scrapequeue/internal/queue/memory"
	"github.com/newswire/scrapequeue/internal/scrape"
	storememory "github.com/newswire/scrapequeue/internal/store/memory"
)

type fakeScraper struct {
	mu      sync.Mutex
	results map[string]scrape.ScrapeResult
	errs    map[string]error
	calls   map[string]int
}

func newFakeScraper() *fakeScraper {
	return &fakeScraper{
		results: make(map[string]scrape.ScrapeResult),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeScraper) Scrape(_ context.Context, url string) (scrape.ScrapeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return scrape.ScrapeResult{}, err
	}
	return f.results[url], nil
}

func (f *fakeScraper) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fixture struct {
	store   *storememory.Store
	queue   *queuememory.Queue
	bus     *busmemory.Bus
	scraper *fakeScraper
	worker  *Worker
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	store := storememory.New(iduuid.New(), system.New())
	queue := queuememory.New()
	bus := busmemory.New()
	fake := newFakeScraper()
	w := New(
		queue,
		store,
		bus,
		fake,
		system.New(),
		scrape.NewBackoffPolicy(maxAttempts, time.Millisecond),
		Config{PopTimeout: 10 * time.Millisecond, ScrapeTimeout: time.Second},
		zap.NewNop(),
	)
	return &fixture{store: store, queue: queue, bus: bus, scraper: fake, worker: w}
}

// seed creates a PENDING article plus an open job referencing it and puts
// the work item on the queue.
func (f *fixture) seed(t *testing.T, url string) (jobID, articleID string) {
	t.Helper()
	ctx := context.Background()
	article, _, err := f.store.UpsertArticlePending(ctx, scrape.ArticleInput{
		URL: url, Source: "TechNews", Category: "AI", Priority: 2,
	})
	require.NoError(t, err)
	jobID = "job_" + article.ID
	require.NoError(t, f.store.CreateJob(ctx, scrape.Job{
		ID:            jobID,
		Status:        scrape.JobInProgress,
		TotalArticles: 1,
		NewArticles:   1,
		ArticleIDs:    []string{article.ID},
		CreatedAt:     time.Now().UTC(),
	}))
	require.NoError(t, f.queue.PushTail(ctx, scrape.BandHigh, scrape.WorkItem{
		TaskID:    "task_1",
		JobID:     jobID,
		ArticleID: article.ID,
		URL:       article.URL,
		Priority:  2,
	}))
	return jobID, article.ID
}

func TestWorkerSuccessFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := "https://example.com/success"
	f.scraper.results[scrape.NormalizeURL(url)] = scrape.ScrapeResult{Title: "Hello", Content: "Body text"}

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)

	jobID, articleID := f.seed(t, url)
	go f.worker.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := f.store.GetJob(ctx, jobID)
		return err == nil && job.Status == scrape.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	job, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 1, job.CompletedCount)
	require.Zero(t, job.FailedCount)
	require.NotNil(t, job.CompletedAt)

	article, err := f.store.GetArticle(ctx, articleID)
	require.NoError(t, err)
	require.Equal(t, scrape.ArticleScraped, article.Status)
	require.Equal(t, "Hello", article.Title)
	require.Equal(t, "Body text", article.Content)
	require.NotNil(t, article.ScrapedAt)
	require.Zero(t, article.RetryCount)

	select {
	case evt := <-sub.Events():
		require.Equal(t, jobID, evt.JobID)
		require.Equal(t, articleID, evt.ArticleID)
		require.Equal(t, string(scrape.ArticleScraped), evt.Status)
		require.Equal(t, 1, evt.Completed)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestWorkerRetryExhaustion(t *testing.T) {
	t.Parallel()

	const maxAttempts = 3
	f := newFixture(t, maxAttempts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := "https://example.com/z"
	f.scraper.errs[scrape.NormalizeURL(url)] = errors.New("connection refused")

	jobID, articleID := f.seed(t, url)
	go f.worker.Run(ctx)

	require.Eventually(t, func() bool {
		article, err := f.store.GetArticle(ctx, articleID)
		return err == nil && article.Status == scrape.ArticleFailed
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, maxAttempts, f.scraper.callCount(scrape.NormalizeURL(url)))

	article, err := f.store.GetArticle(ctx, articleID)
	require.NoError(t, err)
	require.Equal(t, maxAttempts, article.RetryCount)
	require.Contains(t, article.ErrorMessage, "connection refused")

	require.Eventually(t, func() bool {
		job, err := f.store.GetJob(ctx, jobID)
		return err == nil && job.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	job, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobCompleted, job.Status)
	require.Equal(t, 1, job.FailedCount)
	require.Zero(t, job.CompletedCount)
}

func TestWorkerRetriesLandOnHighBand(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2)
	ctx := context.Background()

	url := "https://example.com/retry"
	normalized := scrape.NormalizeURL(url)
	f.scraper.errs[normalized] = errors.New("flaky upstream")

	_, articleID := f.seed(t, url)

	item, ok, err := f.queue.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	f.worker.process(ctx, item)

	// The failed attempt re-enters on high with the attempt bumped.
	requeued, ok, err := f.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, requeued.Attempt)
	require.Equal(t, articleID, requeued.ArticleID)

	article, err := f.store.GetArticle(ctx, articleID)
	require.NoError(t, err)
	require.Equal(t, scrape.ArticlePending, article.Status)
	require.Equal(t, 1, article.RetryCount)
}

func TestWorkerDropsItemForCancelledJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	ctx := context.Background()

	url := "https://example.com/cancelled"
	f.scraper.results[scrape.NormalizeURL(url)] = scrape.ScrapeResult{Title: "T", Content: "C"}

	jobID, articleID := f.seed(t, url)
	require.NoError(t, f.store.SetJobStatus(ctx, jobID, scrape.JobCancelled))

	sub, err := f.bus.Subscribe(ctx)
	require.NoError(t, err)

	item, ok, err := f.queue.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	f.worker.process(ctx, item)

	// The scraper never runs and no event is published for the job.
	require.Zero(t, f.scraper.callCount(scrape.NormalizeURL(url)))
	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	job, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Zero(t, job.CompletedCount)
	require.Zero(t, job.FailedCount)

	// The article is released so future jobs can claim it.
	article, err := f.store.GetArticle(ctx, articleID)
	require.NoError(t, err)
	require.Equal(t, scrape.ArticlePending, article.Status)
}

func TestWorkerTreatsRacedScrapedArticleAsSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	ctx := context.Background()

	url := "https://example.com/raced"
	jobID, articleID := f.seed(t, url)

	// Another worker finished this URL while the item sat queued.
	scraped := scrape.ArticleScraped
	title := "Done elsewhere"
	content := "Cached body"
	now := time.Now().UTC()
	_, err := f.store.UpdateArticle(ctx, articleID, scrape.ArticlePatch{
		Status: &scraped, Title: &title, Content: &content, ScrapedAt: &now,
	})
	require.NoError(t, err)

	item, ok, err := f.queue.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	f.worker.process(ctx, item)

	require.Zero(t, f.scraper.callCount(scrape.NormalizeURL(url)))

	job, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 1, job.CompletedCount)
	require.Equal(t, scrape.JobCompleted, job.Status)
}

func TestWorkerSettlesAllOpenJobsWatchingAnArticle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	ctx := context.Background()

	url := "https://example.com/shared"
	f.scraper.results[scrape.NormalizeURL(url)] = scrape.ScrapeResult{Title: "S", Content: "Shared"}

	jobID, articleID := f.seed(t, url)

	// A second job references the same article without queueing new work.
	watcherID := "job_watcher"
	require.NoError(t, f.store.CreateJob(ctx, scrape.Job{
		ID:            watcherID,
		Status:        scrape.JobInProgress,
		TotalArticles: 1,
		ArticleIDs:    []string{articleID},
		CreatedAt:     time.Now().UTC(),
	}))

	item, ok, err := f.queue.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	f.worker.process(ctx, item)

	for _, id := range []string{jobID, watcherID} {
		job, err := f.store.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, 1, job.CompletedCount, id)
		require.Equal(t, scrape.JobCompleted, job.Status, id)
	}
}

func TestWorkerCounterMonotonicUnderDuplicateDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	ctx := context.Background()

	url := "https://example.com/dup"
	f.scraper.results[scrape.NormalizeURL(url)] = scrape.ScrapeResult{Title: "D", Content: "Dup"}

	jobID, articleID := f.seed(t, url)
	item, ok, err := f.queue.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	// At-least-once delivery: the same item processed twice still counts
	// once.
	f.worker.process(ctx, item)
	f.worker.process(ctx, item)

	job, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 1, job.CompletedCount)

	article, err := f.store.GetArticle(ctx, articleID)
	require.NoError(t, err)
	require.Equal(t, scrape.ArticleScraped, article.Status)
}
