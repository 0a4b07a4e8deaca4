// Package jobs orchestrates submission, cancellation, and the job read
// surface over the store, queue, and bus.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newswire/scrapequeue/internal/dedup"
	"github.com/newswire/scrapequeue/internal/scrape"
)

// Service wires the submission pipeline: validate, dedup, persist, enqueue,
// announce.
type Service struct {
	store  scrape.Store
	queue  scrape.Queue
	bus    scrape.Bus
	dedup  *dedup.Deduplicator
	ids    scrape.IDGenerator
	clock  scrape.Clock
	logger *zap.Logger
}

// New constructs a Service.
func New(
	store scrape.Store,
	queue scrape.Queue,
	bus scrape.Bus,
	deduplicator *dedup.Deduplicator,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		queue:  queue,
		bus:    bus,
		dedup:  deduplicator,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// SubmitRequest is a batch of article descriptors.
type SubmitRequest struct {
	Articles []scrape.ArticleInput `json:"articles"`
}

// Submission summarizes an accepted batch.
type Submission struct {
	JobID          string           `json:"job_id"`
	Status         scrape.JobStatus `json:"status"`
	TotalArticles  int              `json:"total_articles"`
	NewArticles    int              `json:"new_articles"`
	CachedArticles int              `json:"cached_articles"`
	Message        string           `json:"message"`
}

// StatusInfo is the per-job progress view.
type StatusInfo struct {
	JobID         string           `json:"job_id"`
	Status        scrape.JobStatus `json:"status"`
	TotalArticles int              `json:"total_articles"`
	Completed     int              `json:"completed"`
	Failed        int              `json:"failed"`
	Pending       int              `json:"pending"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ArticleResult is one successful article in a results payload.
type ArticleResult struct {
	ArticleID string     `json:"article_id"`
	URL       string     `json:"url"`
	Source    string     `json:"source"`
	Category  string     `json:"category"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	ScrapedAt *time.Time `json:"scraped_at,omitempty"`
	Cached    bool       `json:"cached"`
}

// FailedArticle is one exhausted article in a results payload.
type FailedArticle struct {
	URL         string    `json:"url"`
	Error       string    `json:"error"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// Results is the full per-article detail for a job.
type Results struct {
	JobID          string           `json:"job_id"`
	Status         scrape.JobStatus `json:"status"`
	TotalArticles  int              `json:"total_articles"`
	Successful     int              `json:"successful"`
	Failed         int              `json:"failed"`
	Results        []ArticleResult  `json:"results"`
	FailedArticles []FailedArticle  `json:"failed_articles"`
}

// Submit validates the batch, resolves it against the article cache,
// creates the job, and enqueues the work that needs scraping. The job
// record is acknowledged by the store before any queue item referencing it
// becomes visible to a worker.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	inputs, err := validate(req)
	if err != nil {
		return Submission{}, err
	}

	resolutions, err := s.dedup.Resolve(ctx, inputs)
	if err != nil {
		return Submission{}, fmt.Errorf("resolve batch: %w", err)
	}

	total := len(resolutions)
	cached := 0
	articleIDs := make([]string, 0, total)
	resolvedIDs := make([]string, 0, total)
	for _, res := range resolutions {
		articleIDs = append(articleIDs, res.Article.ID)
		if res.Kind == dedup.Hit {
			cached++
			resolvedIDs = append(resolvedIDs, res.Article.ID)
		}
	}
	newCount := total - cached

	now := s.clock.Now()
	job := scrape.Job{
		ID:             s.ids.JobID(),
		Status:         scrape.JobInProgress,
		TotalArticles:  total,
		NewArticles:    newCount,
		CachedArticles: cached,
		CompletedCount: cached,
		ArticleIDs:     articleIDs,
		ResolvedIDs:    resolvedIDs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	message := "Job submitted successfully"
	if newCount == 0 {
		job.Status = scrape.JobCompleted
		job.CompletedAt = &now
		message = "Job completed - all articles from cache"
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return Submission{}, fmt.Errorf("create job: %w", err)
	}

	for _, res := range resolutions {
		switch res.Kind {
		case dedup.MissEnqueue:
			item := res.Item
			item.JobID = job.ID
			if err := s.queue.PushTail(ctx, scrape.BandFor(item.Priority), item); err != nil {
				return Submission{}, fmt.Errorf("enqueue %s: %w", item.URL, err)
			}
		case dedup.MissInflight:
			// The scrape is owned by an earlier job; if it finished between
			// classification and job creation, settle here so the job does
			// not wait on an update that already happened.
			s.settleIfTerminal(ctx, job.ID, res.Article.ID)
		}
	}

	job, _ = s.finalizeIfDone(ctx, job)
	s.publish(ctx, scrape.NewJobUpdate(job, "", string(job.Status)))

	return Submission{
		JobID:          job.ID,
		Status:         job.Status,
		TotalArticles:  total,
		NewArticles:    newCount,
		CachedArticles: cached,
		Message:        message,
	}, nil
}

// Cancel marks the job cancelled, drains its queued items, and publishes a
// final event. Terminal jobs are a client error, never a silent no-op.
func (s *Service) Cancel(ctx context.Context, jobID string) (int, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: job %s is %s", scrape.ErrConflict, jobID, job.Status)
	}
	err = s.store.SetJobStatus(ctx, jobID, scrape.JobCancelled, scrape.JobPending, scrape.JobInProgress)
	if err != nil {
		if errors.Is(err, scrape.ErrPrecondition) {
			return 0, fmt.Errorf("%w: job %s reached a terminal state", scrape.ErrConflict, jobID)
		}
		return 0, fmt.Errorf("cancel job: %w", err)
	}
	removed, err := s.queue.DrainJob(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("drain job %s: %w", jobID, err)
	}
	cancelled, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		cancelled = job
		cancelled.Status = scrape.JobCancelled
	}
	s.publish(ctx, scrape.NewJobUpdate(cancelled, "", string(scrape.JobCancelled)))
	return removed, nil
}

// Status returns the progress view for one job.
func (s *Service) Status(ctx context.Context, jobID string) (StatusInfo, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return StatusInfo{}, err
	}
	return toStatusInfo(job), nil
}

// List returns progress views for jobs, newest first.
func (s *Service) List(ctx context.Context, status *scrape.JobStatus, limit, skip int) ([]StatusInfo, error) {
	jobs, err := s.store.ListJobs(ctx, status, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]StatusInfo, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toStatusInfo(job))
	}
	return out, nil
}

// Results returns the full per-article detail, separating successes from
// exhausted failures. An article counts as cached when it was scraped
// before the job existed.
func (s *Service) Results(ctx context.Context, jobID string) (Results, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return Results{}, err
	}
	articles, err := s.store.GetArticlesByIDs(ctx, job.ArticleIDs)
	if err != nil {
		return Results{}, fmt.Errorf("load articles: %w", err)
	}
	out := Results{
		JobID:          jobID,
		Status:         job.Status,
		TotalArticles:  job.TotalArticles,
		Results:        []ArticleResult{},
		FailedArticles: []FailedArticle{},
	}
	for _, article := range articles {
		switch article.Status {
		case scrape.ArticleScraped:
			cached := article.ScrapedAt != nil && article.ScrapedAt.Before(job.CreatedAt)
			out.Results = append(out.Results, ArticleResult{
				ArticleID: article.ID,
				URL:       article.URL,
				Source:    article.Source,
				Category:  article.Category,
				Title:     article.Title,
				Content:   article.Content,
				ScrapedAt: article.ScrapedAt,
				Cached:    cached,
			})
		case scrape.ArticleFailed:
			msg := article.ErrorMessage
			if msg == "" {
				msg = "Unknown error"
			}
			out.FailedArticles = append(out.FailedArticles, FailedArticle{
				URL:         article.URL,
				Error:       msg,
				AttemptedAt: article.UpdatedAt,
			})
		}
	}
	out.Successful = len(out.Results)
	out.Failed = len(out.FailedArticles)
	return out, nil
}

func (s *Service) settleIfTerminal(ctx context.Context, jobID, articleID string) {
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		s.logger.Warn("recheck in-flight article failed", zap.String("article_id", articleID), zap.Error(err))
		return
	}
	switch article.Status {
	case scrape.ArticleScraped:
		_, _, err = s.store.SettleArticle(ctx, jobID, articleID, false)
	case scrape.ArticleFailed:
		_, _, err = s.store.SettleArticle(ctx, jobID, articleID, true)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("settle in-flight article failed", zap.String("article_id", articleID), zap.Error(err))
	}
}

func (s *Service) finalizeIfDone(ctx context.Context, job scrape.Job) (scrape.Job, bool) {
	fresh, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return job, false
	}
	if fresh.Status.IsTerminal() || !fresh.Done() {
		return fresh, false
	}
	// Scrape failures never fail the job; they are enumerated per article.
	final := scrape.JobCompleted
	err = s.store.SetJobStatus(ctx, job.ID, final, scrape.JobPending, scrape.JobInProgress)
	if err != nil {
		if !errors.Is(err, scrape.ErrPrecondition) {
			s.logger.Error("finalize job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return fresh, false
	}
	fresh.Status = final
	return fresh, true
}

func (s *Service) publish(ctx context.Context, evt scrape.Event) {
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish job update failed", zap.String("job_id", evt.JobID), zap.Error(err))
	}
}

func toStatusInfo(job scrape.Job) StatusInfo {
	return StatusInfo{
		JobID:         job.ID,
		Status:        job.Status,
		TotalArticles: job.TotalArticles,
		Completed:     job.CompletedCount,
		Failed:        job.FailedCount,
		Pending:       job.Pending(),
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

func validate(req SubmitRequest) ([]scrape.ArticleInput, error) {
	if len(req.Articles) == 0 {
		return nil, fmt.Errorf("%w: batch must contain at least one article", scrape.ErrValidation)
	}
	out := make([]scrape.ArticleInput, 0, len(req.Articles))
	for _, in := range req.Articles {
		if err := scrape.ValidateURL(in.URL); err != nil {
			return nil, err
		}
		if in.Priority == 0 {
			in.Priority = scrape.PriorityMin
		}
		if in.Priority < scrape.PriorityMin || in.Priority > scrape.PriorityMax {
			return nil, fmt.Errorf("%w: priority %d out of range [%d,%d]", scrape.ErrValidation, in.Priority, scrape.PriorityMin, scrape.PriorityMax)
		}
		out = append(out, in)
	}
	return out, nil
}
