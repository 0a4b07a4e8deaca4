// Package memory provides a store implementation for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/newswire/scrapequeue/internal/scrape"
)

// Store keeps all jobs and articles in process memory behind one mutex, so
// every primitive is atomic the same way the real backend's operations are.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]scrape.Job
	articles map[string]scrape.Article
	byURL    map[string]string

	ids   scrape.IDGenerator
	clock scrape.Clock
}

// New constructs a Store.
func New(ids scrape.IDGenerator, clock scrape.Clock) *Store {
	return &Store{
		jobs:     make(map[string]scrape.Job),
		articles: make(map[string]scrape.Article),
		byURL:    make(map[string]string),
		ids:      ids,
		clock:    clock,
	}
}

// CreateJob stores a new job record.
func (s *Store) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", scrape.ErrConflict, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("%w: job %s", scrape.ErrNotFound, jobID)
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(_ context.Context, status *scrape.JobStatus, limit, skip int) ([]scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if skip >= len(out) {
		return nil, nil
	}
	out = out[skip:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// IncrementJobCounters atomically adds counter deltas and returns the
// updated job.
func (s *Store) IncrementJobCounters(_ context.Context, jobID string, dCompleted, dFailed int) (scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, fmt.Errorf("%w: job %s", scrape.ErrNotFound, jobID)
	}
	job.CompletedCount += dCompleted
	job.FailedCount += dFailed
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return job, nil
}

// SetJobStatus transitions the job status under an optional precondition.
func (s *Store) SetJobStatus(_ context.Context, jobID string, status scrape.JobStatus, from ...scrape.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", scrape.ErrNotFound, jobID)
	}
	if len(from) > 0 && !jobStatusIn(job.Status, from) {
		return fmt.Errorf("%w: job %s is %s", scrape.ErrPrecondition, jobID, job.Status)
	}
	now := s.clock.Now()
	job.Status = status
	job.UpdatedAt = now
	if status.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	s.jobs[jobID] = job
	return nil
}

// SettleArticle applies one counter increment for the (job, article) pair,
// guarded by the job's resolved set.
func (s *Store) SettleArticle(_ context.Context, jobID, articleID string, failed bool) (scrape.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, false, fmt.Errorf("%w: job %s", scrape.ErrNotFound, jobID)
	}
	if job.Status.IsTerminal() || !contains(job.ArticleIDs, articleID) || contains(job.ResolvedIDs, articleID) {
		return job, false, nil
	}
	job.ResolvedIDs = append(job.ResolvedIDs, articleID)
	if failed {
		job.FailedCount++
	} else {
		job.CompletedCount++
	}
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return job, true, nil
}

// ListOpenJobsForArticle returns non-terminal jobs referencing the article.
func (s *Store) ListOpenJobsForArticle(_ context.Context, articleID string) ([]scrape.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scrape.Job
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if contains(job.ArticleIDs, articleID) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpsertArticlePending reserves an article for the normalized URL. The
// mutex makes the lookup-or-create atomic: only the first caller for a URL
// observes existed=false.
func (s *Store) UpsertArticlePending(_ context.Context, in scrape.ArticleInput) (scrape.Article, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	normalized := scrape.NormalizeURL(in.URL)
	if id, ok := s.byURL[normalized]; ok {
		return s.articles[id], true, nil
	}
	now := s.clock.Now()
	article := scrape.Article{
		ID:        s.ids.ArticleID(),
		URL:       normalized,
		Source:    in.Source,
		Category:  in.Category,
		Priority:  in.Priority,
		Status:    scrape.ArticlePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.articles[article.ID] = article
	s.byURL[normalized] = article.ID
	return article, false, nil
}

// GetArticle fetches an article by ID.
func (s *Store) GetArticle(_ context.Context, articleID string) (scrape.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	article, ok := s.articles[articleID]
	if !ok {
		return scrape.Article{}, fmt.Errorf("%w: article %s", scrape.ErrNotFound, articleID)
	}
	return article, nil
}

// GetArticleByURL fetches an article by its normalized URL.
func (s *Store) GetArticleByURL(_ context.Context, url string) (scrape.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURL[scrape.NormalizeURL(url)]
	if !ok {
		return scrape.Article{}, fmt.Errorf("%w: url %s", scrape.ErrNotFound, url)
	}
	return s.articles[id], nil
}

// GetArticlesByIDs fetches articles preserving the requested order;
// unknown IDs are skipped.
func (s *Store) GetArticlesByIDs(_ context.Context, articleIDs []string) ([]scrape.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scrape.Article, 0, len(articleIDs))
	for _, id := range articleIDs {
		if article, ok := s.articles[id]; ok {
			out = append(out, article)
		}
	}
	return out, nil
}

// UpdateArticle applies the patch under an optional status precondition.
func (s *Store) UpdateArticle(_ context.Context, articleID string, patch scrape.ArticlePatch, from ...scrape.ArticleStatus) (scrape.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	article, ok := s.articles[articleID]
	if !ok {
		return scrape.Article{}, fmt.Errorf("%w: article %s", scrape.ErrNotFound, articleID)
	}
	if len(from) > 0 && !articleStatusIn(article.Status, from) {
		return article, fmt.Errorf("%w: article %s is %s", scrape.ErrPrecondition, articleID, article.Status)
	}
	if patch.Status != nil {
		article.Status = *patch.Status
	}
	if patch.Title != nil {
		article.Title = *patch.Title
	}
	if patch.Content != nil {
		article.Content = *patch.Content
	}
	if patch.ErrorMessage != nil {
		article.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ScrapedAt != nil {
		article.ScrapedAt = patch.ScrapedAt
	}
	if patch.RetryCount != nil {
		article.RetryCount = *patch.RetryCount
	}
	article.UpdatedAt = s.clock.Now()
	s.articles[articleID] = article
	return article, nil
}

// IncrementArticleReference bumps the reference count by one.
func (s *Store) IncrementArticleReference(_ context.Context, articleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	article, ok := s.articles[articleID]
	if !ok {
		return fmt.Errorf("%w: article %s", scrape.ErrNotFound, articleID)
	}
	article.ReferenceCount++
	article.UpdatedAt = s.clock.Now()
	s.articles[articleID] = article
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func jobStatusIn(status scrape.JobStatus, set []scrape.JobStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

func articleStatusIn(status scrape.ArticleStatus, set []scrape.ArticleStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}
