// Package scrape defines core types shared across subsystems.
package scrape

import "time"

// ArticleStatus represents the lifecycle state of an article fetch.
type ArticleStatus string

// Article status values persisted in the article store.
const (
	ArticlePending  ArticleStatus = "PENDING"
	ArticleScraping ArticleStatus = "SCRAPING"
	ArticleScraped  ArticleStatus = "SCRAPED"
	ArticleFailed   ArticleStatus = "FAILED"
)

// JobStatus represents the lifecycle state of a submitted job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobPending    JobStatus = "PENDING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status permits no further mutation.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Article is the per-URL fetch record. URLs are normalized and globally
// unique; scraped articles double as the dedup cache and are never deleted.
type Article struct {
	ID             string        `json:"id" bson:"_id"`
	URL            string        `json:"url" bson:"url"`
	Source         string        `json:"source" bson:"source"`
	Category       string        `json:"category" bson:"category"`
	Priority       int           `json:"priority" bson:"priority"`
	Title          string        `json:"title,omitempty" bson:"title,omitempty"`
	Content        string        `json:"content,omitempty" bson:"content,omitempty"`
	Status         ArticleStatus `json:"status" bson:"status"`
	ErrorMessage   string        `json:"error_message,omitempty" bson:"error_message,omitempty"`
	ScrapedAt      *time.Time    `json:"scraped_at,omitempty" bson:"scraped_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" bson:"updated_at"`
	ReferenceCount int           `json:"reference_count" bson:"reference_count"`
	RetryCount     int           `json:"retry_count" bson:"retry_count"`
}

// Job aggregates the progress of one submitted batch.
type Job struct {
	ID             string     `json:"id" bson:"_id"`
	Status         JobStatus  `json:"status" bson:"status"`
	TotalArticles  int        `json:"total_articles" bson:"total_articles"`
	NewArticles    int        `json:"new_articles" bson:"new_articles"`
	CachedArticles int        `json:"cached_articles" bson:"cached_articles"`
	CompletedCount int        `json:"completed_count" bson:"completed_count"`
	FailedCount    int        `json:"failed_count" bson:"failed_count"`
	ArticleIDs     []string   `json:"article_ids" bson:"article_ids"`
	// ResolvedIDs guards counter increments: an article settles against a
	// job at most once per lifecycle, no matter how many workers race.
	ResolvedIDs []string `json:"-" bson:"resolved_ids,omitempty"`
	CreatedAt      time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" bson:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// Pending returns the number of articles not yet resolved either way.
func (j Job) Pending() int {
	p := j.TotalArticles - j.CompletedCount - j.FailedCount
	if p < 0 {
		return 0
	}
	return p
}

// Done reports whether every article has reached a terminal article state.
func (j Job) Done() bool {
	return j.CompletedCount+j.FailedCount >= j.TotalArticles
}

// WorkItem is the transient queue payload pointing at one article within one
// job. It is JSON-serialized onto the queue and never persisted.
type WorkItem struct {
	TaskID    string `json:"task_id"`
	JobID     string `json:"job_id"`
	ArticleID string `json:"article_id"`
	URL       string `json:"url"`
	Source    string `json:"source"`
	Category  string `json:"category"`
	Priority  int    `json:"priority"`
	Attempt   int    `json:"attempt"`
}

// ArticleInput is one descriptor in a submitted batch.
type ArticleInput struct {
	URL      string `json:"url"`
	Source   string `json:"source"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
}

// ArticlePatch carries the fields a store update may set. Nil fields are
// left untouched.
type ArticlePatch struct {
	Status       *ArticleStatus
	Title        *string
	Content      *string
	ErrorMessage *string
	ScrapedAt    *time.Time
	RetryCount   *int
}

// Band names one of the three priority queues.
type Band string

// Queue bands in strict pop order.
const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// Bands lists the queue bands in pop-priority order.
var Bands = []Band{BandHigh, BandMedium, BandLow}

// Priority bounds accepted on submission.
const (
	PriorityMin = 1
	PriorityMax = 10
)

// BandFor maps a priority to its queue band: 1-3 high, 4-7 medium, 8-10 low.
func BandFor(priority int) Band {
	switch {
	case priority <= 3:
		return BandHigh
	case priority <= 7:
		return BandMedium
	default:
		return BandLow
	}
}
