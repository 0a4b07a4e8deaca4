package scrape

import (
	"errors"
	"fmt"
)

// EventTypeJobUpdate is the single event type carried on the bus topic.
const EventTypeJobUpdate = "job_update"

// TopicJobUpdates names the bus channel workers publish to.
const TopicJobUpdates = "job_updates"

// Event is one progress update published after a counter or status change.
// Counters reflect the job after the transition that produced the event.
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	ArticleID string `json:"article_id,omitempty"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Total     int    `json:"total"`
}

// NewJobUpdate builds an event from the post-transition job state.
func NewJobUpdate(job Job, articleID string, status string) Event {
	return Event{
		Type:      EventTypeJobUpdate,
		JobID:     job.ID,
		ArticleID: articleID,
		Status:    status,
		Completed: job.CompletedCount,
		Failed:    job.FailedCount,
		Total:     job.TotalArticles,
	}
}

// Validate performs coarse validation on event payloads.
func (e Event) Validate() error {
	if e.Type != EventTypeJobUpdate {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.Status == "" {
		return errors.New("status is required")
	}
	if e.Completed < 0 || e.Failed < 0 || e.Total < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}
