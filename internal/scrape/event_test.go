package scrape

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	job := Job{
		ID:             "job_abc",
		Status:         JobInProgress,
		TotalArticles:  3,
		CompletedCount: 1,
		CreatedAt:      time.Now().UTC(),
	}
	evt := NewJobUpdate(job, "art_123", string(ArticleScraped))
	require.NoError(t, evt.Validate())
	require.Equal(t, "job_update", evt.Type)
	require.Equal(t, 1, evt.Completed)
	require.Equal(t, 3, evt.Total)

	missingJob := evt
	missingJob.JobID = ""
	require.Error(t, missingJob.Validate())

	wrongType := evt
	wrongType.Type = "something_else"
	require.Error(t, wrongType.Validate())

	missingStatus := evt
	missingStatus.Status = ""
	require.Error(t, missingStatus.Validate())
}
