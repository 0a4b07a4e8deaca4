// Package mongo implements the store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/newswire/scrapequeue/internal/scrape"
)

const (
	jobsCollection     = "jobs"
	articlesCollection = "articles"
)

// Store maps the fabric's atomic primitives onto MongoDB filtered updates:
// $inc for counters, filtered UpdateOne for status preconditions, and the
// unique url index for upsert races.
type Store struct {
	client   *mongo.Client
	jobs     *mongo.Collection
	articles *mongo.Collection
	ids      scrape.IDGenerator
	clock    scrape.Clock
}

// Connect dials MongoDB and returns a Store on the named database.
func Connect(ctx context.Context, uri, dbName string, ids scrape.IDGenerator, clock scrape.Clock) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := NewStore(client.Database(dbName), ids, clock)
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close disconnects the client when the store owns it (Connect path).
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

// NewStore wraps an existing database handle.
func NewStore(db *mongo.Database, ids scrape.IDGenerator, clock scrape.Clock) *Store {
	return &Store{
		jobs:     db.Collection(jobsCollection),
		articles: db.Collection(articlesCollection),
		ids:      ids,
		clock:    clock,
	}
}

// EnsureIndexes creates the unique articles.url index the dedup relies on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.articles.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create url index: %w", err)
	}
	return nil
}

// CreateJob inserts the job record.
func (s *Store) CreateJob(ctx context.Context, job scrape.Job) error {
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: job %s already exists", scrape.ErrConflict, job.ID)
		}
		return classify(fmt.Errorf("insert job: %w", err))
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (scrape.Job, error) {
	var job scrape.Job
	err := s.jobs.FindOne(ctx, bson.M{"_id": jobID}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return scrape.Job{}, fmt.Errorf("%w: job %s", scrape.ErrNotFound, jobID)
		}
		return scrape.Job{}, classify(fmt.Errorf("find job: %w", err))
	}
	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status *scrape.JobStatus, limit, skip int) ([]scrape.Job, error) {
	filter := bson.M{}
	if status != nil {
		filter["status"] = *status
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(skip))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("list jobs: %w", err))
	}
	defer cursor.Close(ctx)
	var jobs []scrape.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, classify(fmt.Errorf("decode jobs: %w", err))
	}
	return jobs, nil
}

// IncrementJobCounters atomically $incs the counters and returns the
// post-update job.
func (s *Store) IncrementJobCounters(ctx context.Context, jobID string, dCompleted, dFailed int) (scrape.Job, error) {
	var job scrape.Job
	err := s.jobs.FindOneAndUpdate(ctx,
		bson.M{"_id": jobID},
		bson.M{
			"$inc": bson.M{"completed_count": dCompleted, "failed_count": dFailed},
			"$set": bson.M{"updated_at": s.clock.Now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return scrape.Job{}, fmt.Errorf("%w: job %s", scrape.ErrNotFound, jobID)
		}
		return scrape.Job{}, classify(fmt.Errorf("increment job counters: %w", err))
	}
	return job, nil
}

// SetJobStatus transitions the status under an optional precondition, the
// precondition expressed as a filter so the check-and-set is one operation.
func (s *Store) SetJobStatus(ctx context.Context, jobID string, status scrape.JobStatus, from ...scrape.JobStatus) error {
	filter := bson.M{"_id": jobID}
	if len(from) > 0 {
		filter["status"] = bson.M{"$in": from}
	}
	now := s.clock.Now()
	set := bson.M{"status": status, "updated_at": now}
	if status.IsTerminal() {
		set["completed_at"] = now
	}
	res, err := s.jobs.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return classify(fmt.Errorf("set job status: %w", err))
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s not in %v", scrape.ErrPrecondition, jobID, from)
	}
	return nil
}

// SettleArticle applies one counter increment for the (job, article) pair.
// The whole guard rides in the filter, so racing workers collapse to one
// applied update.
func (s *Store) SettleArticle(ctx context.Context, jobID, articleID string, failed bool) (scrape.Job, bool, error) {
	counter := "completed_count"
	if failed {
		counter = "failed_count"
	}
	filter := bson.M{
		"_id":          jobID,
		"status":       bson.M{"$in": []scrape.JobStatus{scrape.JobPending, scrape.JobInProgress}},
		"article_ids":  articleID,
		"resolved_ids": bson.M{"$ne": articleID},
	}
	update := bson.M{
		"$addToSet": bson.M{"resolved_ids": articleID},
		"$inc":      bson.M{counter: 1},
		"$set":      bson.M{"updated_at": s.clock.Now()},
	}
	var job scrape.Job
	err := s.jobs.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			current, getErr := s.GetJob(ctx, jobID)
			if getErr != nil {
				return scrape.Job{}, false, getErr
			}
			return current, false, nil
		}
		return scrape.Job{}, false, classify(fmt.Errorf("settle article: %w", err))
	}
	return job, true, nil
}

// ListOpenJobsForArticle returns non-terminal jobs referencing the article.
func (s *Store) ListOpenJobsForArticle(ctx context.Context, articleID string) ([]scrape.Job, error) {
	filter := bson.M{
		"article_ids": articleID,
		"status":      bson.M{"$in": []scrape.JobStatus{scrape.JobPending, scrape.JobInProgress}},
	}
	cursor, err := s.jobs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, classify(fmt.Errorf("list open jobs: %w", err))
	}
	defer cursor.Close(ctx)
	var jobs []scrape.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, classify(fmt.Errorf("decode open jobs: %w", err))
	}
	return jobs, nil
}

// UpsertArticlePending inserts a fresh PENDING article; the unique url
// index turns concurrent inserts into duplicate-key errors, and the losers
// read back the winner's record.
func (s *Store) UpsertArticlePending(ctx context.Context, in scrape.ArticleInput) (scrape.Article, bool, error) {
	now := s.clock.Now()
	article := scrape.Article{
		ID:        s.ids.ArticleID(),
		URL:       scrape.NormalizeURL(in.URL),
		Source:    in.Source,
		Category:  in.Category,
		Priority:  in.Priority,
		Status:    scrape.ArticlePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.articles.InsertOne(ctx, article); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			existing, err := s.GetArticleByURL(ctx, article.URL)
			if err != nil {
				return scrape.Article{}, false, err
			}
			return existing, true, nil
		}
		return scrape.Article{}, false, classify(fmt.Errorf("insert article: %w", err))
	}
	return article, false, nil
}

// GetArticle fetches an article by ID.
func (s *Store) GetArticle(ctx context.Context, articleID string) (scrape.Article, error) {
	var article scrape.Article
	err := s.articles.FindOne(ctx, bson.M{"_id": articleID}).Decode(&article)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return scrape.Article{}, fmt.Errorf("%w: article %s", scrape.ErrNotFound, articleID)
		}
		return scrape.Article{}, classify(fmt.Errorf("find article: %w", err))
	}
	return article, nil
}

// GetArticleByURL fetches an article by its normalized URL.
func (s *Store) GetArticleByURL(ctx context.Context, url string) (scrape.Article, error) {
	var article scrape.Article
	err := s.articles.FindOne(ctx, bson.M{"url": scrape.NormalizeURL(url)}).Decode(&article)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return scrape.Article{}, fmt.Errorf("%w: url %s", scrape.ErrNotFound, url)
		}
		return scrape.Article{}, classify(fmt.Errorf("find article by url: %w", err))
	}
	return article, nil
}

// GetArticlesByIDs fetches the named articles.
func (s *Store) GetArticlesByIDs(ctx context.Context, articleIDs []string) ([]scrape.Article, error) {
	cursor, err := s.articles.Find(ctx, bson.M{"_id": bson.M{"$in": articleIDs}})
	if err != nil {
		return nil, classify(fmt.Errorf("find articles: %w", err))
	}
	defer cursor.Close(ctx)
	var articles []scrape.Article
	if err := cursor.All(ctx, &articles); err != nil {
		return nil, classify(fmt.Errorf("decode articles: %w", err))
	}
	return articles, nil
}

// UpdateArticle applies the patch under an optional status precondition and
// returns the post-update article.
func (s *Store) UpdateArticle(ctx context.Context, articleID string, patch scrape.ArticlePatch, from ...scrape.ArticleStatus) (scrape.Article, error) {
	filter := bson.M{"_id": articleID}
	if len(from) > 0 {
		filter["status"] = bson.M{"$in": from}
	}
	set := bson.M{"updated_at": s.clock.Now()}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Content != nil {
		set["content"] = *patch.Content
	}
	if patch.ErrorMessage != nil {
		set["error_message"] = *patch.ErrorMessage
	}
	if patch.ScrapedAt != nil {
		set["scraped_at"] = *patch.ScrapedAt
	}
	if patch.RetryCount != nil {
		set["retry_count"] = *patch.RetryCount
	}
	var article scrape.Article
	err := s.articles.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&article)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			current, getErr := s.GetArticle(ctx, articleID)
			if getErr != nil {
				return scrape.Article{}, getErr
			}
			return current, fmt.Errorf("%w: article %s is %s", scrape.ErrPrecondition, articleID, current.Status)
		}
		return scrape.Article{}, classify(fmt.Errorf("update article: %w", err))
	}
	return article, nil
}

// IncrementArticleReference bumps the reference count by one.
func (s *Store) IncrementArticleReference(ctx context.Context, articleID string) error {
	res, err := s.articles.UpdateOne(ctx,
		bson.M{"_id": articleID},
		bson.M{
			"$inc": bson.M{"reference_count": 1},
			"$set": bson.M{"updated_at": s.clock.Now()},
		},
	)
	if err != nil {
		return classify(fmt.Errorf("increment reference: %w", err))
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: article %s", scrape.ErrNotFound, articleID)
	}
	return nil
}

// classify marks driver-level timeouts and network failures transient so
// workers retry them in place.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) {
		return scrape.Transient(err)
	}
	return err
}
