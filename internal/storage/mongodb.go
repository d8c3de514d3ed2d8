package storage

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

// MongoDBStorage implements Storage using MongoDB collections.
// Jobs carry a unique (feedUrl, sourceId) index; import logs are indexed by timestamp.
type MongoDBStorage struct {
	client *mongo.Client
	jobs   *mongo.Collection
	logs   *mongo.Collection
}

// NewMongoDBStorage connects to MongoDB and ensures indexes exist
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	client, err := ConnectMongo(ctx, cfg.MongoDBURI)
	if err != nil {
		return nil, err
	}

	db := client.Database(cfg.MongoDBDatabase)
	store := NewMongoDBStorageFromCollections(db.Collection(cfg.JobsTable), db.Collection(cfg.ImportLogsTable))
	store.client = client

	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to ensure mongodb indexes")
	}
	return store, nil
}

// ConnectMongo opens a client and verifies the primary is reachable.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongodb")
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Mark(errors.Wrap(err, "failed to ping mongodb"), ErrUnavailable)
	}
	return client, nil
}

// NewMongoDBStorageFromCollections wraps existing collections without touching indexes.
func NewMongoDBStorageFromCollections(jobs, logs *mongo.Collection) *MongoDBStorage {
	return &MongoDBStorage{jobs: jobs, logs: logs}
}

func (s *MongoDBStorage) ensureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "feedUrl", Value: 1}, {Key: "sourceId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("feed_source_unique"),
	})
	if err != nil {
		return err
	}
	_, err = s.logs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "feedUrl", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	return err
}

func (s *MongoDBStorage) GetJob(ctx context.Context, feedURL, sourceID string) (*models.JobRecord, error) {
	var job models.JobRecord
	err := s.jobs.FindOne(ctx, bson.M{"feedUrl": feedURL, "sourceId": sourceID}).Decode(&job)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyMongoErr(err, "failed to get job %s", sourceID)
	}
	return &job, nil
}

func (s *MongoDBStorage) InsertJob(ctx context.Context, job models.JobRecord) error {
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return classifyMongoErr(err, "failed to insert job %s", job.SourceID)
	}
	return nil
}

func (s *MongoDBStorage) UpdateJob(ctx context.Context, job models.JobRecord) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"feedUrl": job.FeedURL, "sourceId": job.SourceID},
		bson.M{"$set": bson.M{
			"fields":      job.Fields,
			"contentHash": job.ContentHash,
			"lastSeenAt":  job.LastSeenAt,
		}},
	)
	if err != nil {
		return classifyMongoErr(err, "failed to update job %s", job.SourceID)
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", job.SourceID)
	}
	return nil
}

func (s *MongoDBStorage) TouchJob(ctx context.Context, feedURL, sourceID string, seenAt time.Time) error {
	res, err := s.jobs.UpdateOne(ctx,
		bson.M{"feedUrl": feedURL, "sourceId": sourceID},
		bson.M{"$set": bson.M{"lastSeenAt": seenAt}},
	)
	if err != nil {
		return classifyMongoErr(err, "failed to touch job %s", sourceID)
	}
	if res.MatchedCount == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", sourceID)
	}
	return nil
}

func (s *MongoDBStorage) CountJobs(ctx context.Context, feedURL string) (int64, error) {
	filter := bson.M{}
	if feedURL != "" {
		filter["feedUrl"] = feedURL
	}
	n, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return 0, classifyMongoErr(err, "failed to count jobs")
	}
	return n, nil
}

// InsertLog stores the run summary as a single document, which MongoDB writes atomically.
func (s *MongoDBStorage) InsertLog(ctx context.Context, log models.ImportLog) error {
	if log.FailedJobs == nil {
		log.FailedJobs = []models.FailedJob{}
	}
	if _, err := s.logs.InsertOne(ctx, log); err != nil {
		return classifyMongoErr(err, "failed to insert import log for %s", log.FeedURL)
	}
	return nil
}

func (s *MongoDBStorage) ListLogs(ctx context.Context, q LogQuery) ([]models.ImportLog, int64, error) {
	filter := bson.M{}
	if q.FeedURL != "" {
		filter["feedUrl"] = q.FeedURL
	}

	total, err := s.logs.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, classifyMongoErr(err, "failed to count import logs")
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(q.Offset))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := s.logs.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, classifyMongoErr(err, "failed to find import logs")
	}
	defer cursor.Close(ctx)

	logs := []models.ImportLog{}
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, 0, classifyMongoErr(err, "failed to decode import logs")
	}
	return logs, total, nil
}

func (s *MongoDBStorage) Ping(ctx context.Context) error {
	if err := s.jobs.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return errors.Mark(errors.Wrap(err, "mongodb ping failed"), ErrUnavailable)
	}
	return nil
}

// Close disconnects the client if this store owns it
func (s *MongoDBStorage) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func classifyMongoErr(err error, format string, args ...interface{}) error {
	wrapped := errors.Wrapf(err, format, args...)
	switch {
	case mongo.IsDuplicateKeyError(err):
		return errors.Mark(wrapped, ErrConflict)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, mongo.ErrClientDisconnected):
		return errors.Mark(wrapped, ErrUnavailable)
	}
	return wrapped
}
