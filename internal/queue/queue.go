// Package queue is the durable task queue between the scheduler and the
// import workers. Delivery is at-least-once: a claimed message is hidden for
// the visibility timeout and reappears if the worker never acks it.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/storage"
)

// ErrNotFound is returned by Ack, Requeue and DeadLetter for unknown ids.
var ErrNotFound = errors.New("queue message not found")

const (
	statusPending = "pending"
	statusRunning = "running"
	statusDead    = "dead"
)

// Queue is the contract every backend implements.
type Queue interface {
	// Enqueue makes req visible to consumers immediately.
	Enqueue(ctx context.Context, req models.RunRequest) error
	// Dequeue claims the oldest visible message. It returns nil, nil when the
	// queue is empty.
	Dequeue(ctx context.Context) (*models.RunRequest, error)
	// Ack removes a claimed message.
	Ack(ctx context.Context, id string) error
	// Requeue releases a claimed message with a new attempt count, visible
	// again after delay.
	Requeue(ctx context.Context, id string, attempt int, delay time.Duration) error
	// DeadLetter parks a message permanently with the reason it failed.
	DeadLetter(ctx context.Context, id string, reason string) error
	Close() error
}

// NewRunRequest builds a fresh first-attempt request for feedURL.
func NewRunRequest(feedURL string, now time.Time) models.RunRequest {
	return models.RunRequest{
		ID:         uuid.NewString(),
		FeedURL:    feedURL,
		EnqueuedAt: now.UTC(),
		Attempt:    0,
	}
}

// New creates a queue backend based on configuration. MongoDB and PostgreSQL
// backends connect with the storage connection settings.
func New(ctx context.Context, qcfg config.QueueConfig, scfg config.StorageConfig) (Queue, error) {
	switch qcfg.Type {
	case "mongodb":
		client, err := storage.ConnectMongo(ctx, scfg.MongoDBURI)
		if err != nil {
			return nil, err
		}
		coll := client.Database(scfg.MongoDBDatabase).Collection(qcfg.Name)
		q := NewMongoQueue(coll, qcfg.VisibilityTimeout)
		if err := q.ensureIndexes(ctx); err != nil {
			client.Disconnect(ctx)
			return nil, err
		}
		q.closer = func() error { return client.Disconnect(context.Background()) }
		return q, nil
	case "postgresql":
		db, err := storage.OpenPostgres(ctx, scfg.PostgresURI)
		if err != nil {
			return nil, err
		}
		q := NewPostgresQueue(db, qcfg.Name, qcfg.VisibilityTimeout)
		if err := q.ensureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return q, nil
	case "sqlite":
		return OpenSQLiteQueue(ctx, qcfg.SQLitePath, qcfg.Name, qcfg.VisibilityTimeout)
	case "memory":
		return NewMemoryQueue(qcfg.VisibilityTimeout), nil
	default:
		return nil, errors.Newf("unsupported queue type: %s", qcfg.Type)
	}
}
