package storage

import (
	"context"
	"time"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

var (
	// ErrNotFound is returned when a point lookup finds nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks write conflicts, e.g. a concurrent insert of the same job.
	ErrConflict = errors.New("write conflict")
	// ErrUnavailable marks connectivity faults (network, timeouts, server selection).
	ErrUnavailable = errors.New("store unavailable")
)

// JobStore holds job postings keyed by (feedURL, sourceID).
type JobStore interface {
	// GetJob returns ErrNotFound when no record exists.
	GetJob(ctx context.Context, feedURL, sourceID string) (*models.JobRecord, error)
	// InsertJob fails with ErrConflict if the key already exists.
	InsertJob(ctx context.Context, job models.JobRecord) error
	// UpdateJob replaces fields, content hash and last-seen time of an existing record.
	UpdateJob(ctx context.Context, job models.JobRecord) error
	// TouchJob only advances last-seen time.
	TouchJob(ctx context.Context, feedURL, sourceID string, seenAt time.Time) error
	CountJobs(ctx context.Context, feedURL string) (int64, error)
}

// LogQuery selects a page of import logs, most recent first.
type LogQuery struct {
	FeedURL string // optional filter
	Offset  int
	Limit   int
}

// ImportLogStore is append-only.
type ImportLogStore interface {
	InsertLog(ctx context.Context, log models.ImportLog) error
	ListLogs(ctx context.Context, q LogQuery) ([]models.ImportLog, int64, error)
}

// Storage interface defines the contract for data storage
type Storage interface {
	JobStore
	ImportLogStore
	Ping(ctx context.Context) error
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "dynamodb":
		return NewDynamoDBStorage(cfg)
	case "postgresql":
		return NewPostgreSQLStorage(ctx, cfg)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, errors.Newf("unsupported storage type: %s", cfg.Type)
	}
}
