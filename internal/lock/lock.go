// Package lock provides per-feed mutual exclusion for import runs.
package lock

import (
	"context"
	"sync"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/storage"
)

// ErrLocked is returned by TryAcquire when another run holds the key.
var ErrLocked = errors.New("lock held by another run")

// Lock is a held lock. Release must be called exactly once.
type Lock interface {
	Release(ctx context.Context) error
}

// Manager hands out exclusive locks keyed by string (the feed URL).
type Manager interface {
	// TryAcquire never blocks waiting for the holder; it returns ErrLocked instead.
	TryAcquire(ctx context.Context, key string) (Lock, error)
}

// NewManager creates a lock manager based on configuration. The returned
// close function releases any connection the manager opened.
func NewManager(ctx context.Context, cfg config.LockConfig, scfg config.StorageConfig) (Manager, func() error, error) {
	switch cfg.Type {
	case "memory":
		return NewTable(), func() error { return nil }, nil
	case "mongodb":
		client, err := storage.ConnectMongo(ctx, scfg.MongoDBURI)
		if err != nil {
			return nil, nil, err
		}
		coll := client.Database(scfg.MongoDBDatabase).Collection("feed_locks")
		return NewMongoLeaseManager(coll, cfg.TTL), func() error { return client.Disconnect(context.Background()) }, nil
	case "postgresql":
		db, err := storage.OpenPostgres(ctx, scfg.PostgresURI)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresAdvisoryManager(db), db.Close, nil
	default:
		return nil, nil, errors.Newf("unsupported lock type: %s", cfg.Type)
	}
}

// Table is an in-process keyed lock table. It serializes runs within one
// process; multi-process deployments use the MongoDB or PostgreSQL managers.
type Table struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewTable creates an empty lock table
func NewTable() *Table {
	return &Table{held: make(map[string]struct{})}
}

func (t *Table) TryAcquire(ctx context.Context, key string) (Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.held[key]; ok {
		return nil, ErrLocked
	}
	t.held[key] = struct{}{}
	return &tableLock{table: t, key: key}, nil
}

// Held reports whether key is currently locked.
func (t *Table) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[key]
	return ok
}

type tableLock struct {
	table *Table
	key   string
	once  sync.Once
}

func (l *tableLock) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.table.mu.Lock()
		delete(l.table.held, l.key)
		l.table.mu.Unlock()
	})
	return nil
}
