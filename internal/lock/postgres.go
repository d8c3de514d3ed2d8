package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"hash/fnv"

	"github.com/cyderes/job-import-service/internal/errors"
)

// PostgresAdvisoryManager implements Manager with session-level advisory
// locks. Each held lock pins one pooled connection until released; the lock
// disappears with the session if the worker dies.
type PostgresAdvisoryManager struct {
	db *sql.DB
}

// NewPostgresAdvisoryManager uses db for advisory locks
func NewPostgresAdvisoryManager(db *sql.DB) *PostgresAdvisoryManager {
	return &PostgresAdvisoryManager{db: db}
}

// AdvisoryKey maps a feed URL onto the 64-bit advisory lock space.
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func (m *PostgresAdvisoryManager) TryAcquire(ctx context.Context, key string) (Lock, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get connection for advisory lock")
	}

	id := AdvisoryKey(key)
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&ok); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to acquire advisory lock for %s", key)
	}
	if !ok {
		conn.Close()
		return nil, ErrLocked
	}
	return &advisoryLock{conn: conn, id: id}, nil
}

type advisoryLock struct {
	conn *sql.Conn
	id   int64
}

func (l *advisoryLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.id); err != nil {
		// Discard the session so the lock dies with it instead of going back to the pool.
		_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
		return errors.Wrap(err, "failed to release advisory lock")
	}
	return nil
}
