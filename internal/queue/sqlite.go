package queue

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

const sqliteQueueSchema = `
CREATE TABLE IF NOT EXISTS run_requests (
	id          TEXT    PRIMARY KEY,
	queue       TEXT    NOT NULL,
	feed_url    TEXT    NOT NULL,
	enqueued_at TEXT    NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 0,
	status      TEXT    NOT NULL,
	visible_at  INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	last_error  TEXT
);
CREATE INDEX IF NOT EXISTS run_requests_claim_idx ON run_requests (queue, status, visible_at);
`

// SQLiteQueue is a single-node durable queue in a local SQLite file.
// visible_at is stored as unix milliseconds.
type SQLiteQueue struct {
	db         *sql.DB
	name       string
	visibility time.Duration
	now        func() time.Time
}

// OpenSQLiteQueue opens (or creates) the queue database at path.
// Pass ":memory:" for an in-memory database (used by tests).
func OpenSQLiteQueue(ctx context.Context, path, name string, visibility time.Duration) (*SQLiteQueue, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create queue directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open queue database")
	}
	// One connection avoids "database is locked" and keeps :memory: on a single database.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		sqliteQueueSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to initialize queue database")
		}
	}

	return &SQLiteQueue{
		db:         db,
		name:       name,
		visibility: visibility,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, req models.RunRequest) error {
	now := q.now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO run_requests (id, queue, feed_url, enqueued_at, attempt, status, visible_at, seq)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, COALESCE((SELECT MAX(seq) FROM run_requests), 0) + 1)`,
		req.ID, q.name, req.FeedURL, req.EnqueuedAt.UTC().Format(time.RFC3339Nano), req.Attempt, now.UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue run for %s", req.FeedURL)
	}
	return nil
}

func (q *SQLiteQueue) Dequeue(ctx context.Context) (*models.RunRequest, error) {
	now := q.now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	var req models.RunRequest
	var enqueuedAt string
	var visibleAt int64
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT id, feed_url, enqueued_at, attempt, status, visible_at FROM run_requests
		WHERE queue = ? AND status IN ('pending', 'running') AND visible_at <= ?
		ORDER BY visible_at ASC, seq ASC
		LIMIT 1`,
		q.name, now.UnixMilli(),
	).Scan(&req.ID, &req.FeedURL, &enqueuedAt, &req.Attempt, &status, &visibleAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select next message")
	}

	// An expired claim means the previous worker never settled it.
	if status == statusRunning {
		req.Attempt++
	}

	// visible_at in the predicate guards against a concurrent claim of the same row.
	res, err := tx.ExecContext(ctx,
		`UPDATE run_requests SET status = 'running', attempt = ?, visible_at = ? WHERE id = ? AND visible_at = ?`,
		req.Attempt, now.Add(q.visibility).UnixMilli(), req.ID, visibleAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim message")
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	if req.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse enqueued_at for %s", req.ID)
	}
	return &req, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM run_requests WHERE id = ?`, id)
	return checkAffected(res, err, "ack", id)
}

func (q *SQLiteQueue) Requeue(ctx context.Context, id string, attempt int, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE run_requests SET status = 'pending', attempt = ?, visible_at = ? WHERE id = ?`,
		attempt, q.now().Add(delay).UnixMilli(), id,
	)
	return checkAffected(res, err, "requeue", id)
}

func (q *SQLiteQueue) DeadLetter(ctx context.Context, id string, reason string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE run_requests SET status = 'dead', last_error = ? WHERE id = ?`,
		reason, id,
	)
	return checkAffected(res, err, "dead-letter", id)
}

// CountByStatus reports how many messages are in status ("pending", "running", "dead").
func (q *SQLiteQueue) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_requests WHERE queue = ? AND status = ?`, q.name, status,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return n, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
