package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

const postgresQueueSchema = `
CREATE TABLE IF NOT EXISTS run_requests (
	id          TEXT        PRIMARY KEY,
	queue       TEXT        NOT NULL,
	feed_url    TEXT        NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	attempt     INTEGER     NOT NULL DEFAULT 0,
	status      TEXT        NOT NULL,
	visible_at  TIMESTAMPTZ NOT NULL,
	last_error  TEXT
);
CREATE INDEX IF NOT EXISTS run_requests_claim_idx ON run_requests (queue, status, visible_at);
`

// PostgresQueue claims rows with FOR UPDATE SKIP LOCKED so concurrent
// workers skip each other's claims instead of blocking.
type PostgresQueue struct {
	db         *sql.DB
	name       string
	visibility time.Duration
	now        func() time.Time
}

// NewPostgresQueue uses db for the run_requests table; name partitions it
func NewPostgresQueue(db *sql.DB, name string, visibility time.Duration) *PostgresQueue {
	return &PostgresQueue{
		db:         db,
		name:       name,
		visibility: visibility,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (q *PostgresQueue) ensureSchema(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, postgresQueueSchema); err != nil {
		return errors.Wrap(err, "failed to create queue schema")
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, req models.RunRequest) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO run_requests (id, queue, feed_url, enqueued_at, attempt, status, visible_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)`,
		req.ID, q.name, req.FeedURL, req.EnqueuedAt, req.Attempt, q.now(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue run for %s", req.FeedURL)
	}
	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.RunRequest, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE run_requests
		SET attempt = CASE WHEN status = 'running' THEN attempt + 1 ELSE attempt END,
			status = 'running', visible_at = $3
		WHERE id = (
			SELECT id FROM run_requests
			WHERE queue = $1 AND status IN ('pending', 'running') AND visible_at <= $2
			ORDER BY visible_at, enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, feed_url, enqueued_at, attempt`,
		q.name, now, now.Add(q.visibility),
	)

	var req models.RunRequest
	err := row.Scan(&req.ID, &req.FeedURL, &req.EnqueuedAt, &req.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim queue message")
	}
	req.EnqueuedAt = req.EnqueuedAt.UTC()
	return &req, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM run_requests WHERE id = $1`, id)
	return checkAffected(res, err, "ack", id)
}

func (q *PostgresQueue) Requeue(ctx context.Context, id string, attempt int, delay time.Duration) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE run_requests SET status = 'pending', attempt = $2, visible_at = $3 WHERE id = $1`,
		id, attempt, q.now().Add(delay),
	)
	return checkAffected(res, err, "requeue", id)
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, id string, reason string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE run_requests SET status = 'dead', last_error = $2 WHERE id = $1`,
		id, reason,
	)
	return checkAffected(res, err, "dead-letter", id)
}

func (q *PostgresQueue) Close() error {
	return q.db.Close()
}

// checkAffected turns a zero-row result into ErrNotFound. Shared with the
// SQLite backend.
func checkAffected(res sql.Result, err error, op, id string) error {
	if err != nil {
		return errors.Wrapf(err, "failed to %s %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to %s %s", op, id)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s %s", op, id)
	}
	return nil
}
