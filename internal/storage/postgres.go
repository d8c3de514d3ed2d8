package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	feed_url      TEXT        NOT NULL,
	source_id     TEXT        NOT NULL,
	fields        JSONB       NOT NULL,
	content_hash  TEXT        NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (feed_url, source_id)
);
CREATE TABLE IF NOT EXISTS import_logs (
	id             TEXT        PRIMARY KEY,
	feed_url       TEXT        NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL,
	total_fetched  INTEGER     NOT NULL,
	new_jobs       INTEGER     NOT NULL,
	updated_jobs   INTEGER     NOT NULL,
	unchanged_jobs INTEGER     NOT NULL,
	failed_jobs    JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS import_logs_timestamp_idx ON import_logs (timestamp DESC);
CREATE INDEX IF NOT EXISTS import_logs_feed_timestamp_idx ON import_logs (feed_url, timestamp DESC);
`

// PostgreSQLStorage implements Storage on PostgreSQL through lib/pq.
type PostgreSQLStorage struct {
	db *sql.DB
}

// NewPostgreSQLStorage opens the database and creates the schema if missing
func NewPostgreSQLStorage(ctx context.Context, cfg config.StorageConfig) (*PostgreSQLStorage, error) {
	db, err := OpenPostgres(ctx, cfg.PostgresURI)
	if err != nil {
		return nil, err
	}

	store := NewPostgreSQLStorageWithDB(db)
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create postgres schema")
	}
	return store, nil
}

// OpenPostgres opens a lib/pq connection pool and pings it.
func OpenPostgres(ctx context.Context, uri string) (*sql.DB, error) {
	if uri == "" {
		return nil, errors.New("POSTGRES_URI is required")
	}
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Mark(errors.Wrap(err, "failed to ping postgres"), ErrUnavailable)
	}
	return db, nil
}

// NewPostgreSQLStorageWithDB wraps an open database handle.
func NewPostgreSQLStorageWithDB(db *sql.DB) *PostgreSQLStorage {
	return &PostgreSQLStorage{db: db}
}

func (p *PostgreSQLStorage) ensureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, postgresSchema)
	return err
}

func (p *PostgreSQLStorage) GetJob(ctx context.Context, feedURL, sourceID string) (*models.JobRecord, error) {
	var job models.JobRecord
	var fields []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT feed_url, source_id, fields, content_hash, first_seen_at, last_seen_at
		FROM jobs WHERE feed_url = $1 AND source_id = $2`, feedURL, sourceID,
	).Scan(&job.FeedURL, &job.SourceID, &fields, &job.ContentHash, &job.FirstSeenAt, &job.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPostgresErr(err, "failed to get job %s", sourceID)
	}
	if err := json.Unmarshal(fields, &job.Fields); err != nil {
		return nil, errors.Wrapf(err, "failed to decode fields of job %s", sourceID)
	}
	return &job, nil
}

func (p *PostgreSQLStorage) InsertJob(ctx context.Context, job models.JobRecord) error {
	fields, err := json.Marshal(job.Fields)
	if err != nil {
		return errors.Wrapf(err, "failed to encode fields of job %s", job.SourceID)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (feed_url, source_id, fields, content_hash, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		job.FeedURL, job.SourceID, fields, job.ContentHash, job.FirstSeenAt.UTC(), job.LastSeenAt.UTC(),
	)
	if err != nil {
		return classifyPostgresErr(err, "failed to insert job %s", job.SourceID)
	}
	return nil
}

func (p *PostgreSQLStorage) UpdateJob(ctx context.Context, job models.JobRecord) error {
	fields, err := json.Marshal(job.Fields)
	if err != nil {
		return errors.Wrapf(err, "failed to encode fields of job %s", job.SourceID)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET fields = $3, content_hash = $4, last_seen_at = $5
		WHERE feed_url = $1 AND source_id = $2`,
		job.FeedURL, job.SourceID, fields, job.ContentHash, job.LastSeenAt.UTC(),
	)
	if err != nil {
		return classifyPostgresErr(err, "failed to update job %s", job.SourceID)
	}
	return expectOneRow(res, job.SourceID)
}

func (p *PostgreSQLStorage) TouchJob(ctx context.Context, feedURL, sourceID string, seenAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET last_seen_at = $3 WHERE feed_url = $1 AND source_id = $2`,
		feedURL, sourceID, seenAt.UTC(),
	)
	if err != nil {
		return classifyPostgresErr(err, "failed to touch job %s", sourceID)
	}
	return expectOneRow(res, sourceID)
}

func (p *PostgreSQLStorage) CountJobs(ctx context.Context, feedURL string) (int64, error) {
	var n int64
	var err error
	if feedURL == "" {
		err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	} else {
		err = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE feed_url = $1`, feedURL).Scan(&n)
	}
	if err != nil {
		return 0, classifyPostgresErr(err, "failed to count jobs")
	}
	return n, nil
}

// InsertLog writes the run summary as one row; a single INSERT is atomic.
func (p *PostgreSQLStorage) InsertLog(ctx context.Context, log models.ImportLog) error {
	failed := log.FailedJobs
	if failed == nil {
		failed = []models.FailedJob{}
	}
	failedJSON, err := json.Marshal(failed)
	if err != nil {
		return errors.Wrap(err, "failed to encode failed jobs")
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO import_logs (id, feed_url, timestamp, total_fetched, new_jobs, updated_jobs, unchanged_jobs, failed_jobs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.FeedURL, log.Timestamp.UTC(), log.TotalFetched, log.NewJobs, log.UpdatedJobs, log.UnchangedJobs, failedJSON,
	)
	if err != nil {
		return classifyPostgresErr(err, "failed to insert import log for %s", log.FeedURL)
	}
	return nil
}

func (p *PostgreSQLStorage) ListLogs(ctx context.Context, q LogQuery) ([]models.ImportLog, int64, error) {
	var total int64
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM import_logs WHERE ($1 = '' OR feed_url = $1)`, q.FeedURL,
	).Scan(&total); err != nil {
		return nil, 0, classifyPostgresErr(err, "failed to count import logs")
	}

	limit := sql.NullInt64{Int64: int64(q.Limit), Valid: q.Limit > 0}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, feed_url, timestamp, total_fetched, new_jobs, updated_jobs, unchanged_jobs, failed_jobs
		FROM import_logs
		WHERE ($1 = '' OR feed_url = $1)
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`, q.FeedURL, limit, q.Offset,
	)
	if err != nil {
		return nil, 0, classifyPostgresErr(err, "failed to query import logs")
	}
	defer rows.Close()

	logs := []models.ImportLog{}
	for rows.Next() {
		var l models.ImportLog
		var failed []byte
		if err := rows.Scan(&l.ID, &l.FeedURL, &l.Timestamp, &l.TotalFetched, &l.NewJobs,
			&l.UpdatedJobs, &l.UnchangedJobs, &failed); err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan import log")
		}
		if err := json.Unmarshal(failed, &l.FailedJobs); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to decode failed jobs of log %s", l.ID)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyPostgresErr(err, "failed to iterate import logs")
	}
	return logs, total, nil
}

func (p *PostgreSQLStorage) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errors.Mark(errors.Wrap(err, "postgres ping failed"), ErrUnavailable)
	}
	return nil
}

func (p *PostgreSQLStorage) Close() error {
	return p.db.Close()
}

func expectOneRow(res sql.Result, sourceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "job %s", sourceID)
	}
	return nil
}

// classifyPostgresErr marks unique violations as conflicts and network or
// connection-class failures as unavailability.
func classifyPostgresErr(err error, format string, args ...interface{}) error {
	wrapped := errors.Wrapf(err, format, args...)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return errors.Mark(wrapped, ErrConflict)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return errors.Mark(wrapped, ErrUnavailable)
		}
		return wrapped
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(wrapped, ErrUnavailable)
	}
	return wrapped
}
