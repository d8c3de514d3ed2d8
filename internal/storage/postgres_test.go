package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

func newMockPostgres(t *testing.T) (*PostgreSQLStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgreSQLStorageWithDB(db), mock
}

func TestPostgreSQLStorage_GetJob(t *testing.T) {
	store, mock := newMockPostgres(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT feed_url, source_id, fields").
		WithArgs("https://feed.example.com", "42").
		WillReturnRows(sqlmock.NewRows([]string{"feed_url", "source_id", "fields", "content_hash", "first_seen_at", "last_seen_at"}).
			AddRow("https://feed.example.com", "42", []byte(`{"title":"Go Developer"}`), "abc", now, now))

	job, err := store.GetJob(context.Background(), "https://feed.example.com", "42")
	require.NoError(t, err)
	assert.Equal(t, "Go Developer", job.Fields["title"])
	assert.Equal(t, "abc", job.ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLStorage_GetJobNotFound(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT feed_url, source_id, fields").
		WithArgs("https://feed.example.com", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetJob(context.Background(), "https://feed.example.com", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLStorage_InsertJobConflict(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("https://feed.example.com", "42", sqlmock.AnyArg(), "abc", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.InsertJob(context.Background(), models.JobRecord{
		FeedURL:     "https://feed.example.com",
		SourceID:    "42",
		Fields:      map[string]string{"title": "Go Developer"},
		ContentHash: "abc",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLStorage_UpdateJobMissingRow(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectExec("UPDATE jobs SET fields").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateJob(context.Background(), models.JobRecord{FeedURL: "https://feed.example.com", SourceID: "42"})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLStorage_TouchJob(t *testing.T) {
	store, mock := newMockPostgres(t)
	seen := time.Now().UTC()

	mock.ExpectExec("UPDATE jobs SET last_seen_at").
		WithArgs("https://feed.example.com", "42", seen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.TouchJob(context.Background(), "https://feed.example.com", "42", seen))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLStorage_ConnectionFailureIsUnavailable(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO import_logs").
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

	err := store.InsertLog(context.Background(), models.ImportLog{ID: "1", FeedURL: "https://feed.example.com"})
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgreSQLStorage_ListLogs(t *testing.T) {
	store, mock := newMockPostgres(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM import_logs`).
		WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("SELECT id, feed_url, timestamp").
		WithArgs("", sqlmock.AnyArg(), 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "feed_url", "timestamp", "total_fetched", "new_jobs", "updated_jobs", "unchanged_jobs", "failed_jobs"}).
			AddRow("b", "https://feed.example.com", ts, 10, 7, 0, 2, []byte(`[{"reason":"normalization: missing title"}]`)).
			AddRow("a", "https://feed.example.com", ts.Add(-time.Hour), 3, 3, 0, 0, []byte(`[]`)))

	logs, total, err := store.ListLogs(context.Background(), LogQuery{Offset: 5, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)
	require.Len(t, logs, 2)
	assert.Equal(t, "b", logs[0].ID)
	assert.Equal(t, []models.FailedJob{{Reason: "normalization: missing title"}}, logs[0].FailedJobs)
	assert.Empty(t, logs[1].FailedJobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
