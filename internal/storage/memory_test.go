package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

func TestMemoryStorage_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now().UTC()

	_, err := store.GetJob(ctx, "https://feed.example.com", "a")
	assert.True(t, errors.Is(err, ErrNotFound))

	job := models.JobRecord{
		FeedURL:     "https://feed.example.com",
		SourceID:    "a",
		Fields:      map[string]string{"title": "Engineer"},
		ContentHash: "h1",
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	require.NoError(t, store.InsertJob(ctx, job))

	err = store.InsertJob(ctx, job)
	assert.True(t, errors.Is(err, ErrConflict))

	later := now.Add(time.Hour)
	job.Fields = map[string]string{"title": "Senior Engineer"}
	job.ContentHash = "h2"
	job.LastSeenAt = later
	require.NoError(t, store.UpdateJob(ctx, job))

	got, err := store.GetJob(ctx, job.FeedURL, job.SourceID)
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)
	assert.Equal(t, "Senior Engineer", got.Fields["title"])
	assert.Equal(t, now, got.FirstSeenAt)
	assert.Equal(t, later, got.LastSeenAt)

	touched := later.Add(time.Hour)
	require.NoError(t, store.TouchJob(ctx, job.FeedURL, job.SourceID, touched))
	got, err = store.GetJob(ctx, job.FeedURL, job.SourceID)
	require.NoError(t, err)
	assert.Equal(t, touched, got.LastSeenAt)
	assert.Equal(t, "h2", got.ContentHash)

	err = store.TouchJob(ctx, job.FeedURL, "missing", touched)
	assert.True(t, errors.Is(err, ErrNotFound))

	n, err := store.CountJobs(ctx, job.FeedURL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStorage_SameSourceIDDifferentFeeds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	require.NoError(t, store.InsertJob(ctx, models.JobRecord{FeedURL: "https://a.example.com", SourceID: "1"}))
	require.NoError(t, store.InsertJob(ctx, models.JobRecord{FeedURL: "https://b.example.com", SourceID: "1"}))

	n, err := store.CountJobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStorage_ListLogsPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		require.NoError(t, store.InsertLog(ctx, models.ImportLog{
			ID:        fmt.Sprintf("log-%02d", i),
			FeedURL:   "https://feed.example.com",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	logs, total, err := store.ListLogs(ctx, LogQuery{Offset: 5, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)
	require.Len(t, logs, 5)
	assert.Equal(t, "log-06", logs[0].ID)
	assert.Equal(t, "log-02", logs[4].ID)
	for i := 1; i < len(logs); i++ {
		assert.True(t, logs[i-1].Timestamp.After(logs[i].Timestamp))
	}

	logs, total, err = store.ListLogs(ctx, LogQuery{Offset: 10, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)
	assert.Len(t, logs, 2)

	logs, _, err = store.ListLogs(ctx, LogQuery{Offset: 20, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMemoryStorage_ListLogsFeedFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	now := time.Now()

	require.NoError(t, store.InsertLog(ctx, models.ImportLog{ID: "1", FeedURL: "https://a.example.com", Timestamp: now}))
	require.NoError(t, store.InsertLog(ctx, models.ImportLog{ID: "2", FeedURL: "https://b.example.com", Timestamp: now}))

	logs, total, err := store.ListLogs(ctx, LogQuery{FeedURL: "https://b.example.com", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, logs, 1)
	assert.Equal(t, "2", logs[0].ID)
}

func TestNewStorage_Memory(t *testing.T) {
	store, err := NewStorage(context.Background(), config.StorageConfig{Type: "memory"})
	require.NoError(t, err)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestNewStorage_UnsupportedType(t *testing.T) {
	_, err := NewStorage(context.Background(), config.StorageConfig{Type: "redis"})
	require.Error(t, err)
	assert.Equal(t, "unsupported storage type: redis", err.Error())
}
