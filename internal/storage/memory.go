package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

type jobKey struct {
	feedURL  string
	sourceID string
}

// MemoryStorage implements Storage in process memory. It backs tests and
// single-process development runs; nothing survives a restart.
type MemoryStorage struct {
	mu   sync.RWMutex
	jobs map[jobKey]models.JobRecord
	logs []models.ImportLog
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{jobs: make(map[jobKey]models.JobRecord)}
}

func (m *MemoryStorage) GetJob(ctx context.Context, feedURL, sourceID string) (*models.JobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobKey{feedURL, sourceID}]
	if !ok {
		return nil, ErrNotFound
	}
	job.Fields = copyFields(job.Fields)
	return &job, nil
}

func (m *MemoryStorage) InsertJob(ctx context.Context, job models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobKey{job.FeedURL, job.SourceID}
	if _, ok := m.jobs[key]; ok {
		return errors.Wrapf(ErrConflict, "job %s already exists", job.SourceID)
	}
	job.Fields = copyFields(job.Fields)
	m.jobs[key] = job
	return nil
}

func (m *MemoryStorage) UpdateJob(ctx context.Context, job models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobKey{job.FeedURL, job.SourceID}
	existing, ok := m.jobs[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", job.SourceID)
	}
	existing.Fields = copyFields(job.Fields)
	existing.ContentHash = job.ContentHash
	existing.LastSeenAt = job.LastSeenAt
	m.jobs[key] = existing
	return nil
}

func (m *MemoryStorage) TouchJob(ctx context.Context, feedURL, sourceID string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobKey{feedURL, sourceID}
	existing, ok := m.jobs[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "job %s", sourceID)
	}
	existing.LastSeenAt = seenAt
	m.jobs[key] = existing
	return nil
}

func (m *MemoryStorage) CountJobs(ctx context.Context, feedURL string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for key := range m.jobs {
		if feedURL == "" || key.feedURL == feedURL {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStorage) InsertLog(ctx context.Context, log models.ImportLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.FailedJobs = append([]models.FailedJob(nil), log.FailedJobs...)
	m.logs = append(m.logs, log)
	return nil
}

func (m *MemoryStorage) ListLogs(ctx context.Context, q LogQuery) ([]models.ImportLog, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []models.ImportLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		if q.FeedURL == "" || m.logs[i].FeedURL == q.FeedURL {
			matched = append(matched, m.logs[i])
		}
	}
	// Newest insert first among equal timestamps.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := int64(len(matched))
	if q.Offset >= len(matched) {
		return []models.ImportLog{}, total, nil
	}
	end := len(matched)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], total, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func copyFields(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
