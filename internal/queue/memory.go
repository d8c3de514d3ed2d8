package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

type memoryEntry struct {
	req       models.RunRequest
	status    string
	visibleAt time.Time
	lastError string
	seq       int
}

// MemoryQueue is an in-process queue for single-binary deployments and tests.
// Messages do not survive a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	seq        int
	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		entries:    make(map[string]*memoryEntry),
		visibility: visibility,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, req models.RunRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[req.ID]; ok {
		return errors.Newf("message %s already enqueued", req.ID)
	}
	q.seq++
	q.entries[req.ID] = &memoryEntry{req: req, status: statusPending, visibleAt: q.now(), seq: q.seq}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*models.RunRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var next *memoryEntry
	for _, e := range q.entries {
		if e.status == statusDead || e.visibleAt.After(now) {
			continue
		}
		if next == nil || e.visibleAt.Before(next.visibleAt) ||
			(e.visibleAt.Equal(next.visibleAt) && e.seq < next.seq) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}

	// An expired claim means the previous worker never settled it.
	if next.status == statusRunning {
		next.req.Attempt++
	}
	next.status = statusRunning
	next.visibleAt = now.Add(q.visibility)
	req := next.req
	return &req, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return errors.Wrapf(ErrNotFound, "ack %s", id)
	}
	delete(q.entries, id)
	return nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id string, attempt int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "requeue %s", id)
	}
	e.req.Attempt = attempt
	e.status = statusPending
	e.visibleAt = q.now().Add(delay)
	return nil
}

func (q *MemoryQueue) DeadLetter(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "dead-letter %s", id)
	}
	e.status = statusDead
	e.lastError = reason
	return nil
}

// DeadLetters returns the parked messages, oldest first.
func (q *MemoryQueue) DeadLetters() []models.RunRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []*memoryEntry
	for _, e := range q.entries {
		if e.status == statusDead {
			dead = append(dead, e)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].seq < dead[j].seq })

	out := make([]models.RunRequest, len(dead))
	for i, e := range dead {
		out[i] = e.req
	}
	return out
}

// Len counts messages that are not dead-lettered.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.status != statusDead {
			n++
		}
	}
	return n
}

func (q *MemoryQueue) Close() error {
	return nil
}
