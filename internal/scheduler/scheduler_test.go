package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/logging"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/queue"
)

// MockEnqueuer is a mock implementation of the Enqueuer interface
type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, req models.RunRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// entryFor finds the cron entry registered with a constant delay of d.
func entryFor(s *Scheduler, d time.Duration) (cron.Entry, bool) {
	for _, e := range s.cron.Entries() {
		if every, ok := e.Schedule.(cron.ConstantDelaySchedule); ok && every.Delay == d {
			return e, true
		}
	}
	return cron.Entry{}, false
}

func TestScheduler_EnqueuesPerFeedOnEachTick(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	feeds := []config.FeedConfig{
		{URL: "https://a.example.com/rss", Schedule: "@every 1h"},
		{URL: "https://b.example.com/rss", Schedule: "@every 30m"},
	}
	s := New(feeds, q, config.SchedulerConfig{RunOnStart: true}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, 5*time.Millisecond,
		"run on start enqueues every feed once")
	require.Len(t, s.cron.Entries(), 2)

	hourly, ok := entryFor(s, time.Hour)
	require.True(t, ok)
	halfHourly, ok := entryFor(s, 30*time.Minute)
	require.True(t, ok)

	halfHourly.Job.Run()
	halfHourly.Job.Run()
	hourly.Job.Run()
	assert.Equal(t, 5, q.Len())

	cancel()
	require.NoError(t, <-done)

	perFeed := map[string]int{}
	for {
		req, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		if req == nil {
			break
		}
		assert.Equal(t, 0, req.Attempt)
		assert.NotEmpty(t, req.ID)
		perFeed[req.FeedURL]++
	}
	assert.Equal(t, 2, perFeed["https://a.example.com/rss"])
	assert.Equal(t, 3, perFeed["https://b.example.com/rss"])
}

func TestScheduler_CronFires(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	feeds := []config.FeedConfig{{URL: "https://a.example.com/rss", Schedule: "@every 1s"}}
	s := New(feeds, q, config.SchedulerConfig{}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Len() >= 1 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_StandardCronSpec(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	feeds := []config.FeedConfig{{URL: "https://a.example.com/rss", Schedule: "0,30 * * * *"}}
	s := New(feeds, q, config.SchedulerConfig{}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.cron.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	from := time.Date(2024, 1, 1, 9, 10, 0, 0, time.UTC)
	next := s.cron.Entries()[0].Schedule.Next(from)
	assert.True(t, time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC).Equal(next), "next run %s", next)

	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_InvalidScheduleFailsRun(t *testing.T) {
	feeds := []config.FeedConfig{{URL: "https://a.example.com/rss", Schedule: "every so often"}}
	s := New(feeds, queue.NewMemoryQueue(time.Minute), config.SchedulerConfig{RunOnStart: true}, logging.Nop())

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestScheduler_EnqueueFailureSkipsTick(t *testing.T) {
	mockQueue := new(MockEnqueuer)
	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(assert.AnError).Once()
	mockQueue.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once()

	feeds := []config.FeedConfig{{URL: "https://a.example.com/rss", Schedule: "@hourly"}}
	s := New(feeds, mockQueue, config.SchedulerConfig{}, logging.Nop())

	assert.False(t, s.Trigger(context.Background(), feeds[0].URL))
	assert.True(t, s.Trigger(context.Background(), feeds[0].URL))
	mockQueue.AssertNumberOfCalls(t, "Enqueue", 2)
}

func TestScheduler_TriggerAll(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	feeds := []config.FeedConfig{
		{URL: "https://a.example.com/rss", Schedule: "@hourly"},
		{URL: "https://b.example.com/rss", Schedule: "@hourly"},
		{URL: "https://c.example.com/rss", Schedule: "@hourly"},
	}
	s := New(feeds, q, config.SchedulerConfig{}, logging.Nop())

	assert.Equal(t, 3, s.TriggerAll(context.Background()))
	assert.Equal(t, 3, q.Len())
}

func TestScheduler_NoRunOnStart(t *testing.T) {
	q := queue.NewMemoryQueue(time.Minute)
	feeds := []config.FeedConfig{{URL: "https://a.example.com/rss", Schedule: "@every 1h"}}
	s := New(feeds, q, config.SchedulerConfig{RunOnStart: false}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.cron.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, q.Len())

	cancel()
	require.NoError(t, <-done)
}
