// Package scheduler turns the configured feed list into RunRequests on each
// feed's cron schedule. It only enqueues; it never waits for a run to finish.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/queue"
)

// Enqueuer is the part of the queue the scheduler writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, req models.RunRequest) error
}

// Scheduler owns one cron entry per feed.
type Scheduler struct {
	feeds      []config.FeedConfig
	queue      Enqueuer
	runOnStart bool
	logger     *zap.SugaredLogger
	now        func() time.Time
	cron       *cron.Cron
}

// New creates a Scheduler for feeds
func New(feeds []config.FeedConfig, q Enqueuer, cfg config.SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	cl := cronLogger{logger}
	return &Scheduler{
		feeds:      feeds,
		queue:      q,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
	}
}

// Run registers every feed and blocks until ctx is cancelled. Ticks that
// fire while the previous run is still in flight still enqueue;
// serialization is the worker's job.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, feed := range s.feeds {
		feedURL := feed.URL
		if _, err := s.cron.AddFunc(feed.Schedule, func() { s.Trigger(ctx, feedURL) }); err != nil {
			return errors.Wrapf(err, "feed %s: invalid schedule %q", feed.URL, feed.Schedule)
		}
	}

	if s.runOnStart {
		s.TriggerAll(ctx)
	}

	s.cron.Start()
	s.logger.Infow("scheduler started", "feeds", len(s.feeds))

	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.logger.Infow("scheduler stopped")
	return nil
}

// Trigger enqueues one run for feedURL. A failed enqueue skips this tick;
// there is no catch-up.
func (s *Scheduler) Trigger(ctx context.Context, feedURL string) bool {
	req := queue.NewRunRequest(feedURL, s.now())
	if err := s.queue.Enqueue(ctx, req); err != nil {
		s.logger.Warnw("failed to enqueue run, skipping tick", "feedUrl", feedURL, "error", err)
		return false
	}
	s.logger.Debugw("run enqueued", "feedUrl", feedURL, "runId", req.ID)
	return true
}

// TriggerAll enqueues one run for every configured feed and reports how
// many were accepted.
func (s *Scheduler) TriggerAll(ctx context.Context) int {
	n := 0
	for _, feed := range s.feeds {
		if s.Trigger(ctx, feed.URL) {
			n++
		}
	}
	return n
}

// cronLogger routes cron's own messages into zap. Cron's info output is
// per-wakeup noise, so it goes to debug.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
