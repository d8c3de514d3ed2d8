// Package ingestion runs import jobs: it takes one RunRequest from the queue
// through fetch, reconciliation and the import log, and tells the queue what
// to do with the message afterwards.
package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/fetcher"
	"github.com/cyderes/job-import-service/internal/lock"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/storage"
)

// State is the lifecycle position of a run.
type State string

const (
	StateReceived    State = "received"
	StateFetching    State = "fetching"
	StateReconciling State = "reconciling"
	StateLogging     State = "logging"
	StateCompleted   State = "completed"
	StateAborted     State = "aborted"
)

// Action tells the worker how to settle the queue message.
type Action int

const (
	ActionAck Action = iota
	ActionRequeue
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRequeue:
		return "requeue"
	case ActionDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// maxDeliveryDelay caps the exponential requeue delay.
const maxDeliveryDelay = time.Hour

// Outcome is the result of processing one RunRequest.
type Outcome struct {
	// State is where the run stopped. Completed and Aborted are terminal;
	// Received means the run never started (lock busy) and Logging means the
	// import log could not be written.
	State   State
	Action  Action
	Attempt int
	Delay   time.Duration
	Reason  string
	Log     *models.ImportLog
}

// Reconciler is the slice of reconciler.Reconciler the coordinator needs.
type Reconciler interface {
	Reconcile(ctx context.Context, feedURL string, items []models.RawItem) models.ReconcileResult
}

// Observer is notified on every state transition. Used for instrumentation.
type Observer func(req models.RunRequest, state State)

// Coordinator drives one run per RunRequest.
type Coordinator struct {
	fetcher    fetcher.Fetcher
	reconciler Reconciler
	logs       storage.ImportLogStore
	locks      lock.Manager
	cfg        config.IngestionConfig
	queueCfg   config.QueueConfig
	logger     *zap.SugaredLogger
	observer   Observer

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires a coordinator from its collaborators
func NewCoordinator(
	f fetcher.Fetcher,
	r Reconciler,
	logs storage.ImportLogStore,
	locks lock.Manager,
	cfg config.IngestionConfig,
	queueCfg config.QueueConfig,
	logger *zap.SugaredLogger,
) *Coordinator {
	return &Coordinator{
		fetcher:    f,
		reconciler: r,
		logs:       logs,
		locks:      locks,
		cfg:        cfg,
		queueCfg:   queueCfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		sleep:      sleepContext,
	}
}

// WithObserver registers fn for state transitions
func (c *Coordinator) WithObserver(fn Observer) *Coordinator {
	c.observer = fn
	return c
}

// Process runs req to a terminal state. It never returns an error: every
// failure is expressed as an Outcome the worker applies to the queue.
func (c *Coordinator) Process(ctx context.Context, req models.RunRequest) Outcome {
	logger := c.logger.With("runId", req.ID, "feedUrl", req.FeedURL, "attempt", req.Attempt)
	c.transition(req, StateReceived)

	// Expired claims bump the attempt without an outcome, so a run that
	// keeps killing its worker ends up here.
	if req.Attempt >= c.queueCfg.MaxDeliveries {
		logger.Errorw("delivery limit reached before run started", "maxDeliveries", c.queueCfg.MaxDeliveries)
		c.transition(req, StateAborted)
		return Outcome{
			State:   StateAborted,
			Action:  ActionDeadLetter,
			Attempt: req.Attempt,
			Reason:  "delivery limit reached",
		}
	}

	held, err := c.locks.TryAcquire(ctx, req.FeedURL)
	if errors.Is(err, lock.ErrLocked) {
		logger.Infow("feed already importing, deferring run")
		return Outcome{
			State:   StateReceived,
			Action:  ActionRequeue,
			Attempt: req.Attempt,
			Delay:   c.queueCfg.RetryBackoff,
			Reason:  "feed locked by another run",
		}
	}
	if err != nil {
		logger.Warnw("failed to acquire feed lock", "error", err)
		return c.retryOrDead(req, StateReceived, errors.Wrap(err, "lock"))
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Errorw("failed to release feed lock", "error", err)
		}
	}()

	startedAt := c.now()
	c.transition(req, StateFetching)
	items, err := c.fetchWithRetry(ctx, req.FeedURL, logger)
	if err != nil {
		c.transition(req, StateAborted)
		return c.abort(ctx, req, err, logger)
	}

	c.transition(req, StateReconciling)
	// Reconciliation runs to the end of the batch even if the worker is shutting down.
	result := c.reconciler.Reconcile(context.WithoutCancel(ctx), req.FeedURL, items)

	c.transition(req, StateLogging)
	entry := models.ImportLog{
		ID:            c.newID(),
		FeedURL:       req.FeedURL,
		Timestamp:     startedAt,
		TotalFetched:  len(items),
		NewJobs:       result.NewJobs,
		UpdatedJobs:   result.UpdatedJobs,
		UnchangedJobs: result.Unchanged,
		FailedJobs:    result.Failures,
	}
	if entry.FailedJobs == nil {
		entry.FailedJobs = []models.FailedJob{}
	}
	if err := c.logs.InsertLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Errorw("failed to write import log", "error", err)
		return c.retryOrDead(req, StateLogging, errors.Wrap(err, "import log"))
	}

	c.transition(req, StateCompleted)
	logger.Infow("import run completed",
		"totalFetched", entry.TotalFetched,
		"newJobs", entry.NewJobs,
		"updatedJobs", entry.UpdatedJobs,
		"unchangedJobs", entry.UnchangedJobs,
		"failedJobs", len(entry.FailedJobs),
		"duration", c.now().Sub(startedAt),
	)
	return Outcome{State: StateCompleted, Action: ActionAck, Attempt: req.Attempt, Log: &entry}
}

func (c *Coordinator) abort(ctx context.Context, req models.RunRequest, err error, logger *zap.SugaredLogger) Outcome {
	switch {
	case ctx.Err() != nil:
		// Shutdown mid-fetch is not the feed's fault.
		logger.Infow("run interrupted by shutdown", "error", err)
		return Outcome{State: StateAborted, Action: ActionRequeue, Attempt: req.Attempt, Reason: err.Error()}
	case fetcher.IsTransient(err):
		logger.Warnw("fetch failed after retries, aborting run", "error", err)
		return c.retryOrDead(req, StateAborted, err)
	default:
		logger.Errorw("fetch failed permanently, aborting run", "error", err)
		return Outcome{State: StateAborted, Action: ActionDeadLetter, Attempt: req.Attempt, Reason: err.Error()}
	}
}

// retryOrDead requeues with exponential delivery backoff until the delivery
// budget is spent, then dead-letters.
func (c *Coordinator) retryOrDead(req models.RunRequest, state State, err error) Outcome {
	next := req.Attempt + 1
	if next >= c.queueCfg.MaxDeliveries {
		return Outcome{State: state, Action: ActionDeadLetter, Attempt: req.Attempt, Reason: err.Error()}
	}
	return Outcome{
		State:   state,
		Action:  ActionRequeue,
		Attempt: next,
		Delay:   backoff(c.queueCfg.RetryBackoff, req.Attempt, maxDeliveryDelay),
		Reason:  err.Error(),
	}
}

// fetchWithRetry retries transient failures up to MaxAttempts total attempts.
func (c *Coordinator) fetchWithRetry(ctx context.Context, feedURL string, logger *zap.SugaredLogger) ([]models.RawItem, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		fetchCtx := ctx
		cancel := func() {}
		if c.cfg.Timeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		}
		items, err := c.fetcher.Fetch(fetchCtx, feedURL)
		cancel()
		if err == nil {
			return items, nil
		}

		lastErr = err
		if !fetcher.IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < c.cfg.MaxAttempts-1 {
			wait := backoff(c.cfg.BackoffBase, attempt, c.cfg.BackoffMax)
			logger.Warnw("fetch attempt failed, retrying", "fetchAttempt", attempt+1, "wait", wait, "error", err)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, lastErr
			}
		}
	}

	return nil, errors.Wrapf(lastErr, "failed after %d attempts", c.cfg.MaxAttempts)
}

func (c *Coordinator) transition(req models.RunRequest, s State) {
	if c.observer != nil {
		c.observer(req, s)
	}
}

// backoff returns base * 2^attempt, capped at max when max > 0.
func backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
