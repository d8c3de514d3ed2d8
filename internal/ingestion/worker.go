package ingestion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/queue"
)

// Processor runs a single request to an outcome.
type Processor interface {
	Process(ctx context.Context, req models.RunRequest) Outcome
}

// Worker consumes RunRequests from the queue until its context is cancelled.
type Worker struct {
	id        int
	queue     queue.Queue
	processor Processor
	poll      time.Duration
	logger    *zap.SugaredLogger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 1s.
func NewWorker(id int, q queue.Queue, p Processor, pollInterval time.Duration, logger *zap.SugaredLogger) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		id:        id,
		queue:     q,
		processor: p,
		poll:      pollInterval,
		logger:    logger.With("worker", id),
	}
}

// Run polls for requests until ctx is cancelled. Failures of a single
// iteration are logged and never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infow("worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Infow("worker stopped")
			return nil
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Errorw("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			w.logger.Infow("worker stopped")
			return nil
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single request.
// Returns true if a request was processed (regardless of its outcome).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	req, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, errors.Wrap(err, "claiming run request")
	}
	if req == nil {
		return false, nil
	}

	outcome := w.process(ctx, *req)
	return true, w.settle(context.WithoutCancel(ctx), *req, outcome)
}

// process keeps a panicking run from taking the worker down. The message is
// requeued with the attempt spent.
func (w *Worker) process(ctx context.Context, req models.RunRequest) (o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Errorw("run panicked", "runId", req.ID, "feedUrl", req.FeedURL, "panic", r, zap.StackSkip("stack", 2))
			o = Outcome{
				State:   StateAborted,
				Action:  ActionRequeue,
				Attempt: req.Attempt + 1,
				Reason:  fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return w.processor.Process(ctx, req)
}

// settle applies the outcome to the queue. A failure here leaves the message
// claimed; it is redelivered once its visibility lease expires.
func (w *Worker) settle(ctx context.Context, req models.RunRequest, o Outcome) error {
	logger := w.logger.With("runId", req.ID, "feedUrl", req.FeedURL, "state", o.State, "action", o.Action.String())

	var err error
	switch o.Action {
	case ActionAck:
		err = w.queue.Ack(ctx, req.ID)
	case ActionRequeue:
		logger.Infow("requeueing run", "nextAttempt", o.Attempt, "delay", o.Delay, "reason", o.Reason)
		err = w.queue.Requeue(ctx, req.ID, o.Attempt, o.Delay)
	case ActionDeadLetter:
		logger.Errorw("dead-lettering run", "reason", o.Reason)
		err = w.queue.DeadLetter(ctx, req.ID, o.Reason)
	}
	if err != nil {
		return errors.Wrapf(err, "settling run %s with %s", req.ID, o.Action)
	}
	return nil
}

// RunWorkers starts n workers sharing q and p and blocks until all stop.
func RunWorkers(ctx context.Context, n int, q queue.Queue, p Processor, pollInterval time.Duration, logger *zap.SugaredLogger) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= n; i++ {
		w := NewWorker(i, q, p, pollInterval, logger)
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
