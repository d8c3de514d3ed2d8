package ingestion

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/fetcher"
	"github.com/cyderes/job-import-service/internal/lock"
	"github.com/cyderes/job-import-service/internal/logging"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/reconciler"
	"github.com/cyderes/job-import-service/internal/storage"
)

const feedURL = "https://jobicy.com/?feed=job_feed"

// MockFetcher is a mock implementation of the Fetcher interface
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, url string) ([]models.RawItem, error) {
	args := m.Called(ctx, url)
	items, _ := args.Get(0).([]models.RawItem)
	return items, args.Error(1)
}

// MockLogStore is a mock implementation of the ImportLogStore interface
type MockLogStore struct {
	mock.Mock
}

func (m *MockLogStore) InsertLog(ctx context.Context, log models.ImportLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockLogStore) ListLogs(ctx context.Context, q storage.LogQuery) ([]models.ImportLog, int64, error) {
	args := m.Called(ctx, q)
	return args.Get(0).([]models.ImportLog), args.Get(1).(int64), args.Error(2)
}

func testIngestionConfig() config.IngestionConfig {
	return config.IngestionConfig{
		Concurrency: 1,
		Timeout:     time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		VisibilityTimeout: time.Minute,
		MaxDeliveries:     5,
		RetryBackoff:      30 * time.Second,
	}
}

func items(n int) []models.RawItem {
	out := make([]models.RawItem, n)
	for i := range out {
		out[i] = models.RawItem{
			GUID:  fmt.Sprintf("https://jobicy.com/?p=%d", i),
			Title: fmt.Sprintf("Job %d", i),
		}
	}
	return out
}

func newTestCoordinator(f fetcher.Fetcher, logs storage.ImportLogStore, locks lock.Manager) (*Coordinator, *[]time.Duration) {
	store := storage.NewMemoryStorage()
	c := NewCoordinator(f, reconciler.New(store, logging.Nop()), logs, locks,
		testIngestionConfig(), testQueueConfig(), logging.Nop())

	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	c.newID = func() string { return "log-1" }
	return c, &waits
}

func TestCoordinator_CompletedRunWritesOneLog(t *testing.T) {
	mockFetcher := new(MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, feedURL).Return(items(4), nil).Once()

	mockLogs := new(MockLogStore)
	mockLogs.On("InsertLog", mock.Anything, mock.MatchedBy(func(l models.ImportLog) bool {
		return l.ID == "log-1" && l.FeedURL == feedURL && l.TotalFetched == 4 && l.NewJobs == 4
	})).Return(nil).Once()

	locks := lock.NewTable()
	c, _ := newTestCoordinator(mockFetcher, mockLogs, locks)
	started := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return started }

	var states []State
	c.WithObserver(func(_ models.RunRequest, s State) { states = append(states, s) })

	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-1", FeedURL: feedURL})

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, ActionAck, outcome.Action)
	require.NotNil(t, outcome.Log)
	assert.Equal(t, started, outcome.Log.Timestamp)
	assert.NotNil(t, outcome.Log.FailedJobs)
	assert.Equal(t, []State{StateReceived, StateFetching, StateReconciling, StateLogging, StateCompleted}, states)
	assert.False(t, locks.Held(feedURL), "lock released after completion")
	mockFetcher.AssertExpectations(t)
	mockLogs.AssertExpectations(t)
}

func TestCoordinator_TransientTimeoutsAbortAndRequeue(t *testing.T) {
	timeout := &fetcher.FetchError{URL: feedURL, Transient: true, Err: context.DeadlineExceeded}

	mockFetcher := new(MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, feedURL).Return(nil, timeout).Times(3)
	mockLogs := new(MockLogStore)

	locks := lock.NewTable()
	c, waits := newTestCoordinator(mockFetcher, mockLogs, locks)

	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-1", FeedURL: feedURL, Attempt: 0})

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, ActionRequeue, outcome.Action)
	assert.Equal(t, 1, outcome.Attempt)
	assert.Equal(t, 30*time.Second, outcome.Delay)
	assert.Nil(t, outcome.Log)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
	assert.False(t, locks.Held(feedURL))
	mockFetcher.AssertNumberOfCalls(t, "Fetch", 3)
	mockLogs.AssertNotCalled(t, "InsertLog", mock.Anything, mock.Anything)
}

func TestCoordinator_TransientExhaustedOnLastDeliveryDeadLetters(t *testing.T) {
	timeout := &fetcher.FetchError{URL: feedURL, Transient: true, Err: context.DeadlineExceeded}

	mockFetcher := new(MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, feedURL).Return(nil, timeout)
	mockLogs := new(MockLogStore)

	c, _ := newTestCoordinator(mockFetcher, mockLogs, lock.NewTable())
	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-1", FeedURL: feedURL, Attempt: 4})

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, ActionDeadLetter, outcome.Action)
	assert.Contains(t, outcome.Reason, "failed after 3 attempts")
	mockLogs.AssertNotCalled(t, "InsertLog", mock.Anything, mock.Anything)
}

func TestCoordinator_DeliveryLimitDeadLettersBeforeFetch(t *testing.T) {
	mockFetcher := new(MockFetcher)
	mockLogs := new(MockLogStore)
	locks := lock.NewTable()

	c, _ := newTestCoordinator(mockFetcher, mockLogs, locks)
	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-1", FeedURL: feedURL, Attempt: 5})

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, ActionDeadLetter, outcome.Action)
	assert.Equal(t, "delivery limit reached", outcome.Reason)
	assert.False(t, locks.Held(feedURL))
	mockFetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	mockLogs.AssertNotCalled(t, "InsertLog", mock.Anything, mock.Anything)
}

func TestCoordinator_PermanentFailureDeadLettersWithoutRetry(t *testing.T) {
	notFound := &fetcher.FetchError{URL: feedURL, Transient: false, Err: errors.New("feed returned status 404")}

	mockFetcher := new(MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, feedURL).Return(nil, notFound).Once()
	mockLogs := new(MockLogStore)

	c, waits := newTestCoordinator(mockFetcher, mockLogs, lock.NewTable())
	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-1", FeedURL: feedURL})

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, ActionDeadLetter, outcome.Action)
	assert.Empty(t, *waits)
	mockFetcher.AssertNumberOfCalls(t, "Fetch", 1)
	mockLogs.AssertNotCalled(t, "InsertLog", mock.Anything, mock.Anything)
}

func TestCoordinator_RetrySucceedsOnSecondAttempt(t *testing.T) {
	unavailable := &fetcher.FetchError{URL: feedURL, Transient: true, Err: errors.New("feed returned status 503")}

	mockFetcher := new(MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, feedURL).Return(nil, unavailable).Once()
	mockFetcher.On("Fetch", mock.Anything, feedURL).Return(items(2), nil).Once()
	mockLogs := new(MockLogStore)
	mockLogs.On("InsertLog", mock.Anything, mock.Anything).Return(nil).Once()

	c, waits := newTestCoordinator(mockFetcher, mockLogs, lock.NewTable())
	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-1", FeedURL: feedURL})

	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, []time.Duration{time.Second}, *waits)
	mockLogs.AssertExpectations(t)
}

func TestCoordinator_LockBusyRequeuesWithoutRunning(t *testing.T) {
	mockFetcher := new(MockFetcher)
	mockLogs := new(MockLogStore)
	locks := lock.NewTable()

	held, err := locks.TryAcquire(context.Background(), feedURL)
	require.NoError(t, err)
	defer held.Release(context.Background())

	c, _ := newTestCoordinator(mockFetcher, mockLogs, locks)
	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-2", FeedURL: feedURL, Attempt: 2})

	assert.Equal(t, StateReceived, outcome.State)
	assert.Equal(t, ActionRequeue, outcome.Action)
	assert.Equal(t, 2, outcome.Attempt, "lock contention does not spend a delivery")
	mockFetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestCoordinator_LogInsertFailureRequeues(t *testing.T) {
	mockFetcher := new(MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, feedURL).Return(items(1), nil)
	mockLogs := new(MockLogStore)
	mockLogs.On("InsertLog", mock.Anything, mock.Anything).Return(errors.Mark(assert.AnError, storage.ErrUnavailable))

	locks := lock.NewTable()
	c, _ := newTestCoordinator(mockFetcher, mockLogs, locks)
	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-1", FeedURL: feedURL})

	assert.Equal(t, StateLogging, outcome.State)
	assert.Equal(t, ActionRequeue, outcome.Action)
	assert.Equal(t, 1, outcome.Attempt)
	assert.False(t, locks.Held(feedURL))
}

func TestCoordinator_CountInvariant(t *testing.T) {
	batch := items(10)
	batch[3].Title = ""
	batch[7].GUID = ""

	mockFetcher := new(MockFetcher)
	mockFetcher.On("Fetch", mock.Anything, feedURL).Return(batch, nil)
	mockLogs := new(MockLogStore)
	mockLogs.On("InsertLog", mock.Anything, mock.Anything).Return(nil)

	c, _ := newTestCoordinator(mockFetcher, mockLogs, lock.NewTable())

	for run := 0; run < 2; run++ {
		outcome := c.Process(context.Background(), models.RunRequest{ID: fmt.Sprintf("run-%d", run), FeedURL: feedURL})
		require.Equal(t, StateCompleted, outcome.State)

		l := outcome.Log
		assert.Equal(t, l.TotalFetched, l.NewJobs+l.UpdatedJobs+l.UnchangedJobs+len(l.FailedJobs))
		assert.Len(t, l.FailedJobs, 2)
	}
}

func TestCoordinator_EndToEndWithHTTPFeed(t *testing.T) {
	rss := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Jobs</title>
<item><guid>job-1</guid><title>Go Engineer</title><link>https://example.com/1</link></item>
<item><guid>job-2</guid><title>SRE</title><link>https://example.com/2</link></item>
<item><guid>job-3</guid><link>https://example.com/3</link></item>
</channel></rss>`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rss))
	}))
	defer server.Close()

	store := storage.NewMemoryStorage()
	c := NewCoordinator(
		fetcher.NewHTTPFetcher(testIngestionConfig()),
		reconciler.New(store, logging.Nop()),
		store,
		lock.NewTable(),
		testIngestionConfig(),
		testQueueConfig(),
		logging.Nop(),
	)

	outcome := c.Process(context.Background(), models.RunRequest{ID: "run-1", FeedURL: server.URL})
	require.Equal(t, StateCompleted, outcome.State)

	logs, total, err := store.ListLogs(context.Background(), storage.LogQuery{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, 3, logs[0].TotalFetched)
	assert.Equal(t, 2, logs[0].NewJobs)
	assert.Equal(t, []models.FailedJob{{Reason: "normalization: missing title"}}, logs[0].FailedJobs)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(time.Second, 0, 30*time.Second))
	assert.Equal(t, 4*time.Second, backoff(time.Second, 2, 30*time.Second))
	assert.Equal(t, 30*time.Second, backoff(time.Second, 10, 30*time.Second))
	assert.Equal(t, 8*time.Second, backoff(time.Second, 3, 0))
}

// slowFetcher records how many fetches run concurrently for each feed.
type slowFetcher struct {
	mu        sync.Mutex
	active    map[string]int
	maxActive map[string]int
	delay     time.Duration
}

func (f *slowFetcher) Fetch(ctx context.Context, url string) ([]models.RawItem, error) {
	f.mu.Lock()
	f.active[url]++
	if f.active[url] > f.maxActive[url] {
		f.maxActive[url] = f.active[url]
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.active[url]--
	f.mu.Unlock()
	return items(1), nil
}
