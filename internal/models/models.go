package models

import (
	"net/url"
	"strings"
	"time"

	"github.com/cyderes/job-import-service/internal/errors"
)

// ErrInvalidFeedURL is returned for feed URLs that are not absolute http(s) URLs.
var ErrInvalidFeedURL = errors.New("invalid feed url")

// JobRecord is a job posting as persisted in the job store.
// (FeedURL, SourceID) is unique across the store.
type JobRecord struct {
	FeedURL     string            `json:"feedUrl" bson:"feedUrl" dynamodbav:"feedUrl"`
	SourceID    string            `json:"sourceId" bson:"sourceId" dynamodbav:"sourceId"`
	Fields      map[string]string `json:"fields" bson:"fields" dynamodbav:"fields"`
	ContentHash string            `json:"contentHash" bson:"contentHash" dynamodbav:"contentHash"`
	FirstSeenAt time.Time         `json:"firstSeenAt" bson:"firstSeenAt" dynamodbav:"firstSeenAt"`
	LastSeenAt  time.Time         `json:"lastSeenAt" bson:"lastSeenAt" dynamodbav:"lastSeenAt"`
}

// FailedJob describes one feed item that could not be reconciled.
type FailedJob struct {
	Reason string `json:"reason" bson:"reason" dynamodbav:"reason"`
}

// ImportLog summarizes one completed run. It is written once and never mutated.
type ImportLog struct {
	ID            string      `json:"_id" bson:"_id" dynamodbav:"id"`
	FeedURL       string      `json:"feedUrl" bson:"feedUrl" dynamodbav:"feedUrl"`
	Timestamp     time.Time   `json:"timestamp" bson:"timestamp" dynamodbav:"timestamp"`
	TotalFetched  int         `json:"totalFetched" bson:"totalFetched" dynamodbav:"totalFetched"`
	NewJobs       int         `json:"newJobs" bson:"newJobs" dynamodbav:"newJobs"`
	UpdatedJobs   int         `json:"updatedJobs" bson:"updatedJobs" dynamodbav:"updatedJobs"`
	UnchangedJobs int         `json:"unchangedJobs" bson:"unchangedJobs" dynamodbav:"unchangedJobs"`
	FailedJobs    []FailedJob `json:"failedJobs" bson:"failedJobs" dynamodbav:"failedJobs"`
}

// RunRequest is the queue message that triggers one run for a feed.
type RunRequest struct {
	ID         string    `json:"id"`
	FeedURL    string    `json:"feedUrl"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempt    int       `json:"attempt"`
}

// RawItem is a feed entry as returned by the fetcher, before normalization.
type RawItem struct {
	GUID        string            `json:"guid,omitempty"`
	Link        string            `json:"link,omitempty"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Content     string            `json:"content,omitempty"`
	Published   *time.Time        `json:"published,omitempty"`
	Categories  []string          `json:"categories,omitempty"`
	Extensions  map[string]string `json:"extensions,omitempty"`
}

// ReconcileResult aggregates the outcome of reconciling one batch.
// Failures are in input order.
type ReconcileResult struct {
	NewJobs     int
	UpdatedJobs int
	Unchanged   int
	Failures    []FailedJob
}

// Total is the number of items the result accounts for.
func (r ReconcileResult) Total() int {
	return r.NewJobs + r.UpdatedJobs + r.Unchanged + len(r.Failures)
}

// ValidateFeedURL checks that raw is an absolute http or https URL.
func ValidateFeedURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "parse %q", raw), ErrInvalidFeedURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Wrapf(ErrInvalidFeedURL, "%q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return errors.Wrapf(ErrInvalidFeedURL, "%q: missing host", raw)
	}
	return nil
}
