// Package reconciler classifies fetched feed items against the job store and
// applies the resulting inserts and updates.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/storage"
)

// Field names stored on every job record.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldLink        = "link"
	FieldLocation    = "location"
	FieldCompany     = "company"
	FieldJobType     = "jobType"
	FieldCategories  = "categories"
	FieldPostedAt    = "postedAt"
)

// NormalizationError is returned for items missing a required field.
type NormalizationError struct {
	Field string
}

func (e *NormalizationError) Error() string {
	return "missing " + e.Field
}

// Candidate is a normalized item ready for comparison with the store.
type Candidate struct {
	SourceID    string
	Fields      map[string]string
	ContentHash string
}

// Reconciler applies a batch of raw items to the job store.
type Reconciler struct {
	store  storage.JobStore
	now    func() time.Time
	logger *zap.SugaredLogger
}

// New creates a Reconciler over the given job store
func New(store storage.JobStore, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Reconcile processes every item, in order, and never stops early: per-item
// failures are recorded and the next item is processed.
func (r *Reconciler) Reconcile(ctx context.Context, feedURL string, items []models.RawItem) models.ReconcileResult {
	result := models.ReconcileResult{Failures: []models.FailedJob{}}
	seenAt := r.now()

	for i, item := range items {
		candidate, err := Normalize(item)
		if err != nil {
			result.Failures = append(result.Failures, models.FailedJob{Reason: "normalization: " + err.Error()})
			r.logger.Debugw("item failed normalization", "feedUrl", feedURL, "index", i, "error", err)
			continue
		}

		outcome, err := r.apply(ctx, feedURL, candidate, seenAt)
		if err != nil {
			result.Failures = append(result.Failures, models.FailedJob{Reason: "store: " + err.Error()})
			r.logger.Warnw("item failed to persist", "feedUrl", feedURL, "sourceId", candidate.SourceID, "error", err)
			continue
		}

		switch outcome {
		case outcomeNew:
			result.NewJobs++
		case outcomeUpdated:
			result.UpdatedJobs++
		case outcomeUnchanged:
			result.Unchanged++
		}
	}

	return result
}

type outcome int

const (
	outcomeNew outcome = iota
	outcomeUpdated
	outcomeUnchanged
)

func (r *Reconciler) apply(ctx context.Context, feedURL string, c Candidate, seenAt time.Time) (outcome, error) {
	existing, err := r.store.GetJob(ctx, feedURL, c.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		err = r.store.InsertJob(ctx, models.JobRecord{
			FeedURL:     feedURL,
			SourceID:    c.SourceID,
			Fields:      c.Fields,
			ContentHash: c.ContentHash,
			FirstSeenAt: seenAt,
			LastSeenAt:  seenAt,
		})
		if err != nil {
			return 0, err
		}
		return outcomeNew, nil
	}
	if err != nil {
		return 0, err
	}

	if existing.ContentHash == c.ContentHash {
		if err := r.store.TouchJob(ctx, feedURL, c.SourceID, seenAt); err != nil {
			return 0, err
		}
		return outcomeUnchanged, nil
	}

	existing.Fields = c.Fields
	existing.ContentHash = c.ContentHash
	existing.LastSeenAt = seenAt
	if err := r.store.UpdateJob(ctx, *existing); err != nil {
		return 0, err
	}
	return outcomeUpdated, nil
}

// Normalize maps a raw feed item onto the stored field set. The source id is
// the item GUID, falling back to its link; a title is required.
func Normalize(item models.RawItem) (Candidate, error) {
	sourceID := strings.TrimSpace(item.GUID)
	if sourceID == "" {
		sourceID = strings.TrimSpace(item.Link)
	}
	if sourceID == "" {
		return Candidate{}, &NormalizationError{Field: "id"}
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return Candidate{}, &NormalizationError{Field: "title"}
	}

	fields := map[string]string{
		FieldTitle: title,
	}
	setIf(fields, FieldLink, item.Link)
	description := item.Description
	if strings.TrimSpace(item.Content) != "" {
		description = item.Content
	}
	setIf(fields, FieldDescription, description)
	setIf(fields, FieldLocation, firstOf(item.Extensions, "location", "region"))
	setIf(fields, FieldCompany, firstOf(item.Extensions, "company", "company_name"))
	setIf(fields, FieldJobType, firstOf(item.Extensions, "job_type", "type", "jobType"))
	if len(item.Categories) > 0 {
		cats := append([]string(nil), item.Categories...)
		sort.Strings(cats)
		fields[FieldCategories] = strings.Join(cats, ",")
	}
	if item.Published != nil {
		fields[FieldPostedAt] = item.Published.UTC().Format(time.RFC3339)
	}

	hash, err := ContentHash(fields)
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{SourceID: sourceID, Fields: fields, ContentHash: hash}, nil
}

// ContentHash is the hex SHA-256 of the fields encoded as JSON with sorted keys.
func ContentHash(fields map[string]string) (string, error) {
	// encoding/json writes map keys in sorted order, so the digest is stable.
	b, err := json.Marshal(fields)
	if err != nil {
		return "", errors.Wrap(err, "hash fields")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func setIf(fields map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		fields[key] = v
	}
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
