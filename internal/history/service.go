// Package history answers paginated queries over the import log.
package history

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
	"github.com/cyderes/job-import-service/internal/storage"
)

// ErrInvalidParams marks malformed page or limit values.
var ErrInvalidParams = errors.New("invalid query parameters")

// Params is a validated history query.
type Params struct {
	Page    int
	Limit   int
	FeedURL string
}

// Pagination describes the page returned and the size of the whole result.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// Page is one page of import logs, newest first.
type Page struct {
	Logs       []models.ImportLog
	Pagination Pagination
}

// Service reads import logs for the history API and CLI.
type Service struct {
	store        storage.ImportLogStore
	defaultLimit int
	maxLimit     int
}

// NewService creates a history service with the configured limits
func NewService(store storage.ImportLogStore, cfg config.ServerConfig) *Service {
	return &Service{
		store:        store,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
	}
}

// ParseParams validates raw query values. Empty values take the defaults
// (page 1, the configured default limit).
func (s *Service) ParseParams(page, limit, feedURL string) (Params, error) {
	p := Params{Page: 1, Limit: s.defaultLimit, FeedURL: strings.TrimSpace(feedURL)}

	if page = strings.TrimSpace(page); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil || n < 1 {
			return Params{}, errors.Wrapf(ErrInvalidParams, "page must be a positive integer, got %q", page)
		}
		p.Page = n
	}
	if limit = strings.TrimSpace(limit); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			return Params{}, errors.Wrapf(ErrInvalidParams, "limit must be a positive integer, got %q", limit)
		}
		if n > s.maxLimit {
			return Params{}, errors.Wrapf(ErrInvalidParams, "limit must not exceed %d", s.maxLimit)
		}
		p.Limit = n
	}
	return p, nil
}

// Query returns one page of logs sorted by timestamp descending.
func (s *Service) Query(ctx context.Context, p Params) (*Page, error) {
	if p.Page < 1 || p.Limit < 1 || p.Limit > s.maxLimit {
		return nil, errors.Wrapf(ErrInvalidParams, "page %d limit %d", p.Page, p.Limit)
	}

	logs, total, err := s.store.ListLogs(ctx, storage.LogQuery{
		FeedURL: p.FeedURL,
		Offset:  offset(p.Page, p.Limit),
		Limit:   p.Limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list import logs")
	}

	for i := range logs {
		if logs[i].FailedJobs == nil {
			logs[i].FailedJobs = []models.FailedJob{}
		}
	}
	if logs == nil {
		logs = []models.ImportLog{}
	}

	return &Page{
		Logs: logs,
		Pagination: Pagination{
			Page:       p.Page,
			Limit:      p.Limit,
			Total:      total,
			TotalPages: int((total + int64(p.Limit) - 1) / int64(p.Limit)),
		},
	}, nil
}

// offset is the number of logs before page. Pages too far out to address
// saturate at math.MaxInt, which every backend answers with an empty page.
func offset(page, limit int) int {
	if page-1 > math.MaxInt/limit {
		return math.MaxInt
	}
	return (page - 1) * limit
}

// StatusCode maps a Query or ParseParams error onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
