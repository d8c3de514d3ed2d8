// Package fetcher retrieves feed documents over HTTP and turns them into raw items.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

// ErrInvalidFeedURL is returned before any network call for malformed URLs.
var ErrInvalidFeedURL = models.ErrInvalidFeedURL

// FetchError describes a failed fetch. Transient errors are worth retrying.
type FetchError struct {
	URL       string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a FetchError marked transient.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// Fetcher is the interface the coordinator depends on.
type Fetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]models.RawItem, error)
}

// HTTPFetcher downloads and parses RSS, Atom and JSON feeds.
type HTTPFetcher struct {
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxBodyBytes int64
	userAgent    string
}

// NewHTTPFetcher creates a fetcher from the ingestion configuration
func NewHTTPFetcher(cfg config.IngestionConfig) *HTTPFetcher {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter:      rate.NewLimiter(limit, 1),
		maxBodyBytes: maxBody,
		userAgent:    cfg.UserAgent,
	}
}

// Fetch performs a single attempt. The body is read completely and parsed
// before returning, so callers either get every item or an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, feedURL string) ([]models.RawItem, error) {
	if err := models.ValidateFeedURL(feedURL); err != nil {
		return nil, err
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: feedURL, Transient: true, Err: errors.Wrap(err, "rate limiter")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to create request"), ErrInvalidFeedURL)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URL: feedURL, Transient: isTransientNetErr(err), Err: errors.Wrap(err, "failed to make request")}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{
			URL:       feedURL,
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout,
			Err:       errors.Newf("feed returned status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, &FetchError{URL: feedURL, Transient: true, Err: errors.Wrap(err, "failed to read response body")}
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, &FetchError{URL: feedURL, Transient: false, Err: errors.Newf("feed body exceeds %d bytes", f.maxBodyBytes)}
	}

	items, err := Parse(body)
	if err != nil {
		return nil, &FetchError{URL: feedURL, Transient: false, Err: err}
	}
	return items, nil
}

// Parse decodes an RSS, Atom or JSON feed document into raw items.
func Parse(body []byte) ([]models.RawItem, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse feed")
	}

	items := make([]models.RawItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		items = append(items, toRawItem(it))
	}
	return items, nil
}

func toRawItem(it *gofeed.Item) models.RawItem {
	raw := models.RawItem{
		GUID:        strings.TrimSpace(it.GUID),
		Link:        strings.TrimSpace(it.Link),
		Title:       strings.TrimSpace(it.Title),
		Description: it.Description,
		Content:     it.Content,
		Published:   it.PublishedParsed,
		Categories:  it.Categories,
		Extensions:  map[string]string{},
	}
	if raw.Published == nil {
		raw.Published = it.UpdatedParsed
	}

	// Job boards publish location, company and type as namespaced
	// elements (e.g. job_listing:location); flatten them by local name.
	for _, byName := range it.Extensions {
		for name, exts := range byName {
			if len(exts) > 0 && strings.TrimSpace(exts[0].Value) != "" {
				raw.Extensions[name] = strings.TrimSpace(exts[0].Value)
			}
		}
	}
	for k, v := range it.Custom {
		if strings.TrimSpace(v) != "" {
			raw.Extensions[k] = strings.TrimSpace(v)
		}
	}
	if len(it.Authors) > 0 && it.Authors[0] != nil && it.Authors[0].Name != "" {
		if _, ok := raw.Extensions["company"]; !ok {
			raw.Extensions["company"] = it.Authors[0].Name
		}
	}
	return raw
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// *url.Error implements net.Error, so refused connections, resets and
	// DNS failures all land here.
	var netErr net.Error
	return errors.As(err, &netErr)
}
