package xero

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/stem/pkg/tracing"
)

const (
	// DefaultPageSize is the number of invoices per page
	DefaultPageSize = 100

	// DefaultMaxRetries is the retry budget after the initial attempt
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the fixed delay between retries
	DefaultRetryBackoff = 60 * time.Second

	// MaxAttemptTimeout caps the per-request timeout
	MaxAttemptTimeout = 10 * time.Minute

	invoicesPath = "/Invoices"
	itemsPath    = "/Items"
)

// NonTransientFetchError is a remote rejection that retrying cannot fix
type NonTransientFetchError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *NonTransientFetchError) Error() string {
	return fmt.Sprintf("remote rejected request with status %d: %s", e.StatusCode, e.Body)
}

// TransientFetchError is a retryable failure that exhausted the retry budget
type TransientFetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// Page is one fetched page of invoices, in the order the remote returned them
type Page struct {
	Number   int
	Invoices []Invoice
}

// FetchStats counts the work a fetch performed
type FetchStats struct {
	Pages   int
	Records int
	Retries int
}

// Client fetches invoices and catalog items from the accounting API.
// Transient failures (network errors, 408/429/5xx) are retried with a fixed
// backoff; other 4xx responses abort immediately. A 401 means the access
// token went stale mid-run and surfaces as auth.ErrAuthExpired.
type Client struct {
	client  *httpclient.Client
	limiter *ratelimit.Limiter
	logger  ectologger.Logger

	baseURL    string
	pageSize   int
	maxRetries int
	backoff    time.Duration
}

// NewClient creates a new API client. The limiter may be nil, in which case
// requests are not paced locally.
func NewClient(cfg *config.Config, limiter *ratelimit.Limiter, logger ectologger.Logger) *Client {
	timeout := cfg.FetchTimeout
	if timeout <= 0 || timeout > MaxAttemptTimeout {
		timeout = MaxAttemptTimeout
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = timeout

	pageSize := cfg.XeroPageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	maxRetries := cfg.FetchMaxRetries
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	backoff := cfg.FetchRetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	return &Client{
		client:     httpclient.NewClient(httpCfg, logger),
		limiter:    limiter,
		logger:     logger,
		baseURL:    strings.TrimSuffix(cfg.XeroAPIBaseURL, "/"),
		pageSize:   pageSize,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// FetchChangedInvoices fetches every invoice modified since the given time,
// page by page in UpdatedDateUTC ascending order. A zero since fetches the
// full history. Pagination is exhausted when a page comes back short.
func (c *Client) FetchChangedInvoices(ctx context.Context, sess *auth.Session, since time.Time) ([]Page, FetchStats, error) {
	ctx, span := tracing.StartSpan(ctx, "XeroClient.FetchChangedInvoices")
	defer span.End()

	headers := c.requestHeaders(sess)
	if !since.IsZero() {
		headers["If-Modified-Since"] = since.UTC().Format(http.TimeFormat)
	}

	var pages []Page
	var stats FetchStats

	for number := 1; ; number++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(number))
		query.Set("pageSize", strconv.Itoa(c.pageSize))
		query.Set("order", "UpdatedDateUTC ASC")
		requestURL := fmt.Sprintf("%s%s?%s", c.baseURL, invoicesPath, query.Encode())

		resp, err := c.get(ctx, requestURL, sess.TenantID, headers, &stats)
		if err != nil {
			return nil, stats, err
		}

		var envelope invoicesResponse
		if err := httpclient.DecodeJSON(resp, &envelope); err != nil {
			return nil, stats, fmt.Errorf("failed to decode invoices page %d: %w", number, err)
		}

		if len(envelope.Invoices) > 0 {
			pages = append(pages, Page{Number: number, Invoices: envelope.Invoices})
			stats.Pages++
			stats.Records += len(envelope.Invoices)
		}

		c.logger.WithContext(ctx).Infof("Fetched invoices page %d: %d invoices (%d total)", number, len(envelope.Invoices), stats.Records)

		if len(envelope.Invoices) < c.pageSize {
			break
		}
	}

	return pages, stats, nil
}

// FetchItems fetches the full item catalog. The items endpoint returns
// everything in a single response.
func (c *Client) FetchItems(ctx context.Context, sess *auth.Session) ([]Item, FetchStats, error) {
	ctx, span := tracing.StartSpan(ctx, "XeroClient.FetchItems")
	defer span.End()

	var stats FetchStats

	resp, err := c.get(ctx, c.baseURL+itemsPath, sess.TenantID, c.requestHeaders(sess), &stats)
	if err != nil {
		return nil, stats, err
	}

	var envelope itemsResponse
	if err := httpclient.DecodeJSON(resp, &envelope); err != nil {
		return nil, stats, fmt.Errorf("failed to decode items: %w", err)
	}

	stats.Pages = 1
	stats.Records = len(envelope.Items)

	c.logger.WithContext(ctx).Infof("Fetched %d items", len(envelope.Items))
	return envelope.Items, stats, nil
}

func (c *Client) requestHeaders(sess *auth.Session) map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + sess.AccessToken,
		"Xero-Tenant-Id": sess.TenantID,
		"Accept":         "application/json",
	}
}

// get runs one GET with the retry policy applied
func (c *Client) get(ctx context.Context, requestURL, tenantID string, headers map[string]string, stats *FetchStats) (*httpclient.Response, error) {
	rateKey := "xero:" + tenantID

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			stats.Retries++
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, rateKey); err != nil {
				return nil, fmt.Errorf("rate limit wait failed: %w", err)
			}
		}

		resp, err := c.client.Get(ctx, requestURL, headers)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries {
				c.logger.WithContext(ctx).Warnf("Request error, retrying in %v (attempt %d/%d): %v", c.backoff, attempt+1, c.maxRetries, err)
				if err := c.sleep(ctx, c.backoff); err != nil {
					return nil, err
				}
				continue
			}
			return nil, &TransientFetchError{URL: requestURL, Attempts: c.maxRetries + 1, Err: lastErr}
		}

		if httpclient.IsSuccessStatus(resp.StatusCode) {
			return resp, nil
		}

		if resp.StatusCode == http.StatusUnauthorized {
			c.logger.WithContext(ctx).Warnf("Access token rejected by %s", requestURL)
			return nil, auth.ErrAuthExpired
		}

		if !httpclient.IsRetryableStatus(resp.StatusCode) {
			return nil, &NonTransientFetchError{
				StatusCode: resp.StatusCode,
				URL:        requestURL,
				Body:       bodySnippet(resp.Body),
			}
		}

		delay := c.backoff
		if httpclient.IsRateLimitStatus(resp.StatusCode) {
			c.logger.WithContext(ctx).Warnf("Received 429 Too Many Requests from %s", requestURL)
			if ra := resp.Headers["Retry-After"]; ra != "" {
				if parsed, parseErr := ratelimit.ParseRetryAfter(ra); parseErr == nil && parsed > 0 {
					delay = parsed
					if c.limiter != nil {
						if blockErr := c.limiter.BlockFor(ctx, rateKey, parsed); blockErr != nil {
							c.logger.WithContext(ctx).WithError(blockErr).Warn("Failed to block rate limit bucket")
						}
					}
				}
			}
		}

		lastErr = fmt.Errorf("remote returned status %d for %s", resp.StatusCode, requestURL)
		if attempt < c.maxRetries {
			c.logger.WithContext(ctx).Warnf("Retrying in %v (attempt %d/%d)", delay, attempt+1, c.maxRetries)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, &TransientFetchError{URL: requestURL, Attempts: c.maxRetries + 1, Err: lastErr}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// bodySnippet truncates an error body for log and error messages
func bodySnippet(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
