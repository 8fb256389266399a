// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fetch provides the resilient HTTP client shared by all upstream
// SIS integrations.
//
// Retry Policy:
//   - Retries only on HTTP 429 (rate limited) and on transport errors that
//     produced no status code. Every other non-2xx response is terminal and
//     is surfaced after a single attempt.
//   - Exponential backoff starting at 1s, doubling per retry, capped at 16s.
//     Each wait adds a random jitter in [0, currentDelay) before the total
//     wait is capped at the maximum delay.
//   - Retry-After headers (RFC 6585) override the computed delay.
//   - The retry budget is configured per call site (5 for schedule and
//     roster traffic, 3 for the attendance family), not globally.
//
// The sleep and jitter functions are injectable so tests never wait on real
// backoff timers.
package fetch

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/metrics"
)

const (
	// DefaultTimeout is the per-call HTTP timeout, independent of the
	// retry/backoff timing.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxRetries is the retry budget used when a call site does not
	// configure its own.
	DefaultMaxRetries = 5

	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 16 * time.Second

	// maxErrorBodySize limits how much of an error response body is read
	// for diagnostics, preventing unbounded allocation.
	maxErrorBodySize = 64 * 1024
)

// SleepFunc waits for d or until ctx is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RequestBuilder constructs a fresh request for one attempt. A builder is
// used instead of a single *http.Request because request bodies cannot be
// replayed across retries.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Client executes upstream requests with bounded retry and exponential
// backoff. Safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	integration string

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	sleep  SleepFunc
	jitter func(d time.Duration) time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries sets the retry budget for this call site.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithSleep replaces the backoff wait function (tests).
func WithSleep(s SleepFunc) Option {
	return func(c *Client) { c.sleep = s }
}

// WithJitter replaces the jitter source (tests).
func WithJitter(j func(d time.Duration) time.Duration) Option {
	return func(c *Client) { c.jitter = j }
}

// New creates a resilient fetch client for one integration family.
// The integration name is used only as an observability label.
func New(integration string, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		integration: integration,
		maxRetries:  DefaultMaxRetries,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		sleep:       sleepContext,
		jitter: func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d))) //nolint:gosec // jitter, not crypto
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes the request built by build, retrying transient failures per
// the package retry policy. On success the 2xx response is returned and the
// caller must close its body. Any failure is an *UpstreamError.
func (c *Client) Do(ctx context.Context, operation string, build RequestBuilder) (*http.Response, error) {
	delay := c.baseDelay
	var lastErr *UpstreamError

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &UpstreamError{Message: err.Error()}
		}

		metrics.UpstreamRequests.WithLabelValues(c.integration, operation).Inc()

		resp, uerr := c.attempt(ctx, build)
		if uerr == nil {
			return resp, nil
		}
		if !uerr.Transient() {
			metrics.UpstreamFailures.WithLabelValues(c.integration, operation, statusLabel(uerr)).Inc()
			return nil, uerr
		}

		lastErr = uerr
		if attempt >= c.maxRetries {
			break
		}

		wait := delay + c.jitter(delay)
		if wait > c.maxDelay {
			wait = c.maxDelay
		}
		if ra := uerr.retryAfter; ra > 0 {
			wait = ra
		}

		metrics.UpstreamRetries.WithLabelValues(c.integration, operation).Inc()
		logging.Warn().
			Str("integration", c.integration).
			Str("operation", operation).
			Int("attempt", attempt+1).
			Int("max_retries", c.maxRetries).
			Dur("wait", wait).
			Int("status", uerr.StatusCode).
			Msg("Retrying transient upstream failure")

		if err := c.sleep(ctx, wait); err != nil {
			return nil, &UpstreamError{Message: err.Error()}
		}

		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}

	metrics.UpstreamFailures.WithLabelValues(c.integration, operation, statusLabel(lastErr)).Inc()
	return nil, lastErr
}

// attempt performs a single request, classifying the outcome.
func (c *Client) attempt(ctx context.Context, build RequestBuilder) (*http.Response, *UpstreamError) {
	req, err := build(ctx)
	if err != nil {
		// Building a request is local work; a failure here is terminal but
		// carries no status.
		return nil, &UpstreamError{Message: "create request: " + err.Error(), terminal: true}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body := readBodyForError(resp.Body)
	_ = resp.Body.Close()

	uerr := &UpstreamError{StatusCode: resp.StatusCode, Message: string(body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		// Honor Retry-After (RFC 6585) when the upstream provides one.
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, perr := time.ParseDuration(ra + "s"); perr == nil {
				uerr.retryAfter = seconds
			}
		}
	}
	return nil, uerr
}

// statusLabel maps an error to its metric label.
func statusLabel(e *UpstreamError) string {
	if e == nil || e.StatusCode == 0 {
		return "none"
	}
	return http.StatusText(e.StatusCode)
}

// readBodyForError reads the response body for error reporting (max 64KB).
// Returns the body content or a placeholder message if reading fails.
func readBodyForError(r io.Reader) []byte {
	limited := io.LimitReader(r, maxErrorBodySize)
	body, err := io.ReadAll(limited)
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}
