// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package powerschool implements the PowerSchool-family integration client:
// district school listing, paginated student rosters, the fixed-plugin
// capability probe, and the per-student schedule/attendance day reconciler.
//
// Resilience:
//   - Rate-limit and no-response retries with exponential backoff via the
//     shared fetch client (5 retry budget).
//   - Circuit breaker across all calls: opens after a 60% failure rate with
//     at least 10 requests in a 1 minute window, recovers after 2 minutes.
//
// Identifier schemes are inconsistent across the upstream subsystems: the
// externally known student id must be swapped for an internal (id, dcid)
// pair before any schedule or attendance query. See schedule_day.go.
package powerschool

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/visitu/sisbridge/internal/credentials"
	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/metrics"
	"github.com/visitu/sisbridge/internal/models"
)

const (
	// breakerWindow is the rolling window over which failures are counted.
	breakerWindow = 1 * time.Minute
	// breakerRecovery is how long an open breaker waits before half-open.
	breakerRecovery = 2 * time.Minute
)

// Client talks to one tenant's PowerSchool server. Safe for concurrent use.
type Client struct {
	session models.Session
	creds   *credentials.Provider
	fetcher *fetch.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
}

// Option configures a Client.
type Option func(*Client)

// WithFetcher replaces the resilient fetch client (tests).
func WithFetcher(f *fetch.Client) Option {
	return func(c *Client) { c.fetcher = f }
}

// New creates a PowerSchool client for the given tenant session.
func New(session models.Session, creds *credentials.Provider, opts ...Option) *Client {
	c := &Client{
		session: session,
		creds:   creds,
		fetcher: fetch.New(string(models.IntegrationPowerSchool)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = newBreaker("powerschool-" + session.TenantDomain)
	return c
}

// newBreaker builds the circuit breaker shared by all of one tenant's
// PowerSchool calls.
func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    breakerWindow,
		Timeout:     breakerRecovery,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Session returns the tenant session this client was built for.
func (c *Client) Session() models.Session {
	return c.session
}

// execute routes one request through the circuit breaker and the resilient
// fetch client.
func (c *Client) execute(ctx context.Context, operation string, build fetch.RequestBuilder) (*http.Response, error) {
	return c.breaker.Execute(func() (*http.Response, error) {
		return c.fetcher.Do(ctx, operation, build)
	})
}

// get performs an authenticated GET and decodes the JSON response.
func (c *Client) get(ctx context.Context, operation, path string, query url.Values, result any) error {
	token, err := c.creds.AccessToken(ctx, c.session, false)
	if err != nil {
		return err
	}

	resp, err := c.execute(ctx, operation, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.session.BaseURL+path, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if len(query) > 0 {
			req.URL.RawQuery = query.Encode()
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
	}
	return nil
}

// postQuery performs an authenticated named-query POST and decodes the
// JSON response.
func (c *Client) postQuery(ctx context.Context, operation, path string, body any, params url.Values, result any) error {
	token, err := c.creds.AccessToken(ctx, c.session, false)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", operation, err)
	}

	resp, err := c.execute(ctx, operation, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.session.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		if len(params) > 0 {
			req.URL.RawQuery = params.Encode()
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
	}
	return nil
}

// queryResponse is the envelope of every PowerSchool named-query response.
type queryResponse struct {
	Count  int               `json:"count"`
	Record []json.RawMessage `json:"record"`
}

// pageParams are the standard pagination parameters for named queries.
func pageParams(page int, count bool) url.Values {
	params := url.Values{}
	params.Set("page", strconv.Itoa(page))
	if count {
		params.Set("count", "true")
	}
	return params
}

// Field coercion helpers. Named-query columns arrive with inconsistent JSON
// types across plugin versions (numbers vs numeric strings), so values are
// coerced rather than decoded into fixed types.

// flexID decodes an identifier that may arrive as a JSON number or a
// numeric string.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	s := string(b)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse identifier %q: %w", s, err)
	}
	*f = flexID(n)
	return nil
}

// asString coerces a named-query column value to string.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// asInt64 coerces a named-query column value to int64, defaulting to zero.
func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}
