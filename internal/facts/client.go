// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package facts implements the FACTS SIS integration client: school
// configurations, people rosters, attendance-by-date-range with code-name
// resolution, and the per-student attendance-existence check.
//
// FACTS authenticates with static key material sent on every request
// instead of OAuth. Rate limiting is aggressive, so the attendance lookups
// run with a reduced retry budget and callers batch them through the sync
// engine's throttled chunking.
package facts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/visitu/sisbridge/internal/credentials"
	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/models"
)

const (
	// apiVersion is pinned; FACTS routes refuse unversioned requests.
	apiVersion = "1.0"

	// maxPageSize caps one-shot list fetches; FACTS rejects larger values.
	maxPageSize = 50000

	// attendanceRetries is the reduced retry budget for the date-range
	// attendance pair.
	attendanceRetries = 3
)

// Client talks to one tenant's FACTS API. Safe for concurrent use.
type Client struct {
	session models.Session
	fetcher *fetch.Client

	// attendanceFetcher carries the reduced retry budget.
	attendanceFetcher *fetch.Client
}

// Option configures a Client.
type Option func(*Client)

// WithFetchers replaces both fetch clients (tests).
func WithFetchers(standard, attendance *fetch.Client) Option {
	return func(c *Client) {
		c.fetcher = standard
		c.attendanceFetcher = attendance
	}
}

// New creates a FACTS client for the given tenant session.
func New(session models.Session, opts ...Option) *Client {
	c := &Client{
		session:           session,
		fetcher:           fetch.New(string(models.IntegrationFACTS)),
		attendanceFetcher: fetch.New(string(models.IntegrationFACTS), fetch.WithMaxRetries(attendanceRetries)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the tenant session this client was built for.
func (c *Client) Session() models.Session {
	return c.session
}

// get performs an authenticated GET against the FACTS API and decodes the
// JSON response.
func (c *Client) get(ctx context.Context, fetcher *fetch.Client, operation, path string, query url.Values, result any) error {
	if c.session.APIKey == "" || c.session.SubscriptionKey == "" {
		return fmt.Errorf("tenant %q: %w", c.session.TenantDomain, credentials.ErrNoCredential)
	}

	resp, err := fetcher.Do(ctx, operation, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.session.BaseURL+path, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Facts-Api-Key", c.session.APIKey)
		req.Header.Set("Ocp-Apim-Subscription-Key", c.session.SubscriptionKey)
		req.Header.Set("Accept", "application/json")
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

// resultsPage is the envelope of every FACTS list response.
type resultsPage struct {
	Results []json.RawMessage `json:"results"`
}

// clampPageSize applies the FACTS page-size ceiling, defaulting to the
// ceiling itself when unset.
func clampPageSize(pageSize int) int {
	if pageSize <= 0 || pageSize > maxPageSize {
		return maxPageSize
	}
	return pageSize
}

// asString coerces a dynamic FACTS field to string; numeric values keep
// their integer rendering.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
