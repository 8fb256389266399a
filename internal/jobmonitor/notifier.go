// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobmonitor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/models"
)

// alertInterval paces webhook deliveries so a noisy monitor run cannot
// flood the operator channel.
const alertInterval = 2 * time.Second

// WebhookNotifier posts alert events as JSON to an operator webhook.
// Deliveries are rate limited; bursts up to the limiter's capacity go out
// immediately and the rest wait their turn.
type WebhookNotifier struct {
	url     string
	fetcher *fetch.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier creates a notifier for the given webhook URL.
func NewWebhookNotifier(webhookURL string, fetcher *fetch.Client) *WebhookNotifier {
	if fetcher == nil {
		fetcher = fetch.New("webhook")
	}
	return &WebhookNotifier{
		url:     webhookURL,
		fetcher: fetcher,
		limiter: rate.NewLimiter(rate.Every(alertInterval), 3),
	}
}

// Send delivers one alert event.
func (n *WebhookNotifier) Send(ctx context.Context, event models.AlertEvent) error {
	if n.url == "" {
		return fmt.Errorf("alert webhook url not configured")
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	resp, err := n.fetcher.Do(ctx, "alert_webhook", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// HTTPQueueInspector reads job snapshots from the queue introspection
// endpoint: GET {base}/jobs?name=...&status=... returning a JSON array of
// jobs.
type HTTPQueueInspector struct {
	baseURL string
	fetcher *fetch.Client
}

// NewHTTPQueueInspector creates an inspector for the given queue API base
// URL.
func NewHTTPQueueInspector(baseURL string, fetcher *fetch.Client) *HTTPQueueInspector {
	if fetcher == nil {
		fetcher = fetch.New("queue")
	}
	return &HTTPQueueInspector{baseURL: baseURL, fetcher: fetcher}
}

// Jobs lists the queue's jobs with the given name and status.
func (q *HTTPQueueInspector) Jobs(ctx context.Context, name, status string) ([]models.QueueJob, error) {
	query := url.Values{}
	query.Set("name", name)
	query.Set("status", status)

	resp, err := q.fetcher.Do(ctx, "queue_jobs", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/jobs", http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.URL.RawQuery = query.Encode()
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var jobs []models.QueueJob
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("decode queue jobs: %w", err)
	}
	return jobs, nil
}
