// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSleeper captures backoff waits without actually sleeping.
type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

// newTestClient builds a client with no jitter and a recording sleeper.
func newTestClient(t *testing.T, opts ...Option) (*Client, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	base := []Option{
		WithSleep(sleeper.sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	}
	return New("test", append(base, opts...)...), sleeper
}

func getBuilder(url string) RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	}
}

func TestDoSuccessFirstAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, sleeper := newTestClient(t)
	resp, err := client.Do(context.Background(), "ping", getBuilder(server.URL))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
	if len(sleeper.waits) != 0 {
		t.Errorf("expected no backoff waits, got %v", sleeper.waits)
	}
}

func TestDoRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, sleeper := newTestClient(t)
	resp, err := client.Do(context.Background(), "roster", getBuilder(server.URL))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
	// Backoff doubles per retry: 1s then 2s (jitter disabled).
	expected := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(sleeper.waits) != len(expected) {
		t.Fatalf("expected %d waits, got %v", len(expected), sleeper.waits)
	}
	for i, want := range expected {
		if sleeper.waits[i] != want {
			t.Errorf("wait[%d] = %v, want %v", i, sleeper.waits[i], want)
		}
	}
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, sleeper := newTestClient(t, WithMaxRetries(3))
	_, err := client.Do(context.Background(), "attendance", getBuilder(server.URL))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	// 1 initial attempt + 3 retries.
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("expected 4 calls, got %d", got)
	}
	if len(sleeper.waits) != 3 {
		t.Errorf("expected 3 waits, got %v", sleeper.waits)
	}

	ue := AsUpstreamError(err)
	if ue == nil {
		t.Fatalf("expected UpstreamError, got %T", err)
	}
	if ue.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", ue.StatusCode)
	}
}

func TestDoBackoffNonDecreasingAndCapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, sleeper := newTestClient(t, WithMaxRetries(7))
	_, err := client.Do(context.Background(), "roster", getBuilder(server.URL))
	if err == nil {
		t.Fatal("expected error")
	}

	var prev time.Duration
	for i, w := range sleeper.waits {
		if w < prev {
			t.Errorf("wait[%d] = %v decreased from %v", i, w, prev)
		}
		if w > defaultMaxDelay {
			t.Errorf("wait[%d] = %v exceeds cap %v", i, w, defaultMaxDelay)
		}
		prev = w
	}
	// The tail of the schedule sits at the cap.
	if sleeper.waits[len(sleeper.waits)-1] != defaultMaxDelay {
		t.Errorf("final wait = %v, want cap %v", sleeper.waits[len(sleeper.waits)-1], defaultMaxDelay)
	}
}

func TestDoTerminalStatusSingleAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"query not found"}`))
	}))
	defer server.Close()

	client, sleeper := newTestClient(t)
	_, err := client.Do(context.Background(), "probe", getBuilder(server.URL))
	if err == nil {
		t.Fatal("expected terminal error")
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("terminal failures must not retry: got %d calls", got)
	}
	if len(sleeper.waits) != 0 {
		t.Errorf("terminal failures must not back off, got %v", sleeper.waits)
	}

	ue := AsUpstreamError(err)
	if ue == nil || ue.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 UpstreamError, got %v", err)
	}
	if ue.Transient() {
		t.Error("404 must not be transient")
	}
	if StatusOf(err) != http.StatusNotFound {
		t.Errorf("StatusOf = %d, want 404", StatusOf(err))
	}
}

func TestDoRetriesNetworkError(t *testing.T) {
	// Server is closed immediately so every attempt fails with no status.
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	client, sleeper := newTestClient(t, WithMaxRetries(2))
	_, err := client.Do(context.Background(), "roster", getBuilder(url))
	if err == nil {
		t.Fatal("expected error")
	}

	if len(sleeper.waits) != 2 {
		t.Errorf("expected 2 retries for network errors, got %v", sleeper.waits)
	}
	ue := AsUpstreamError(err)
	if ue == nil || ue.StatusCode != 0 {
		t.Fatalf("expected status-less UpstreamError, got %v", err)
	}
	if !ue.Transient() {
		t.Error("no-response errors are transient")
	}
}

func TestDoHonorsRetryAfterHeader(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, sleeper := newTestClient(t)
	resp, err := client.Do(context.Background(), "roster", getBuilder(server.URL))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if len(sleeper.waits) != 1 || sleeper.waits[0] != 3*time.Second {
		t.Errorf("expected single 3s wait from Retry-After, got %v", sleeper.waits)
	}
}

func TestDoContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := New("test",
		WithJitter(func(time.Duration) time.Duration { return 0 }),
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	_, err := client.Do(ctx, "roster", getBuilder(server.URL))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestJitterBounds(t *testing.T) {
	client := New("test")
	for i := 0; i < 100; i++ {
		j := client.jitter(time.Second)
		if j < 0 || j >= time.Second {
			t.Fatalf("jitter %v outside [0, 1s)", j)
		}
	}
	if client.jitter(0) != 0 {
		t.Error("jitter of zero delay must be zero")
	}
}
