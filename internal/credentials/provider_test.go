// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/models"
)

func TestKeyFor(t *testing.T) {
	tests := []struct {
		domain   string
		expected string
	}{
		{"north-academy", "integration-oauth-north-academy"},
		{"", "integration-oauth-any-tenant"},
	}
	for _, tt := range tests {
		if got := KeyFor(tt.domain); got != tt.expected {
			t.Errorf("KeyFor(%q) = %q, want %q", tt.domain, got, tt.expected)
		}
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore()
	key := KeyFor("demo")

	if _, ok := store.Get(key); ok {
		t.Error("empty store should miss")
	}
	store.Set(key, "token-value-12345")
	if token, ok := store.Get(key); !ok || token != "token-value-12345" {
		t.Errorf("Get() = %q, %v", token, ok)
	}
	store.Delete(key)
	if _, ok := store.Get(key); ok {
		t.Error("deleted key should miss")
	}
}

func newOAuthServer(t *testing.T, issued *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/access_token" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id" || pass != "client-secret" {
			t.Errorf("missing or wrong basic auth: %q %q", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		atomic.AddInt32(issued, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"issued-token-00001","token_type":"Bearer"}`))
	}))
}

func testSession(baseURL string) models.Session {
	return models.Session{
		TenantDomain:    "north-academy",
		IntegrationType: models.IntegrationPowerSchool,
		BaseURL:         baseURL,
		ClientID:        "client-id",
		ClientSecret:    "client-secret",
	}
}

func TestAccessTokenIssuesAndCaches(t *testing.T) {
	var issued int32
	server := newOAuthServer(t, &issued)
	defer server.Close()

	provider := NewProvider(NewStore(), fetch.New("powerschool"))
	session := testSession(server.URL)

	token, err := provider.AccessToken(context.Background(), session, false)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token != "issued-token-00001" {
		t.Errorf("token = %q", token)
	}

	// Second call is served from the store.
	if _, err := provider.AccessToken(context.Background(), session, false); err != nil {
		t.Fatalf("cached AccessToken() error = %v", err)
	}
	if got := atomic.LoadInt32(&issued); got != 1 {
		t.Errorf("expected 1 issuance, got %d", got)
	}
}

func TestAccessTokenReconnectForcesRefresh(t *testing.T) {
	var issued int32
	server := newOAuthServer(t, &issued)
	defer server.Close()

	store := NewStore()
	store.Set(KeyFor("north-academy"), "previously-stored-token")

	provider := NewProvider(store, fetch.New("powerschool"))
	token, err := provider.AccessToken(context.Background(), testSession(server.URL), true)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token != "issued-token-00001" {
		t.Errorf("reconnect should replace token, got %q", token)
	}
	if got := atomic.LoadInt32(&issued); got != 1 {
		t.Errorf("expected 1 issuance, got %d", got)
	}
}

func TestAccessTokenShortStoredTokenTreatedAsAbsent(t *testing.T) {
	var issued int32
	server := newOAuthServer(t, &issued)
	defer server.Close()

	store := NewStore()
	store.Set(KeyFor("north-academy"), "short")

	provider := NewProvider(store, fetch.New("powerschool"))
	token, err := provider.AccessToken(context.Background(), testSession(server.URL), false)
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token != "issued-token-00001" {
		t.Errorf("short stored tokens must be refreshed, got %q", token)
	}
}

func TestAccessTokenMissingClientCredentials(t *testing.T) {
	provider := NewProvider(NewStore(), fetch.New("powerschool"))
	session := models.Session{TenantDomain: "north-academy", BaseURL: "http://example.invalid"}

	_, err := provider.AccessToken(context.Background(), session, false)
	if err == nil {
		t.Fatal("expected error without client credentials")
	}
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestAccessTokenConcurrentCallersSingleIssuance(t *testing.T) {
	var issued int32
	server := newOAuthServer(t, &issued)
	defer server.Close()

	provider := NewProvider(NewStore(), fetch.New("powerschool"))
	session := testSession(server.URL)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := provider.AccessToken(context.Background(), session, false)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	for i, token := range tokens {
		if token != "issued-token-00001" {
			t.Errorf("caller %d got %q", i, token)
		}
	}
	// singleflight may start a second flight if a caller arrives after the
	// first completes, but the store check inside the flight prevents a
	// second upstream issuance.
	if got := atomic.LoadInt32(&issued); got != 1 {
		t.Errorf("expected exactly 1 upstream issuance, got %d", got)
	}
}
