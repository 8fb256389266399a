// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/models"

	"golang.org/x/sync/singleflight"
)

// ErrNoCredential signals a missing or unusable access credential. Callers
// surface it distinctly so the UI can trigger re-authentication.
var ErrNoCredential = errors.New("access token required")

// minTokenLength filters out garbage values stored under a tenant key; a
// stored token shorter than this is treated as absent.
const minTokenLength = 10

// tokenEndpoint is the OAuth client-credentials endpoint relative to the
// integration base URL.
const tokenEndpoint = "/oauth/access_token"

// Provider resolves per-tenant access tokens, refreshing on demand via the
// OAuth client-credentials flow. At most one refresh per tenant is in
// flight at a time; concurrent callers share its result.
type Provider struct {
	store  *Store
	client *fetch.Client
	group  singleflight.Group
}

// NewProvider creates a credential provider backed by store. The fetch
// client carries the retry policy for token issuance calls.
func NewProvider(store *Store, client *fetch.Client) *Provider {
	return &Provider{store: store, client: client}
}

// AccessToken returns the tenant's access token, issuing a new one when no
// usable token is stored or when reconnect forces a refresh.
func (p *Provider) AccessToken(ctx context.Context, session models.Session, reconnect bool) (string, error) {
	key := KeyFor(session.TenantDomain)

	if !reconnect {
		if token, ok := p.store.Get(key); ok && len(token) >= minTokenLength {
			return token, nil
		}
	}

	if session.ClientID == "" || session.ClientSecret == "" {
		return "", fmt.Errorf("tenant %q: %w", session.TenantDomain, ErrNoCredential)
	}

	// singleflight guarantees at most one token issuance per tenant even
	// under concurrent callers; late arrivals reuse the shared result.
	token, err, _ := p.group.Do(key, func() (any, error) {
		if !reconnect {
			// A concurrent refresh may have landed while we waited.
			if token, ok := p.store.Get(key); ok && len(token) >= minTokenLength {
				return token, nil
			}
		}
		return p.issueToken(ctx, session, key)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// Invalidate drops the stored token for a tenant, forcing the next
// AccessToken call to refresh.
func (p *Provider) Invalidate(tenantDomain string) {
	p.store.Delete(KeyFor(tenantDomain))
}

// tokenResponse is the OAuth token issuance response body. Expiry is
// tracked by the upstream system, so only the token itself is read.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// issueToken performs the client-credentials exchange and stores the result.
func (p *Provider) issueToken(ctx context.Context, session models.Session, key string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	resp, err := p.client.Do(ctx, "oauth_token", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			session.BaseURL+tokenEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
		req.SetBasicAuth(session.ClientID, session.ClientSecret)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("issue token for tenant %q: %w", session.TenantDomain, err)
	}
	defer resp.Body.Close()

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("tenant %q: empty token in response: %w", session.TenantDomain, ErrNoCredential)
	}

	p.store.Set(key, tr.AccessToken)
	logging.Info().Str("tenant", session.TenantDomain).Msg("Issued integration access token")
	return tr.AccessToken, nil
}
