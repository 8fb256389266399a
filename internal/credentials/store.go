// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package credentials resolves and caches per-tenant access credentials for
// the upstream SIS APIs.
//
// PowerSchool-family tenants use an OAuth client-credentials token that is
// issued on demand and cached under the tenant's key. FACTS-family tenants
// carry static key material on the session and never hit the provider.
//
// Token values are opaque to this package and are never logged.
package credentials

import (
	"fmt"
	"sync"
)

// keyPattern matches the session-scoped storage convention used across the
// platform for integration credentials.
const keyPattern = "integration-oauth-%s"

// KeyFor returns the credential-store key for a tenant domain.
func KeyFor(tenantDomain string) string {
	if tenantDomain == "" {
		tenantDomain = "any-tenant"
	}
	return fmt.Sprintf(keyPattern, tenantDomain)
}

// Store is an in-memory credential store keyed by the per-tenant key
// pattern. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewStore creates an empty credential store.
func NewStore() *Store {
	return &Store{tokens: make(map[string]string)}
}

// Get returns the stored credential for key, if any.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[key]
	return token, ok
}

// Set stores a credential under key, replacing any previous value.
func (s *Store) Set(key, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = token
}

// Delete invalidates the credential stored under key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
}
