// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the tenant-scoped in-memory caches populated by the
// bulk sync engine and the reconciler.
//
// Layout is two-level: tenant domain -> (integration type, map[id]entity).
// One process serves multiple tenants concurrently without cross-tenant
// leakage; switching the active tenant only changes which maps are read and
// written, it never deletes other tenants' data.
//
// Upserts are idempotent and last-write-wins per id, so concurrent syncs
// for the same tenant converge to the same state.
package store

import (
	"sync"

	"github.com/visitu/sisbridge/internal/models"
)

// bucket holds one tenant's cached entities.
type bucket struct {
	domain          string
	integrationType models.IntegrationType

	users        map[string]models.RosterUser
	locations    map[string]models.Location
	scheduleDays map[string]models.ScheduleDay
}

func newBucket(domain string, it models.IntegrationType) *bucket {
	return &bucket{
		domain:          domain,
		integrationType: it,
		users:           make(map[string]models.RosterUser),
		locations:       make(map[string]models.Location),
		scheduleDays:    make(map[string]models.ScheduleDay),
	}
}

// Store is the process-wide tenant cache. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	buckets  map[string]*bucket
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[string]models.Session),
		buckets:  make(map[string]*bucket),
	}
}

// Activate registers or updates the session for a tenant domain and ensures
// its cache bucket exists. Exactly one session is active per domain;
// reconnecting replaces it in place. Existing cached entities survive.
func (s *Store) Activate(session models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.TenantDomain] = session
	if _, ok := s.buckets[session.TenantDomain]; !ok {
		s.buckets[session.TenantDomain] = newBucket(session.TenantDomain, session.IntegrationType)
	}
}

// Session returns the active session for a tenant domain.
func (s *Store) Session(domain string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[domain]
	return session, ok
}

// SetPlugin records the probed PowerSchool plugin capability on the
// tenant's session.
func (s *Store) SetPlugin(domain string, capability models.PluginCapability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[domain]; ok {
		session.Plugin = capability
		s.sessions[domain] = session
	}
}

// ensureBucket returns the tenant's bucket, creating it when a sync runs
// before Activate (must be called with mu held for writing).
func (s *Store) ensureBucket(domain string) *bucket {
	b, ok := s.buckets[domain]
	if !ok {
		b = newBucket(domain, "")
		s.buckets[domain] = b
	}
	return b
}

// UpsertUsers writes roster users into the tenant's user cache, keyed by
// external id.
func (s *Store) UpsertUsers(domain string, users ...models.RosterUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.ensureBucket(domain)
	for _, u := range users {
		b.users[u.ExternalID] = u
	}
}

// UpsertLocations writes school locations into the tenant's location cache.
func (s *Store) UpsertLocations(domain string, locations ...models.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.ensureBucket(domain)
	for _, l := range locations {
		b.locations[l.ID] = l
	}
}

// PutScheduleDay replaces the cached schedule day wholesale; partial merges
// are never performed.
func (s *Store) PutScheduleDay(domain string, day models.ScheduleDay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureBucket(domain).scheduleDays[day.CacheKey()] = day
}

// UserByID returns one cached roster user.
func (s *Store) UserByID(domain, id string) (models.RosterUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buckets[domain]; ok {
		u, ok := b.users[id]
		return u, ok
	}
	return models.RosterUser{}, false
}

// UserCount returns the number of cached roster users for a tenant.
func (s *Store) UserCount(domain string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buckets[domain]; ok {
		return len(b.users)
	}
	return 0
}

// Users returns a snapshot of the tenant's cached roster users.
func (s *Store) Users(domain string) []models.RosterUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[domain]
	if !ok {
		return nil
	}
	users := make([]models.RosterUser, 0, len(b.users))
	for _, u := range b.users {
		users = append(users, u)
	}
	return users
}

// StudentsInLocation returns the cached students enrolled at a location.
func (s *Store) StudentsInLocation(domain, locationID string) []models.RosterUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[domain]
	if !ok {
		return nil
	}
	var students []models.RosterUser
	for _, u := range b.users {
		if u.Kind == models.UserKindStudent && u.LocationID == locationID {
			students = append(students, u)
		}
	}
	return students
}

// Locations returns a snapshot of the tenant's cached locations.
func (s *Store) Locations(domain string) []models.Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[domain]
	if !ok {
		return nil
	}
	locations := make([]models.Location, 0, len(b.locations))
	for _, l := range b.locations {
		locations = append(locations, l)
	}
	return locations
}

// ScheduleDayFor returns the cached schedule day for one student and date.
func (s *Store) ScheduleDayFor(domain, studentID string, year, month, day int) (models.ScheduleDay, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buckets[domain]; ok {
		d, ok := b.scheduleDays[models.ScheduleDayKey(studentID, year, month, day)]
		return d, ok
	}
	return models.ScheduleDay{}, false
}
