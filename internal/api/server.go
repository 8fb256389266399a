// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api exposes the integration operations over HTTP. Every
// operation is a POST with a JSON body and responds with the uniform
// envelope {success, count, pages, error, data}, mirroring the contract
// the admin UI consumes. Handler failures report through the envelope
// with HTTP 200; only malformed requests get a 4xx.
package api

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goccy/go-json"

	"github.com/visitu/sisbridge/internal/config"
	"github.com/visitu/sisbridge/internal/credentials"
	"github.com/visitu/sisbridge/internal/engine"
	"github.com/visitu/sisbridge/internal/facts"
	"github.com/visitu/sisbridge/internal/models"
	"github.com/visitu/sisbridge/internal/powerschool"
	"github.com/visitu/sisbridge/internal/store"
)

// Server wires the HTTP surface to the integration core.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	creds  *credentials.Provider
	engine *engine.Engine

	// Integration clients are cached per tenant so circuit breaker state
	// survives across requests. Reconnecting a tenant rebuilds its client.
	mu      sync.Mutex
	psCache map[string]*powerschool.Client
	fCache  map[string]*facts.Client
}

// NewServer creates the HTTP surface.
func NewServer(cfg *config.Config, st *store.Store, creds *credentials.Provider, eng *engine.Engine) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		creds:   creds,
		engine:  eng,
		psCache: map[string]*powerschool.Client{},
		fCache:  map[string]*facts.Client{},
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Server.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/integration", func(r chi.Router) {
		r.Post("/connect", s.handleConnect)

		r.Route("/powerschool", func(r chi.Router) {
			r.Post("/locations", s.handlePowerSchoolLocations)
			r.Post("/students/count", s.handlePowerSchoolStudentCount)
			r.Post("/students", s.handlePowerSchoolStudents)
			r.Post("/students/page", s.handlePowerSchoolStudentsPage)
			r.Post("/student-schedule-day", s.handlePowerSchoolScheduleDay)
			r.Post("/try-fixed-plugin", s.handleTryFixedPlugin)
		})

		r.Route("/facts", func(r chi.Router) {
			r.Post("/schools", s.handleFACTSSchools)
			r.Post("/people", s.handleFACTSPeople)
			r.Post("/students", s.handleFACTSStudents)
			r.Post("/attendance-range", s.handleFACTSAttendanceRange)
			r.Post("/attendance-check", s.handleFACTSAttendanceCheck)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// powerschoolClient returns the cached PowerSchool client for a tenant's
// active session, building one on first use.
func (s *Server) powerschoolClient(tenantDomain string) (*powerschool.Client, error) {
	session, err := s.activeSession(tenantDomain, models.IntegrationPowerSchool)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.psCache[tenantDomain]; ok && c.Session() == session {
		return c, nil
	}
	c := powerschool.New(session, s.creds)
	s.psCache[tenantDomain] = c
	return c, nil
}

// factsClient returns the cached FACTS client for a tenant's active
// session.
func (s *Server) factsClient(tenantDomain string) (*facts.Client, error) {
	session, err := s.activeSession(tenantDomain, models.IntegrationFACTS)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.fCache[tenantDomain]; ok && c.Session() == session {
		return c, nil
	}
	c := facts.New(session)
	s.fCache[tenantDomain] = c
	return c, nil
}

// activeSession looks up a tenant's session and checks its integration
// family.
func (s *Server) activeSession(tenantDomain string, want models.IntegrationType) (models.Session, error) {
	session, ok := s.store.Session(tenantDomain)
	if !ok {
		return models.Session{}, models.NewValidationError("tenantDomain", "no active integration session")
	}
	if session.IntegrationType != want {
		return models.Session{}, models.NewValidationError("tenantDomain",
			"active session is "+string(session.IntegrationType)+", not "+string(want))
	}
	return session, nil
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	return nil
}

// writeJSON writes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK writes a success envelope.
func writeOK(w http.ResponseWriter, data any, count int) {
	writeJSON(w, http.StatusOK, models.OK(data, count))
}

// writeFail reports a handler failure through the envelope. Validation
// errors are the caller's fault and get a 400; everything else keeps the
// original 200-with-failure contract.
func writeFail(w http.ResponseWriter, err error) {
	status := http.StatusOK
	if models.IsValidationError(err) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, models.Fail(err))
}
