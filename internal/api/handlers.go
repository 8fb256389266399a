// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"
	"strconv"

	"github.com/visitu/sisbridge/internal/config"
	"github.com/visitu/sisbridge/internal/facts"
	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/models"
	"github.com/visitu/sisbridge/internal/powerschool"
)

// handleConnect activates (or re-activates) a tenant's integration
// session. The tenant must be declared in configuration; reconnect forces
// a fresh access token even when one is stored.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantDomain string `json:"tenantDomain"`
		Reconnect    bool   `json:"reconnect"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if req.TenantDomain == "" {
		writeFail(w, models.NewValidationError("tenantDomain", "is required"))
		return
	}

	tenant, ok := s.tenantConfig(req.TenantDomain)
	if !ok {
		writeFail(w, models.NewValidationError("tenantDomain", "unknown tenant"))
		return
	}

	session := models.Session{
		TenantDomain:    tenant.Domain,
		IntegrationType: models.IntegrationType(tenant.IntegrationType),
		BaseURL:         tenant.BaseURL,
		ClientID:        tenant.ClientID,
		ClientSecret:    tenant.ClientSecret,
		APIKey:          tenant.APIKey,
		SubscriptionKey: tenant.SubscriptionKey,
	}

	if session.IntegrationType == models.IntegrationPowerSchool {
		if _, err := s.creds.AccessToken(r.Context(), session, req.Reconnect); err != nil {
			writeFail(w, err)
			return
		}
		// Detect which schedule plugin variant the district runs so the
		// bridge period lookup picks the right query.
		capability, err := powerschool.New(session, s.creds).ProbeFixedPlugin(r.Context())
		if err != nil {
			logging.Warn().
				Err(err).
				Str("tenant", session.TenantDomain).
				Msg("Plugin capability probe failed, assuming legacy")
			capability = models.PluginLegacy
		}
		session.Plugin = capability
	}

	s.store.Activate(session)
	s.mu.Lock()
	delete(s.psCache, session.TenantDomain)
	delete(s.fCache, session.TenantDomain)
	s.mu.Unlock()

	logging.Info().
		Str("tenant", session.TenantDomain).
		Str("integration", string(session.IntegrationType)).
		Str("plugin", session.Plugin.String()).
		Msg("Integration session activated")
	writeOK(w, session, 1)
}

// tenantConfig finds a tenant's declaration in configuration.
func (s *Server) tenantConfig(domain string) (config.TenantConfig, bool) {
	for _, t := range s.cfg.Tenants {
		if t.Domain == domain {
			return t, true
		}
	}
	return config.TenantConfig{}, false
}

// tenantRequest is the common body prefix of every integration operation.
type tenantRequest struct {
	TenantDomain string `json:"tenantDomain"`
}

// handlePowerSchoolLocations lists the district's schools and caches them
// as tenant locations.
func (s *Server) handlePowerSchoolLocations(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	client, err := s.powerschoolClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	locations, err := client.Schools(r.Context())
	if err != nil {
		writeFail(w, err)
		return
	}
	s.store.UpsertLocations(req.TenantDomain, locations...)
	writeOK(w, locations, len(locations))
}

// handlePowerSchoolStudentCount returns the student count and the number
// of roster pages it spans.
func (s *Server) handlePowerSchoolStudentCount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		SchoolID string `json:"schoolId"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	client, err := s.powerschoolClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	count, err := client.StudentCount(r.Context(), req.SchoolID)
	if err != nil {
		writeFail(w, err)
		return
	}

	pageSize := s.cfg.Sync.RosterPageSize
	pages := (count + pageSize - 1) / pageSize
	writeJSON(w, http.StatusOK, models.Envelope{
		Success: true,
		Count:   count,
		Pages:   pages,
		Data:    map[string]int{"count": count, "pages": pages},
	})
}

// handlePowerSchoolStudents synchronizes a school's full roster into the
// tenant cache through the paginated sync engine.
func (s *Server) handlePowerSchoolStudents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		SchoolID string `json:"schoolId"`
		Limit    int    `json:"limit"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	client, err := s.powerschoolClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	written, err := s.engine.SyncRoster(r.Context(), client, req.TenantDomain, req.SchoolID, req.Limit)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeOK(w, s.store.StudentsInLocation(req.TenantDomain, req.SchoolID), written)
}

// handlePowerSchoolStudentsPage loads one roster page into the tenant
// cache.
func (s *Server) handlePowerSchoolStudentsPage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		SchoolID string `json:"schoolId"`
		Page     int    `json:"page"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if req.Page < 1 {
		writeFail(w, models.NewValidationError("page", "must be >= 1"))
		return
	}

	client, err := s.powerschoolClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	users, err := client.StudentsPage(r.Context(), req.SchoolID, req.Page, s.cfg.Sync.RosterPageSize)
	if err != nil {
		writeFail(w, err)
		return
	}
	s.store.UpsertUsers(req.TenantDomain, users...)
	writeOK(w, users, len(users))
}

// handlePowerSchoolScheduleDay reconciles one student-day and caches the
// result.
func (s *Server) handlePowerSchoolScheduleDay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		StudentID         string `json:"studentId"`
		Year              int    `json:"year"`
		Month             int    `json:"month"`
		DayOfMonth        int    `json:"dayOfMonth"`
		SchoolNumber      string `json:"schoolNumber"`
		AttendanceEnabled bool   `json:"attendanceEnabled"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	client, err := s.powerschoolClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	schoolNumber, _ := strconv.Atoi(req.SchoolNumber)
	day, err := client.ScheduleDay(r.Context(), powerschool.ScheduleDayRequest{
		StudentID:         req.StudentID,
		Year:              req.Year,
		Month:             req.Month,
		DayOfMonth:        req.DayOfMonth,
		SchoolNumber:      schoolNumber,
		AttendanceEnabled: req.AttendanceEnabled,
	})
	if err != nil {
		writeFail(w, err)
		return
	}

	s.store.PutScheduleDay(req.TenantDomain, day)
	writeOK(w, day, 1)
}

// handleTryFixedPlugin re-probes the plugin capability and records the
// result on the tenant's session.
func (s *Server) handleTryFixedPlugin(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	client, err := s.powerschoolClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	capability, err := client.ProbeFixedPlugin(r.Context())
	if err != nil {
		writeFail(w, err)
		return
	}

	s.store.SetPlugin(req.TenantDomain, capability)
	s.mu.Lock()
	delete(s.psCache, req.TenantDomain)
	s.mu.Unlock()
	writeOK(w, capability == models.PluginFixed, 1)
}

// handleFACTSSchools lists the tenant's school configurations.
func (s *Server) handleFACTSSchools(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		PageSize int `json:"pageSize"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	client, err := s.factsClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	locations, err := client.Schools(r.Context(), req.PageSize)
	if err != nil {
		writeFail(w, err)
		return
	}
	s.store.UpsertLocations(req.TenantDomain, locations...)
	writeOK(w, locations, len(locations))
}

// handleFACTSPeople fetches the people roster into the tenant cache.
func (s *Server) handleFACTSPeople(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		Filters  string `json:"filters"`
		PageSize int    `json:"pageSize"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	client, err := s.factsClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	users, err := client.People(r.Context(), facts.PeopleQuery{
		Filters:  req.Filters,
		PageSize: req.PageSize,
	})
	if err != nil {
		writeFail(w, err)
		return
	}
	s.store.UpsertUsers(req.TenantDomain, users...)
	writeOK(w, users, len(users))
}

// handleFACTSStudents lists enrolled students into the tenant cache.
func (s *Server) handleFACTSStudents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		SchoolID   string   `json:"schoolId"`
		LastName   string   `json:"lastName"`
		StudentIDs []string `json:"studentIds"`
		PageSize   int      `json:"pageSize"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	client, err := s.factsClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	users, err := client.Students(r.Context(), facts.StudentsQuery{
		SchoolID:   req.SchoolID,
		LastName:   req.LastName,
		StudentIDs: req.StudentIDs,
		PageSize:   req.PageSize,
	})
	if err != nil {
		writeFail(w, err)
		return
	}
	s.store.UpsertUsers(req.TenantDomain, users...)
	writeOK(w, users, len(users))
}

// handleFACTSAttendanceRange runs the throttled per-student attendance
// fetch over a date range.
func (s *Server) handleFACTSAttendanceRange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		StudentIDs []string `json:"studentIds"`
		StartDate  string   `json:"startDate"`
		EndDate    string   `json:"endDate"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if req.StartDate == "" || req.EndDate == "" {
		writeFail(w, models.NewValidationError("dates", "startDate and endDate are required"))
		return
	}

	client, err := s.factsClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	records, err := s.engine.SyncAttendanceRange(r.Context(), client, req.StudentIDs, req.StartDate, req.EndDate)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeOK(w, records, len(records))
}

// handleFACTSAttendanceCheck runs the throttled home-room attendance check
// across students.
func (s *Server) handleFACTSAttendanceCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tenantRequest
		StudentIDs []string `json:"studentIds"`
		TermID     int      `json:"termId"`
		YearID     int      `json:"yearId"`
	}
	if err := decode(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if req.TermID < 1 || req.TermID > 6 {
		writeFail(w, models.NewValidationError("termId", "must be 1-6"))
		return
	}

	client, err := s.factsClient(req.TenantDomain)
	if err != nil {
		writeFail(w, err)
		return
	}

	results, err := s.engine.SyncAttendanceCheck(r.Context(), client, req.StudentIDs, req.TermID, req.YearID)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeOK(w, results, len(results))
}
