// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visitu/sisbridge/internal/config"
	"github.com/visitu/sisbridge/internal/credentials"
	"github.com/visitu/sisbridge/internal/engine"
	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/models"
	"github.com/visitu/sisbridge/internal/store"
)

const (
	psTenant    = "ps.example.org"
	factsTenant = "facts.example.org"
	apiToken    = "issued-token-0123456789"
)

// newTestServer builds a full HTTP surface in front of fake upstreams.
// psMux and factsMux handle the PowerSchool and FACTS upstream calls.
func newTestServer(t *testing.T, psMux, factsMux http.Handler) *httptest.Server {
	t.Helper()

	upstreamPS := httptest.NewServer(psMux)
	t.Cleanup(upstreamPS.Close)
	upstreamFACTS := httptest.NewServer(factsMux)
	t.Cleanup(upstreamFACTS.Close)

	cfg := config.Default()
	cfg.Tenants = []config.TenantConfig{
		{
			Domain:          psTenant,
			IntegrationType: "powerschool",
			BaseURL:         upstreamPS.URL,
			ClientID:        "client-id",
			ClientSecret:    "client-secret",
		},
		{
			Domain:          factsTenant,
			IntegrationType: "facts",
			BaseURL:         upstreamFACTS.URL,
			APIKey:          "key-material",
			SubscriptionKey: "sub-material",
		},
	}

	st := store.New()
	creds := credentials.NewProvider(credentials.NewStore(), fetch.New("oauth"))
	eng := engine.New(st, cfg.Sync,
		engine.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))

	server := httptest.NewServer(NewServer(cfg, st, creds, eng).Router())
	t.Cleanup(server.Close)
	return server
}

// psUpstream serves the OAuth token endpoint, the plugin probe, and any
// extra handlers.
func psUpstream(extra map[string]http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"` + apiToken + `","token_type":"Bearer"}`))
	})
	mux.HandleFunc("/ws/schema/query/com.visitu.project.student.studentschedulefordate",
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"record":[]}`))
		})
	for path, h := range extra {
		mux.HandleFunc(path, h)
	}
	return mux
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

// post sends a JSON body and decodes the envelope.
func post(t *testing.T, server *httptest.Server, path string, body any) (int, models.Envelope) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope models.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp.StatusCode, envelope
}

func connect(t *testing.T, server *httptest.Server, domain string) {
	t.Helper()
	status, envelope := post(t, server, "/api/integration/connect",
		map[string]any{"tenantDomain": domain})
	require.Equal(t, http.StatusOK, status)
	require.True(t, envelope.Success, "connect failed: %v", envelope.Error)
}

func TestConnectUnknownTenant(t *testing.T) {
	server := newTestServer(t, psUpstream(nil), http.NewServeMux())

	status, envelope := post(t, server, "/api/integration/connect",
		map[string]any{"tenantDomain": "nobody.example.org"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, envelope.Success)
	assert.Contains(t, envelope.Error, "unknown tenant")
}

func TestConnectPowerSchoolDetectsPlugin(t *testing.T) {
	server := newTestServer(t, psUpstream(nil), http.NewServeMux())

	status, envelope := post(t, server, "/api/integration/connect",
		map[string]any{"tenantDomain": psTenant})
	require.Equal(t, http.StatusOK, status)
	require.True(t, envelope.Success)

	var session models.Session
	raw, err := json.Marshal(envelope.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &session))
	// The probe upstream accepts the upgraded query, so the fixed plugin
	// is detected.
	assert.Equal(t, models.PluginFixed, session.Plugin)
	assert.Equal(t, psTenant, session.TenantDomain)
}

func TestStudentCountEnvelopeCarriesPages(t *testing.T) {
	server := newTestServer(t, psUpstream(map[string]http.HandlerFunc{
		"/ws/v1/school/100/student/count": jsonHandler(`{"resource":{"count":257}}`),
	}), http.NewServeMux())
	connect(t, server, psTenant)

	status, envelope := post(t, server, "/api/integration/powerschool/students/count",
		map[string]any{"tenantDomain": psTenant, "schoolId": "100"})
	require.Equal(t, http.StatusOK, status)
	require.True(t, envelope.Success)
	assert.Equal(t, 257, envelope.Count)
	assert.Equal(t, 3, envelope.Pages)
}

func TestScheduleDayEndToEnd(t *testing.T) {
	server := newTestServer(t, psUpstream(map[string]http.HandlerFunc{
		"/ws/schema/query/com.pearson.core.student.student_dcid_id_map": jsonHandler(
			`{"record":[{"id":1,"dcid":2}]}`),
		"/ws/schema/query/com.pearson.core.attendance.daily_attendance_template": jsonHandler(
			`{"count":0,"record":[]}`),
		"/ws/schema/query/com.pearson.core.attendance.meeting_interval_attendance_template": jsonHandler(
			`{"record":[{"tables":{"attendance":{"periodid":1,"studentid":1}}}]}`),
	}), http.NewServeMux())
	connect(t, server, psTenant)

	status, envelope := post(t, server, "/api/integration/powerschool/student-schedule-day",
		map[string]any{
			"tenantDomain": psTenant,
			"studentId":    "555",
			"year":         2026, "month": 3, "dayOfMonth": 5,
			"schoolNumber": "100",
		})
	require.Equal(t, http.StatusOK, status)
	require.True(t, envelope.Success, "schedule day failed: %v", envelope.Error)

	var day models.ScheduleDay
	raw, err := json.Marshal(envelope.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &day))
	// The fixed plugin was detected at connect time and its probe stub
	// returns no bridge rows, so only class periods mark the day found.
	assert.True(t, day.Found)
	assert.True(t, day.HasClassPeriods)
	assert.False(t, day.HasBridgePeriod)
	assert.Equal(t, 100, day.SchoolLocation)
}

func TestOperationWithoutSessionRejected(t *testing.T) {
	server := newTestServer(t, psUpstream(nil), http.NewServeMux())

	status, envelope := post(t, server, "/api/integration/powerschool/locations",
		map[string]any{"tenantDomain": psTenant})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, envelope.Success)
	assert.Contains(t, envelope.Error, "no active integration session")
}

func TestIntegrationFamilyMismatchRejected(t *testing.T) {
	server := newTestServer(t, psUpstream(nil), http.NewServeMux())
	connect(t, server, psTenant)

	status, envelope := post(t, server, "/api/integration/facts/schools",
		map[string]any{"tenantDomain": psTenant})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, envelope.Success)
}

func TestFACTSAttendanceCheckEndToEnd(t *testing.T) {
	factsMux := http.NewServeMux()
	factsMux.HandleFunc("/Classes/v2/Students/555", jsonHandler(
		`{"results":[{"courseID":10,"yearId":2026,"term1":true}]}`))
	factsMux.HandleFunc("/Courses", jsonHandler(
		`{"results":[{"courseID":10,"homeRoom":true,"attendance":true}]}`))

	server := newTestServer(t, psUpstream(nil), factsMux)
	connect(t, server, factsTenant)

	status, envelope := post(t, server, "/api/integration/facts/attendance-check",
		map[string]any{
			"tenantDomain": factsTenant,
			"studentIds":   []string{"555"},
			"termId":       1,
			"yearId":       2026,
		})
	require.Equal(t, http.StatusOK, status)
	require.True(t, envelope.Success, "check failed: %v", envelope.Error)
	assert.Equal(t, 1, envelope.Count)
}

func TestFACTSAttendanceCheckTermValidation(t *testing.T) {
	server := newTestServer(t, psUpstream(nil), http.NewServeMux())

	status, envelope := post(t, server, "/api/integration/facts/attendance-check",
		map[string]any{"tenantDomain": factsTenant, "studentIds": []string{"1"}, "termId": 9, "yearId": 2026})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, envelope.Success)
}

func TestMalformedBodyRejected(t *testing.T) {
	server := newTestServer(t, psUpstream(nil), http.NewServeMux())

	resp, err := http.Post(server.URL+"/api/integration/connect", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, psUpstream(nil), http.NewServeMux())

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
