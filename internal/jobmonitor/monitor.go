// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package jobmonitor watches the background job queue for stuck work and
// raises operator alerts.
//
// Three checks run on every pass:
//
//  1. Active SyncIntegrations jobs running longer than the allowable hours.
//  2. Delayed WriteAttendance jobs past the allowable minutes, gated on a
//     minimum count so isolated stragglers stay quiet.
//  3. Active WriteAttendance jobs past the allowable minutes, any count.
//
// Each check sends at most one alert whose body concatenates one line per
// violating job. Notification failures are logged and swallowed; the
// monitor never aborts a pass because an alert could not be delivered.
package jobmonitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/visitu/sisbridge/internal/config"
	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/metrics"
	"github.com/visitu/sisbridge/internal/models"
)

// Monitored job names and queue statuses.
const (
	jobSyncIntegrations = "SyncIntegrations"
	jobWriteAttendance  = "WriteAttendance"

	statusActive  = "active"
	statusDelayed = "delayed"
)

// QueueInspector reads job snapshots from the queue introspection API.
type QueueInspector interface {
	Jobs(ctx context.Context, name, status string) ([]models.QueueJob, error)
}

// TenantDirectory resolves tenant ids to display names for alert text.
type TenantDirectory interface {
	TenantName(ctx context.Context, tenantID string) (string, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Send(ctx context.Context, event models.AlertEvent) error
}

// Monitor runs the periodic job health checks.
type Monitor struct {
	cfg      config.MonitorConfig
	queue    QueueInspector
	tenants  TenantDirectory
	notifier Notifier

	// now is injectable for tests.
	now func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a job health monitor.
func New(cfg config.MonitorConfig, queue QueueInspector, tenants TenantDirectory, notifier Notifier, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		queue:    queue,
		tenants:  tenants,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes one monitoring pass. Queue read failures fail the pass;
// notification failures do not.
func (m *Monitor) Run(ctx context.Context) error {
	metrics.MonitorRuns.Inc()
	logging.Debug().Msg("Running job health checks")

	if err := m.checkSyncIntegrations(ctx); err != nil {
		return fmt.Errorf("sync integrations check: %w", err)
	}
	if err := m.checkWriteAttendanceDelayed(ctx); err != nil {
		return fmt.Errorf("write attendance delayed check: %w", err)
	}
	if err := m.checkWriteAttendanceActive(ctx); err != nil {
		return fmt.Errorf("write attendance active check: %w", err)
	}
	return nil
}

// checkSyncIntegrations alerts on active sync jobs running past the
// allowable hours.
func (m *Monitor) checkSyncIntegrations(ctx context.Context) error {
	jobs, err := m.queue.Jobs(ctx, jobSyncIntegrations, statusActive)
	if err != nil {
		return err
	}

	allowable := time.Duration(m.cfg.AllowableRunHours) * time.Hour
	now := m.now()

	var body strings.Builder
	for _, job := range jobs {
		running := now.Sub(job.ProcessedOn)
		if running <= allowable {
			continue
		}
		hours := int(math.Floor(running.Hours()))
		fmt.Fprintf(&body,
			"The tenant '%s' (TenantId: %s) SyncIntegrations job has been running continuously for %d hours. \n",
			m.tenantName(ctx, job.Payload.Context.TenantID), job.Payload.Context.TenantID, hours)
	}

	if body.Len() > 0 {
		m.send(ctx, "sync_integrations", models.AlertEvent{
			Title: fmt.Sprintf("Job Running more than %d Hours - Action Required", m.cfg.AllowableRunHours),
			Body:  body.String(),
		})
	}
	return nil
}

// checkWriteAttendanceDelayed alerts on delayed attendance-write jobs past
// the allowable minutes, but only once the backlog reaches the minimum
// record threshold.
func (m *Monitor) checkWriteAttendanceDelayed(ctx context.Context) error {
	jobs, err := m.queue.Jobs(ctx, jobWriteAttendance, statusDelayed)
	if err != nil {
		return err
	}

	stuck := m.overdue(jobs)
	if len(stuck) < m.cfg.MinDelayedRecords {
		return nil
	}

	logging.Info().
		Int("delayed_jobs", len(stuck)).
		Int("min_records", m.cfg.MinDelayedRecords).
		Msg("Delayed attendance-write backlog over threshold")
	m.send(ctx, "write_attendance_delayed", models.AlertEvent{
		Title: m.minutesAlertTitle(),
		Body:  m.minutesAlertBody(ctx, stuck),
	})
	return nil
}

// checkWriteAttendanceActive alerts on any active attendance-write job past
// the allowable minutes.
func (m *Monitor) checkWriteAttendanceActive(ctx context.Context) error {
	jobs, err := m.queue.Jobs(ctx, jobWriteAttendance, statusActive)
	if err != nil {
		return err
	}

	stuck := m.overdue(jobs)
	if len(stuck) == 0 {
		return nil
	}

	m.send(ctx, "write_attendance_active", models.AlertEvent{
		Title: m.minutesAlertTitle(),
		Body:  m.minutesAlertBody(ctx, stuck),
	})
	return nil
}

// overdue filters jobs whose processing started more than the allowable
// minutes ago.
func (m *Monitor) overdue(jobs []models.QueueJob) []models.QueueJob {
	allowable := time.Duration(m.cfg.AllowableRunMinutes) * time.Minute
	now := m.now()

	var stuck []models.QueueJob
	for _, job := range jobs {
		if now.Sub(job.ProcessedOn) > allowable {
			stuck = append(stuck, job)
		}
	}
	return stuck
}

func (m *Monitor) minutesAlertTitle() string {
	return fmt.Sprintf("Job Running more than %d Minutes - Action Required", m.cfg.AllowableRunMinutes)
}

func (m *Monitor) minutesAlertBody(ctx context.Context, jobs []models.QueueJob) string {
	now := m.now()
	var body strings.Builder
	for _, job := range jobs {
		minutes := int(math.Floor(now.Sub(job.ProcessedOn).Minutes()))
		fmt.Fprintf(&body,
			"The tenant '%s' (TenantId: %s) WriteAttendance job has been running continuously for %d minutes. \n",
			m.tenantName(ctx, job.Payload.Context.TenantID), job.Payload.Context.TenantID, minutes)
	}
	return body.String()
}

// tenantName resolves a tenant display name, falling back to the id.
func (m *Monitor) tenantName(ctx context.Context, tenantID string) string {
	name, err := m.tenants.TenantName(ctx, tenantID)
	if err != nil || name == "" {
		logging.Warn().Err(err).Str("tenant_id", tenantID).Msg("Tenant name lookup failed")
		return tenantID
	}
	return name
}

// send delivers one alert, logging and swallowing delivery failures.
func (m *Monitor) send(ctx context.Context, check string, event models.AlertEvent) {
	if err := m.notifier.Send(ctx, event); err != nil {
		logging.Error().Err(err).Str("check", check).Msg("Alert delivery failed")
		return
	}
	metrics.MonitorAlertsSent.WithLabelValues(check).Inc()
	logging.Info().Str("check", check).Str("title", event.Title).Msg("Alert sent")
}
