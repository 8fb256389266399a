// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine drives the bulk synchronization flows: paginated roster
// imports into the tenant cache and throttled chunked fan-out for the
// per-student attendance lookups.
//
// Upstream SIS rate limits shape everything here. Attendance calls run in
// small fixed-size batches with an inter-batch delay; a single student's
// failure never aborts the batch.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/visitu/sisbridge/internal/config"
	"github.com/visitu/sisbridge/internal/facts"
	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/metrics"
	"github.com/visitu/sisbridge/internal/models"
	"github.com/visitu/sisbridge/internal/store"
)

// RosterSource is the paginated roster surface of an integration client.
type RosterSource interface {
	StudentCount(ctx context.Context, schoolID string) (int, error)
	StudentsPage(ctx context.Context, schoolID string, page, pageSize int) ([]models.RosterUser, error)
}

// AttendanceFetcher fetches attendance rows for a filter expression.
type AttendanceFetcher interface {
	StudentAttendance(ctx context.Context, q facts.AttendanceQuery) ([]models.AttendanceRecord, error)
}

// AttendanceChecker runs the per-student home-room attendance check.
type AttendanceChecker interface {
	AttendanceCheck(ctx context.Context, req facts.CheckRequest) (models.AttendanceCheckResult, error)
}

// SleepFunc abstracts the inter-batch delay so tests can run instantly.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Engine coordinates bulk sync flows against the tenant cache.
type Engine struct {
	store *store.Store
	cfg   config.SyncConfig
	sleep SleepFunc

	// loaded counts students processed by the current chunked operation.
	loaded atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces the inter-batch delay (tests).
func WithSleep(s SleepFunc) Option {
	return func(e *Engine) { e.sleep = s }
}

// New creates a sync engine writing into st.
func New(st *store.Store, cfg config.SyncConfig, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		cfg:   cfg,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Loaded returns the number of students processed so far by the chunked
// operation in flight. It resets when a new operation starts.
func (e *Engine) Loaded() int64 {
	return e.loaded.Load()
}

// SyncRoster imports a school's full student roster into the tenant cache:
// the student count determines the page span, pages are fetched
// concurrently, and the combined roster is upserted in page order. A
// positive limit truncates the roster before the upsert.
//
// Returns the number of users written.
func (e *Engine) SyncRoster(ctx context.Context, src RosterSource, tenantDomain, schoolID string, limit int) (int, error) {
	count, err := src.StudentCount(ctx, schoolID)
	if err != nil {
		return 0, fmt.Errorf("count students for school %s: %w", schoolID, err)
	}
	if count == 0 {
		return 0, nil
	}

	pageSize := e.cfg.RosterPageSize
	pages := (count + pageSize - 1) / pageSize

	logging.Info().
		Str("tenant", tenantDomain).
		Str("school_id", schoolID).
		Int("count", count).
		Int("pages", pages).
		Msg("Starting roster sync")

	byPage := make([][]models.RosterUser, pages)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.RosterConcurrency)
	for page := 1; page <= pages; page++ {
		g.Go(func() error {
			users, err := src.StudentsPage(gctx, schoolID, page, pageSize)
			if err != nil {
				return fmt.Errorf("fetch roster page %d: %w", page, err)
			}
			byPage[page-1] = users
			metrics.SyncPagesFetched.WithLabelValues(string(models.IntegrationPowerSchool)).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	roster := make([]models.RosterUser, 0, count)
	for _, users := range byPage {
		roster = append(roster, users...)
	}
	if limit > 0 && len(roster) > limit {
		roster = roster[:limit]
	}

	e.store.UpsertUsers(tenantDomain, roster...)
	metrics.SyncEntitiesUpserted.
		WithLabelValues(string(models.IntegrationPowerSchool), "user").
		Add(float64(len(roster)))

	logging.Info().
		Str("tenant", tenantDomain).
		Str("school_id", schoolID).
		Int("users", len(roster)).
		Msg("Roster sync complete")
	return len(roster), nil
}

// SyncAttendanceRange fetches attendance rows for every student over a
// date range (dates are YYYY-MM-DD, inclusive). Students are processed in
// batches with an inter-batch delay; a failed student contributes no rows
// and does not abort the run. Results preserve student order.
func (e *Engine) SyncAttendanceRange(ctx context.Context, fetcher AttendanceFetcher, studentIDs []string, startDate, endDate string) ([]models.AttendanceRecord, error) {
	e.loaded.Store(0)

	baseFilters := fmt.Sprintf(
		"attendanceDate>=%sT00:00:00Z , attendanceDate<=%sT23:59:59Z", startDate, endDate)

	var all []models.AttendanceRecord
	err := e.forEachChunk(ctx, studentIDs, e.cfg.AttendanceChunkSize, "attendance_range",
		func(ctx context.Context, chunk []string) error {
			byStudent := make([][]models.AttendanceRecord, len(chunk))
			g, gctx := errgroup.WithContext(ctx)
			for i, studentID := range chunk {
				g.Go(func() error {
					records, err := fetcher.StudentAttendance(gctx, facts.AttendanceQuery{
						Filters: baseFilters + " , studentId==" + studentID,
					})
					if err != nil {
						logging.Warn().
							Err(err).
							Str("student_id", studentID).
							Msg("Attendance fetch failed for student, skipping")
						return nil
					}
					byStudent[i] = records
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			for _, records := range byStudent {
				all = append(all, records...)
			}
			e.loaded.Add(int64(len(chunk)))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// SyncAttendanceCheck runs the home-room attendance check for every
// student in throttled batches. Failed students are dropped from the
// result; order is otherwise preserved.
func (e *Engine) SyncAttendanceCheck(ctx context.Context, checker AttendanceChecker, studentIDs []string, termID, yearID int) ([]models.AttendanceCheckResult, error) {
	e.loaded.Store(0)

	var all []models.AttendanceCheckResult
	err := e.forEachChunk(ctx, studentIDs, e.cfg.CheckChunkSize, "attendance_check",
		func(ctx context.Context, chunk []string) error {
			byStudent := make([]*models.AttendanceCheckResult, len(chunk))
			g, gctx := errgroup.WithContext(ctx)
			for i, studentID := range chunk {
				g.Go(func() error {
					result, err := checker.AttendanceCheck(gctx, facts.CheckRequest{
						StudentID: studentID,
						TermID:    termID,
						YearID:    yearID,
					})
					if err != nil {
						logging.Warn().
							Err(err).
							Str("student_id", studentID).
							Msg("Attendance check failed for student, skipping")
						return nil
					}
					byStudent[i] = &result
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			for _, result := range byStudent {
				if result != nil {
					all = append(all, *result)
				}
			}
			e.loaded.Add(int64(len(chunk)))
			return nil
		})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// forEachChunk splits ids into fixed-size chunks and runs fn per chunk,
// sleeping the inter-batch delay after each one.
func (e *Engine) forEachChunk(ctx context.Context, ids []string, size int, operation string, fn func(ctx context.Context, chunk []string) error) error {
	if size <= 0 {
		size = 1
	}
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		if err := fn(ctx, ids[start:end]); err != nil {
			return err
		}
		metrics.SyncBatchesCompleted.
			WithLabelValues(string(models.IntegrationFACTS), operation).
			Inc()
		if err := e.sleep(ctx, e.cfg.InterBatchDelay); err != nil {
			return err
		}
	}
	return nil
}
