// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobmonitor

import (
	"context"
	"time"

	"github.com/visitu/sisbridge/internal/logging"
)

// Service adapts a Monitor to suture.Service, running a pass on a fixed
// cadence until the context is cancelled. Pass failures are logged, not
// returned, so the supervisor does not restart the service on a transient
// queue API outage.
type Service struct {
	monitor  *Monitor
	interval time.Duration
}

// NewService wraps monitor for supervision at the given cadence.
func NewService(monitor *Monitor, interval time.Duration) *Service {
	return &Service{monitor: monitor, interval: interval}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", s.interval).Msg("Job health monitor started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Job health monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.monitor.Run(ctx); err != nil {
				logging.Error().Err(err).Msg("Job health check pass failed")
			}
		}
	}
}

// String names the service in supervisor logs.
func (s *Service) String() string {
	return "jobmonitor"
}
