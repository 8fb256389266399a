// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config defines and loads SIS Bridge configuration with layered
// sources: built-in defaults, an optional YAML file, and environment
// variable overrides (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the process.
type Config struct {
	Logging LoggingConfig  `koanf:"logging"`
	Server  ServerConfig   `koanf:"server"`
	Sync    SyncConfig     `koanf:"sync"`
	Monitor MonitorConfig  `koanf:"monitor"`
	Tenants []TenantConfig `koanf:"tenants" validate:"dive"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout        time.Duration `koanf:"timeout"`
	MetricsEnabled bool          `koanf:"metrics_enabled"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SyncConfig tunes the bulk sync engine. The defaults mirror the observed
// upstream constraints: 100-row roster pages, chunked attendance fan-out
// with a fixed inter-batch throttle.
type SyncConfig struct {
	RosterPageSize      int           `koanf:"roster_page_size" validate:"gt=0"`
	RosterConcurrency   int           `koanf:"roster_concurrency" validate:"gt=0"`
	MaxPageSize         int           `koanf:"max_page_size" validate:"gt=0"`
	AttendanceChunkSize int           `koanf:"attendance_chunk_size" validate:"gt=0"`
	CheckChunkSize      int           `koanf:"check_chunk_size" validate:"gt=0"`
	InterBatchDelay     time.Duration `koanf:"inter_batch_delay" validate:"gte=0"`
	RetryAttempts       int           `koanf:"retry_attempts" validate:"gte=0"`
	AttendanceRetries   int           `koanf:"attendance_retries" validate:"gte=0"`
}

// MonitorConfig tunes the job health monitor thresholds and cadence.
type MonitorConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// AllowableRunHours bounds the long-running sync job check.
	AllowableRunHours int `koanf:"allowable_run_hours" validate:"gt=0"`

	// AllowableRunMinutes bounds the attendance-write job checks.
	AllowableRunMinutes int `koanf:"allowable_run_minutes" validate:"gt=0"`

	// MinDelayedRecords is how many delayed attendance-write jobs must
	// exceed the threshold before a pile-up alert is sent.
	MinDelayedRecords int `koanf:"min_delayed_records" validate:"gt=0"`

	// QueueURL is the job-queue introspection endpoint.
	QueueURL string `koanf:"queue_url" validate:"omitempty,url"`

	// AlertWebhookURL receives alert notifications.
	AlertWebhookURL string `koanf:"alert_webhook_url" validate:"omitempty,url"`
}

// TenantConfig declares one tenant integration session to activate at
// startup. Credentials are per integration family: client id/secret for
// PowerSchool, API + subscription keys for FACTS.
type TenantConfig struct {
	Domain          string `koanf:"domain" validate:"required"`
	IntegrationType string `koanf:"integration_type" validate:"required,oneof=powerschool facts clever veracross"`
	BaseURL         string `koanf:"base_url" validate:"required,url"`
	ClientID        string `koanf:"client_id"`
	ClientSecret    string `koanf:"client_secret"`
	APIKey          string `koanf:"api_key"`
	SubscriptionKey string `koanf:"subscription_key"`
}

// Default returns a Config with all defaults applied. These are
// layered first, then overridden by file and environment values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8390,
			Timeout:        30 * time.Second,
			MetricsEnabled: true,
		},
		Sync: SyncConfig{
			RosterPageSize:      100,
			RosterConcurrency:   4,
			MaxPageSize:         50000,
			AttendanceChunkSize: 5,
			CheckChunkSize:      10,
			InterBatchDelay:     2 * time.Second,
			RetryAttempts:       5,
			AttendanceRetries:   3,
		},
		Monitor: MonitorConfig{
			Enabled:             false,
			Interval:            15 * time.Minute,
			AllowableRunHours:   9,
			AllowableRunMinutes: 45,
			MinDelayedRecords:   30,
		},
	}
}

// Validate checks the configuration for structural problems before any
// network call is made.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for i, tenant := range c.Tenants {
		switch tenant.IntegrationType {
		case "powerschool":
			if tenant.ClientID == "" || tenant.ClientSecret == "" {
				return fmt.Errorf("tenant %d (%s): powerschool requires client_id and client_secret", i, tenant.Domain)
			}
		case "facts":
			if tenant.APIKey == "" || tenant.SubscriptionKey == "" {
				return fmt.Errorf("tenant %d (%s): facts requires api_key and subscription_key", i, tenant.Domain)
			}
		}
	}
	return nil
}
