// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main is the entry point for the SIS Bridge server.
//
// SIS Bridge synchronizes rosters, schedules and attendance between a
// school's Student Information System (PowerSchool or FACTS) and Visitu
// tenants, and watches the background job queue for stuck integrations.
//
// # Startup order
//
//  1. Configuration: layered load from defaults, YAML file and
//     environment variables (Koanf v2)
//  2. Logging: zerolog, JSON or console format
//  3. Core services: session store, credential provider, sync engine
//  4. Job monitor (optional): periodic queue health checks with webhook
//     alerting
//  5. HTTP server: integration API plus Prometheus metrics
//
// # Configuration
//
// Settings load from SISBRIDGE_-prefixed environment variables and from
// the first config file found (config.yaml, or the path in
// SISBRIDGE_CONFIG). Tenants and their credentials are declared in the
// config file only; secrets never appear in logs.
//
// # Signal handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the supervision tree
// stops the job monitor and drains in-flight HTTP requests before the
// process exits.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visitu/sisbridge/internal/api"
	"github.com/visitu/sisbridge/internal/config"
	"github.com/visitu/sisbridge/internal/credentials"
	"github.com/visitu/sisbridge/internal/engine"
	"github.com/visitu/sisbridge/internal/facts"
	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/jobmonitor"
	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/models"
	"github.com/visitu/sisbridge/internal/powerschool"
	"github.com/visitu/sisbridge/internal/store"
	"github.com/visitu/sisbridge/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (overrides "+config.ConfigPathEnvVar+")")
	mode := flag.String("mode", "serve", "run mode: serve or sync")
	flag.Parse()

	if *configPath != "" {
		os.Setenv(config.ConfigPathEnvVar, *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("tenants", len(cfg.Tenants)).
		Str("addr", cfg.Server.Addr()).
		Str("mode", *mode).
		Bool("monitor", cfg.Monitor.Enabled).
		Msg("Starting SIS Bridge")

	sessions := store.New()
	creds := credentials.NewProvider(credentials.NewStore(), fetch.New("oauth"))
	eng := engine.New(sessions, cfg.Sync)

	switch *mode {
	case "sync":
		if err := runSync(cfg, sessions, creds, eng); err != nil {
			logging.Fatal().Err(err).Msg("One-shot sync failed")
		}
		logging.Info().Msg("One-shot sync finished")
		return
	case "serve":
	default:
		logging.Fatal().Str("mode", *mode).Msg("Unknown run mode")
	}

	apiServer := api.NewServer(cfg, sessions, creds, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	})

	if cfg.Monitor.Enabled {
		queue := jobmonitor.NewHTTPQueueInspector(cfg.Monitor.QueueURL, nil)
		notifier := jobmonitor.NewWebhookNotifier(cfg.Monitor.AlertWebhookURL, nil)
		monitor := jobmonitor.New(cfg.Monitor, queue, configDirectory{cfg}, notifier)
		tree.AddJobService(jobmonitor.NewService(monitor, cfg.Monitor.Interval))
		logging.Info().
			Dur("interval", cfg.Monitor.Interval).
			Msg("Job monitor added to supervisor tree")
	} else {
		logging.Info().Msg("Job monitor disabled")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  2 * cfg.Server.Timeout,
	}
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, 10*time.Second))
	logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain until the supervisor has fully stopped.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("SIS Bridge stopped")
}

// runSync performs a one-shot roster synchronization for every configured
// tenant: locations first, then the student roster per location.
// Per-tenant failures are logged and do not stop the remaining tenants.
func runSync(cfg *config.Config, sessions *store.Store, creds *credentials.Provider, eng *engine.Engine) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var failed int
	for _, tenant := range cfg.Tenants {
		log := logging.With().Str("tenant", tenant.Domain).Logger()
		if err := syncTenant(ctx, tenant, sessions, creds, eng); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			log.Error().Err(err).Msg("Tenant sync failed")
			continue
		}
		log.Info().Msg("Tenant sync complete")
	}
	if failed == len(cfg.Tenants) && failed > 0 {
		return errors.New("all tenant syncs failed")
	}
	return nil
}

func syncTenant(ctx context.Context, tenant config.TenantConfig, sessions *store.Store, creds *credentials.Provider, eng *engine.Engine) error {
	session := models.Session{
		TenantDomain:    tenant.Domain,
		IntegrationType: models.IntegrationType(tenant.IntegrationType),
		BaseURL:         tenant.BaseURL,
		ClientID:        tenant.ClientID,
		ClientSecret:    tenant.ClientSecret,
		APIKey:          tenant.APIKey,
		SubscriptionKey: tenant.SubscriptionKey,
	}

	switch session.IntegrationType {
	case models.IntegrationPowerSchool:
		if _, err := creds.AccessToken(ctx, session, false); err != nil {
			return err
		}
		client := powerschool.New(session, creds)
		if capability, err := client.ProbeFixedPlugin(ctx); err == nil {
			session.Plugin = capability
			client = powerschool.New(session, creds)
		} else {
			logging.Warn().Err(err).Str("tenant", tenant.Domain).
				Msg("Plugin capability probe failed, assuming legacy")
			session.Plugin = models.PluginLegacy
		}
		sessions.Activate(session)

		schools, err := client.Schools(ctx)
		if err != nil {
			return err
		}
		sessions.UpsertLocations(tenant.Domain, schools...)
		for _, school := range schools {
			written, err := eng.SyncRoster(ctx, client, tenant.Domain, school.ID, 0)
			if err != nil {
				return err
			}
			logging.Info().Str("tenant", tenant.Domain).Str("school", school.ID).
				Int("students", written).Msg("Roster synchronized")
		}
		return nil

	case models.IntegrationFACTS:
		sessions.Activate(session)
		client := facts.New(session)

		schools, err := client.Schools(ctx, 0)
		if err != nil {
			return err
		}
		sessions.UpsertLocations(tenant.Domain, schools...)
		for _, school := range schools {
			students, err := client.Students(ctx, facts.StudentsQuery{SchoolID: school.ID})
			if err != nil {
				return err
			}
			sessions.UpsertUsers(tenant.Domain, students...)
			logging.Info().Str("tenant", tenant.Domain).Str("school", school.ID).
				Int("students", len(students)).Msg("Roster synchronized")
		}
		return nil

	default:
		return errors.New("unknown integration type " + tenant.IntegrationType)
	}
}

// configDirectory resolves tenant ids to display names from the static
// tenant declarations.
type configDirectory struct {
	cfg *config.Config
}

func (d configDirectory) TenantName(_ context.Context, tenantID string) (string, error) {
	for _, t := range d.cfg.Tenants {
		if t.Domain == tenantID {
			return t.Domain, nil
		}
	}
	return "", errors.New("tenant not declared in configuration")
}
