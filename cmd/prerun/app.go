package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/ranierigmusella/ckan-docker/internal/api"
	"github.com/ranierigmusella/ckan-docker/internal/ckan"
	"github.com/ranierigmusella/ckan-docker/internal/clients"
	"github.com/ranierigmusella/ckan-docker/internal/config"
	"github.com/ranierigmusella/ckan-docker/internal/orchestrator"
	"github.com/ranierigmusella/ckan-docker/internal/telemetry"
)

// AppContext holds all constructed application dependencies shared across
// subcommands. It is built once in PersistentPreRunE.
type AppContext struct {
	cfg          *config.Config
	otelProvider *telemetry.Provider
	orchestrator *orchestrator.Orchestrator
	router       *api.Router
}

// buildAppContext constructs all application dependencies from cfg:
//  1. Initialises the OTEL provider (best-effort, non-fatal)
//  2. Creates the dependency clients and the CKAN CLI runner
//  3. Puts a circuit breaker in front of each client for deep health
//  4. Creates the orchestrator and the HTTP router
func buildAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	app := &AppContext{cfg: cfg}

	// An empty endpoint disables tracing so no exporter retries in the
	// background when no collector runs.
	if cfg.Telemetry.OTLPEndpoint == "" {
		slog.Debug("OTEL tracing disabled (no endpoint configured)")
	} else {
		tp, err := telemetry.InitProvider(ctx,
			cfg.Telemetry.OTLPEndpoint,
			cfg.Telemetry.ServiceName,
			cfg.Telemetry.OTLPInsecure,
		)
		if err != nil {
			slog.Warn("OTEL provider init failed, tracing disabled", "err", err)
		} else {
			app.otelProvider = tp
		}
	}

	b := cfg.Bootstrap

	primary := clients.NewPostgresClient(orchestrator.KindPrimaryDB, b.Postgres.URL)
	datastore := clients.NewPostgresClient(orchestrator.KindDatastoreDB, b.Datastore.WriteURL)
	solr := clients.NewSolrClient(b.Solr.URL)
	redis := clients.NewRedisClient(b.Redis.URL)

	// Readiness waits use the bare clients. Only /health/deep goes through
	// the breakers, each of which trips independently.
	threshold := b.RetryAttempts
	app.orchestrator = orchestrator.New(cfg, orchestrator.Dependencies{
		PrimaryDB: primary,
		Datastore: datastore,
		Search:    solr,
		Redis:     redis,
		CKAN:      ckan.NewRunner(cfg.CKAN, b.TransientPause),
		Health: []orchestrator.EndpointProber{
			clients.Guard(primary, clients.NewCircuitBreaker("ckan-db", threshold)),
			clients.Guard(datastore, clients.NewCircuitBreaker("datastore-db", threshold)),
			clients.Guard(solr, clients.NewCircuitBreaker("solr", threshold)),
			clients.Guard(redis, clients.NewCircuitBreaker("redis", threshold)),
		},
	})
	app.router = api.NewRouter(app.orchestrator, cfg.Telemetry.ServiceName)

	return app, nil
}

// shutdownTelemetry flushes pending spans. Safe to call when tracing is off.
func (a *AppContext) shutdownTelemetry() {
	if a.otelProvider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.otelProvider.Shutdown(ctx); err != nil {
		slog.Warn("OTEL shutdown error", "err", err)
	}
}
