package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/fintech-ledger/internal/api"
	"github.com/example/fintech-ledger/internal/app"
	"github.com/example/fintech-ledger/internal/auth"
	"github.com/example/fintech-ledger/internal/config"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/example/fintech-ledger/internal/projection"
	"github.com/example/fintech-ledger/internal/query"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.SetupLogger("projector")

	if cfg.Publisher == config.PublisherNone {
		log.Fatal().Msg("PUBLISHER must be kafka or nats for the projector")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := app.NewRegistry(cfg.AliasesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build event registry")
	}

	readStore := store.NewReadStore()
	projector := projection.NewProjector(readStore, registry)

	// Catch up from the store first. Replaying the broker afterwards is
	// harmless because projections skip versions they have already applied.
	if cfg.RebuildOnStart {
		rebuild(ctx, cfg, projector)
	}

	broker, err := app.ConnectBroker(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect broker")
	}
	defer broker.Close()

	var jwtService *auth.JWTService
	if cfg.AuthEnabled() {
		jwtService = auth.NewJWTService(cfg.JWTSecret, cfg.JWTExpiry, nil)
	}
	server := api.NewServer(api.Dependencies{
		Queries: query.NewHandler(readStore),
		JWT:     jwtService,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("publisher", cfg.Publisher).Msg("Consuming events")
		return broker.Consume(ctx, projector.HandleEvent)
	})
	g.Go(func() error {
		return server.Run(ctx, cfg.HTTPAddr)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Projector stopped")
	}
	log.Info().Msg("Projector shut down")
}

func rebuild(ctx context.Context, cfg *config.Config, projector *projection.Projector) {
	backend, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event store for rebuild")
	}
	defer backend.Close()

	if backend.Reader == nil {
		log.Warn().Str("backend", cfg.StoreBackend).Msg("Backend has no global feed, skipping rebuild")
		return
	}
	if _, err := projector.Rebuild(ctx, backend.Reader, projection.DefaultRebuildBatch); err != nil {
		log.Fatal().Err(err).Msg("Failed to rebuild read models")
	}
}
