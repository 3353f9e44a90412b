package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/fintech-ledger/internal/api"
	"github.com/example/fintech-ledger/internal/app"
	"github.com/example/fintech-ledger/internal/auth"
	"github.com/example/fintech-ledger/internal/config"
	"github.com/example/fintech-ledger/internal/domain/account"
	"github.com/example/fintech-ledger/internal/domain/escrow"
	"github.com/example/fintech-ledger/internal/infrastructure/store"
	"github.com/example/fintech-ledger/internal/projection"
	"github.com/example/fintech-ledger/internal/query"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.SetupLogger("eventstore")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("backend", cfg.StoreBackend).
		Str("publisher", cfg.Publisher).
		Uint64("snapshot_every", cfg.SnapshotEvery).
		Bool("auth", cfg.AuthEnabled()).
		Msg("Starting event store")

	registry, err := app.NewRegistry(cfg.AliasesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build event registry")
	}

	// Read models are kept in-process and fed synchronously after commit
	readStore := store.NewReadStore()
	projector := projection.NewProjector(readStore, registry)
	publishers := store.Publishers{projector}

	broker, err := app.ConnectBroker(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect publisher")
	}
	if broker != nil {
		defer broker.Close()
		publishers = append(publishers, broker)
	}

	clock := clockwork.NewRealClock()
	backend, err := app.OpenStore(ctx, cfg, store.WithClock(clock), store.WithPublisher(publishers))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open event store")
	}
	defer backend.Close()

	if backend.Reader != nil && cfg.RebuildOnStart {
		if _, err := projector.Rebuild(ctx, backend.Reader, projection.DefaultRebuildBatch); err != nil {
			log.Fatal().Err(err).Msg("Failed to rebuild read models")
		}
	}

	accountRepo := account.NewRepository(backend.Store, registry, app.RepositoryOptions(cfg)...)
	escrowRepo := escrow.NewRepository(backend.Store, registry, app.RepositoryOptions(cfg)...)

	var jwtService *auth.JWTService
	if cfg.AuthEnabled() {
		jwtService = auth.NewJWTService(cfg.JWTSecret, cfg.JWTExpiry, clock)
	}

	server := api.NewServer(api.Dependencies{
		Store:    backend.Store,
		Registry: registry,
		Accounts: account.NewService(accountRepo, clock),
		Escrows:  escrow.NewService(escrowRepo, clock),
		Queries:  query.NewHandler(readStore),
		JWT:      jwtService,
	})

	if err := server.Run(ctx, cfg.HTTPAddr); err != nil {
		log.Error().Err(err).Msg("HTTP server stopped")
	}

	log.Info().Msg("Shutting down, waiting for pending snapshots")
	accountRepo.Wait()
	escrowRepo.Wait()
}
