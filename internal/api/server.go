package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/example/fintech-ledger/internal/api/middleware"
	"github.com/example/fintech-ledger/internal/auth"
	"github.com/example/fintech-ledger/internal/codec"
	"github.com/example/fintech-ledger/internal/domain/account"
	"github.com/example/fintech-ledger/internal/domain/aggregate"
	"github.com/example/fintech-ledger/internal/domain/escrow"
	"github.com/example/fintech-ledger/internal/query"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Dependencies wires the server to the ledger core. Route groups are only
// mounted for the dependencies that are set; the stream routes need both
// Store and Registry. JWT may be nil, in which case the API is served
// without authentication.
type Dependencies struct {
	Store    aggregate.Store
	Registry *codec.Registry
	Accounts *account.Service
	Escrows  *escrow.Service
	Queries  *query.Handler
	JWT      *auth.JWTService
}

// Server is the HTTP surface of the event store
type Server struct {
	router   *gin.Engine
	store    aggregate.Store
	registry *codec.Registry
	accounts *account.Service
	escrows  *escrow.Service
	queries  *query.Handler
	jwt      *auth.JWTService
}

func NewServer(deps Dependencies) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())

	s := &Server{
		router:   router,
		store:    deps.Store,
		registry: deps.Registry,
		accounts: deps.Accounts,
		escrows:  deps.Escrows,
		queries:  deps.Queries,
		jwt:      deps.JWT,
	}
	s.setupRoutes()

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "eventstore"})
	})

	api := s.router.Group("/api/v1")
	if s.jwt != nil {
		api.Use(middleware.AuthMiddleware(s.jwt))
	}

	if s.store != nil && s.registry != nil {
		streams := api.Group("/streams/:aggregate_id")
		{
			streams.POST("/events", s.writer(s.handleAppendEvents)...)
			streams.GET("/events", s.handleReadEvents)
			streams.GET("/version", s.handleGetVersion)
			streams.GET("/snapshot", s.handleGetSnapshot)
		}
	}

	if s.accounts != nil {
		accounts := api.Group("/accounts")
		{
			accounts.POST("", s.writer(s.handleOpenAccount)...)
			accounts.GET("/:id", s.handleGetAccount)
			accounts.POST("/:id/deposits", s.writer(s.handleDeposit)...)
			accounts.POST("/:id/withdrawals", s.writer(s.handleWithdraw)...)
			accounts.POST("/:id/freeze", s.writer(s.handleFreezeAccount)...)
			accounts.POST("/:id/unfreeze", s.writer(s.handleUnfreezeAccount)...)
			accounts.POST("/:id/close", s.writer(s.handleCloseAccount)...)
		}
	}

	if s.escrows != nil {
		escrows := api.Group("/escrows")
		{
			escrows.POST("", s.writer(s.handleFundEscrow)...)
			escrows.GET("/:id", s.handleGetEscrow)
			escrows.POST("/:id/release", s.writer(s.handleReleaseEscrow)...)
			escrows.POST("/:id/refund", s.writer(s.handleRefundEscrow)...)
			escrows.POST("/:id/dispute", s.writer(s.handleDisputeEscrow)...)
			escrows.POST("/:id/resolve", s.writer(s.handleResolveEscrow)...)
		}
	}

	// Projected read models. They trail the event store.
	if s.queries != nil {
		views := api.Group("/views")
		{
			views.GET("/accounts", s.handleListAccounts)
			views.GET("/accounts/:id", s.handleViewAccount)
			views.GET("/balances", s.handleTotalBalance)
			views.GET("/escrows", s.handleListEscrows)
			views.GET("/escrows/:id", s.handleViewEscrow)
		}
	}
}

// writer guards a mutating handler when authentication is enabled
func (s *Server) writer(h gin.HandlerFunc) []gin.HandlerFunc {
	if s.jwt == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{middleware.RequireWriter(), h}
}
