// Package main runs the escrow settlement server: REST API, metrics
// endpoint and the background expiry sweeper.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	app "github.com/trademesh/escrow/internal/app"
	"github.com/trademesh/escrow/internal/app/httpapi"
	"github.com/trademesh/escrow/internal/app/metrics"
	"github.com/trademesh/escrow/internal/app/storage"
	"github.com/trademesh/escrow/internal/app/storage/postgres"
	"github.com/trademesh/escrow/internal/middleware"
	"github.com/trademesh/escrow/pkg/logger"
)

type config struct {
	Addr        string `env:"ESCROW_ADDR,default=:8080"`
	DatabaseURL string `env:"DATABASE_URL,default="`
	APITokens   string `env:"ESCROW_API_TOKENS,default="`
	RateLimit   int    `env:"ESCROW_RATE_LIMIT,default=25"`
	RateBurst   int    `env:"ESCROW_RATE_BURST,default=50"`
}

func main() {
	_ = godotenv.Load() // allow .env for local runs

	log := logger.NewDefault("server")

	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		log.WithError(err).Error("failed to read configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("failed to open postgres store")
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.WithError(err).Error("failed to run migrations")
			os.Exit(1)
		}
		store = pg
		log.Info("using postgres store")
	} else {
		log.Info("using in-memory store")
	}

	application, err := app.New(app.Options{Store: store}, logger.NewDefault("app"))
	if err != nil {
		log.WithError(err).Error("failed to build application")
		os.Exit(1)
	}
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start services")
		os.Exit(1)
	}

	var tokens []string
	if cfg.APITokens != "" {
		tokens = strings.Split(cfg.APITokens, ",")
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, logger.NewDefault("ratelimit"))
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	var api http.Handler = httpapi.NewHandler(application)
	api = limiter.Handler(api)
	api = middleware.Auth(tokens, logger.NewDefault("auth"))(api)
	api = middleware.Logging(logger.NewDefault("http"))(api)
	api = metrics.InstrumentHandler(api)
	mux.Handle("/", api)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("escrow server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server error")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Infof("received signal %s, shutting down", s)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown")
	}
	log.Info("shutdown complete")
}
