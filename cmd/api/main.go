package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/SilentHawker/AML-platform/internal/app"
	"github.com/SilentHawker/AML-platform/internal/config"
	"github.com/SilentHawker/AML-platform/internal/gitrepo"
	"github.com/SilentHawker/AML-platform/internal/logger"
	"github.com/SilentHawker/AML-platform/internal/metrics"
	"github.com/SilentHawker/AML-platform/internal/session"
	"github.com/SilentHawker/AML-platform/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: os.Stdout,
	})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		os.Exit(1)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Error().Err(err).Msg("migrations failed")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", cfg.ArchiveDir).Msg("failed to create archive dir")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []app.Option{
		app.WithLogger(log),
		app.WithMetrics(metrics.New(registry)),
		app.WithArchive(gitrepo.New(cfg.ArchiveDir)),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		locker, err := session.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			log.Error().Err(err).Msg("redis connection failed")
			os.Exit(1)
		}
		defer locker.Close()
		log.Info().Dur("ttl", cfg.LockTTL).Msg("using redis review locks")
		opts = append(opts, app.WithLocker(locker))
	}

	service, err := app.New(cfg, store.NewPostgresStore(db), opts...)
	if err != nil {
		log.Error().Err(err).Msg("invalid engine configuration")
		os.Exit(1)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.LogServerStart(cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.LogServerShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
