// Package main runs captchad, the captcha coordination service.
//
// Operators poll it for challenges and submit answers, download workers
// submit challenges and wait for the answers. Outstanding tasks are mirrored
// into Redis and metrics are exposed for Prometheus.
//
// Usage:
//
//	go run cmd/server/main.go
//
// See pkg/config for the environment variables.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guido-cesarano/captchad/pkg/captcha"
	"github.com/guido-cesarano/captchad/pkg/config"
	"github.com/guido-cesarano/captchad/pkg/logger"
	"github.com/guido-cesarano/captchad/pkg/plugins"
	"github.com/guido-cesarano/captchad/pkg/remote"
	"github.com/guido-cesarano/captchad/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRouter mounts the operator and download worker endpoints.
func setupRouter(srv *remote.Server, timeout time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	srv.Register(mux)
	srv.RegisterChallenges(mux, timeout)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.SetDebug(cfg.Debug)
	logger.Log.Info().Bool("production", cfg.Production()).Bool("debug", cfg.Debug).Msg("Starting captchad")

	registry := plugins.NewRegistry()
	sessions := remote.NewSessions(cfg.Captcha.ClientTTL)
	manager := captcha.NewManager(sessions, registry, captcha.WithDebug(cfg.Debug))

	opts := remote.Options{
		APIKey:      cfg.APIKey,
		AnswerRate:  cfg.Captcha.AnswerRate,
		AnswerBurst: cfg.Captcha.AnswerBurst,
	}
	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	}

	client := store.NewClient(cfg.Redis.Addr)
	defer client.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	err = client.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logger.Log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, running without mirror and rate limiting")
	} else {
		mirror := store.NewMirror(client)
		if err := registry.Register(mirror); err != nil {
			logger.Log.Fatal().Err(err).Msg("Failed to register mirror")
		}
		opts.Limiter = client
		opts.Mirror = client

		if _, err := client.Schedule(cfg.Captcha.SyncSpec, "mirror-sync", func(ctx context.Context) error {
			return mirror.Sync(ctx, manager.Tasks())
		}); err != nil {
			logger.Log.Fatal().Err(err).Str("spec", cfg.Captcha.SyncSpec).Msg("Invalid sync spec")
		}
		client.StartCron()
		defer client.StopCron()
	}

	srv := remote.NewServer(manager, sessions, opts)

	metrics := &http.Server{Addr: cfg.HTTP.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Log.Info().Str("addr", cfg.HTTP.MetricsAddr).Msg("Metrics server listening")
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	api := &http.Server{Addr: cfg.HTTP.Addr, Handler: setupRouter(srv, cfg.Captcha.Timeout)}
	go func() {
		<-ctx.Done()
		logger.Log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.Shutdown(shutdownCtx)
		metrics.Shutdown(shutdownCtx)
	}()

	logger.Log.Info().Str("addr", cfg.HTTP.Addr).Msg("Server listening")
	if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
}
