package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldlog/datalogger/server/internal/api"
	"github.com/fieldlog/datalogger/server/internal/auth"
	"github.com/fieldlog/datalogger/server/internal/config"
	"github.com/fieldlog/datalogger/server/internal/receiver"
	"github.com/fieldlog/datalogger/server/internal/store"
)

func main() {
	configPath := flag.String("config", "collector.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("datalogger-collector starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	c := cfg.Collector

	slog.Info("config loaded",
		"listen", c.Listen,
		"auth_mode", c.Auth.Mode,
		"device_ttl", c.Devices.TTL,
		"dedupe_window", c.Dedupe.Window,
	)
	if c.Auth.Mode != "" && c.Auth.Mode != "none" && c.Auth.Secret() == "" {
		slog.Warn("auth secret is empty, accepting unauthenticated requests", "mode", c.Auth.Mode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Device store with background TTL eviction.
	st := store.New(c.Devices.TTL, c.Dedupe.Window)
	go st.Run(ctx)

	requireAuth := auth.Middleware(c.Auth.Mode, c.Auth.EffectiveHeader(), c.Auth.Secret())
	devices := api.New(st)

	mux := http.NewServeMux()
	mux.Handle("/v1/readings", requireAuth(receiver.New(st, c.MaxBodyBytes)))
	mux.Handle("/v1/devices", requireAuth(devices))
	mux.Handle("/v1/devices/", requireAuth(devices))
	mux.Handle("/healthz", devices)

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		slog.Info("HTTP receiver listening", "addr", c.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("datalogger-collector shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "err", err)
	}
}
