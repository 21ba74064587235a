package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/tailship/tailship/pkg/metrics"
	"github.com/tailship/tailship/server/internal/api"
	"github.com/tailship/tailship/server/internal/archive"
	"github.com/tailship/tailship/server/internal/auth"
	"github.com/tailship/tailship/server/internal/config"
	"github.com/tailship/tailship/server/internal/receiver"
	"github.com/tailship/tailship/server/internal/store"
	"github.com/tailship/tailship/server/internal/ws"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to config file")
	logLevel := pflag.String("log-level", "", "override server.log_level (debug|info|warn|error)")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the config")
	pflag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "err", err)
	}

	slog.Info("tailship-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}
	level.Set(parseLevel(cfg.Server.LogLevel))

	slog.Info("config loaded",
		"listen", cfg.Server.ListenAddr(),
		"http_port", cfg.Server.HTTPPort,
		"retention", cfg.Server.Retention,
		"node_ttl", cfg.Server.NodeTTL,
		"auth_mode", cfg.Server.Auth.Mode,
		"storage", cfg.Server.Storage.Backend,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := metrics.NewRegistry()
	var wg sync.WaitGroup

	// Node registry with background TTL eviction.
	st := store.New(cfg.Server.Retention, cfg.Server.NodeTTL, store.WithLogger(logger))
	wg.Add(1)
	go func() {
		defer wg.Done()
		st.Run(ctx)
	}()

	// WebSocket live tail; also broadcasts the node list every 5 seconds.
	hub := ws.New(st, 5*time.Second, ws.WithLogger(logger), ws.WithMetrics(reg))
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	recvOpts := []receiver.Option{
		receiver.WithLogger(logger),
		receiver.WithMetrics(reg),
		receiver.WithSink(hub),
	}
	apiOpts := []api.Option{}

	// Optional SQLite archive.
	var arc *archive.Archive
	if cfg.Server.Storage.Backend == "sqlite" {
		arc, err = archive.Open(cfg.Server.Storage.Path,
			archive.WithLogger(logger),
			archive.WithMetrics(reg))
		if err != nil {
			slog.Error("failed to open archive", "path", cfg.Server.Storage.Path, "err", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			arc.Run(ctx)
		}()
		recvOpts = append(recvOpts, receiver.WithSink(arc))
		apiOpts = append(apiOpts, api.WithArchive(arc))
		slog.Info("archive enabled", "path", cfg.Server.Storage.Path)
	}

	// Frame listener for agents.
	lis, err := net.Listen("tcp", cfg.Server.ListenAddr())
	if err != nil {
		slog.Error("failed to listen for agents", "addr", cfg.Server.ListenAddr(), "err", err)
		os.Exit(1)
	}
	rcv := receiver.New(st, cfg.Server.Delimiter, recvOpts...)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rcv.Serve(ctx, lis); err != nil {
			slog.Error("receiver stopped", "err", err)
			cancel()
		}
	}()

	// Combined HTTP server: REST API + WebSocket live tail + /metrics on HTTPPort.
	requireKey := auth.APIKey(
		cfg.Server.Auth.Mode,
		cfg.Server.Auth.EffectiveHeader(),
		cfg.Server.Auth.Key(),
	)
	if cfg.Server.Auth.Mode == "apikey" && cfg.Server.Auth.Key() == "" {
		slog.Warn("auth mode is apikey but no key is set; HTTP API is open", "key_env", cfg.Server.Auth.KeyEnv)
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", requireKey(api.New(st, apiOpts...)))
	httpMux.Handle("/ws/tail", requireKey(hub))
	httpMux.Handle("/metrics", reg.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("tailship-server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck

	wg.Wait()
	if arc != nil {
		if err := arc.Close(); err != nil {
			slog.Error("archive close failed", "err", err)
		}
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
