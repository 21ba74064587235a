package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/tailship/tailship/agent/internal/config"
	"github.com/tailship/tailship/agent/internal/forwarder"
	"github.com/tailship/tailship/pkg/metrics"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to config file")
	logLevel := pflag.String("log-level", "", "override agent.log_level (debug|info|warn|error)")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before the config")
	pflag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "err", err)
	}

	slog.Info("tailship-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Agent.LogLevel = *logLevel
	}
	level.Set(parseLevel(cfg.Agent.LogLevel))

	slog.Info("config loaded",
		"node", cfg.Agent.NodeName,
		"server", cfg.Agent.Server.Address(),
		"streams", cfg.Agent.LogStreams.Names(),
		"replay_buffer", cfg.Agent.ReplayBuffer,
	)
	if len(cfg.Agent.LogStreams) == 0 {
		slog.Warn("no log streams configured; agent will only hold the connection")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Watch config file for hot-reload. Only the log level is applied live;
	// streams and the server address take effect on restart.
	go func() {
		current := cfg
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			changed := config.Diff(current, updated)
			current = updated
			if len(changed) == 0 {
				return
			}
			if *logLevel == "" {
				level.Set(parseLevel(updated.Agent.LogLevel))
			}
			slog.Info("config hot-reloaded", "changed", changed)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	reg := metrics.NewRegistry()
	if cfg.Agent.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Agent.MetricsAddr, reg)
	}

	fwd := forwarder.New(cfg, forwarder.WithLogger(logger), forwarder.WithMetrics(reg))
	if err := fwd.Run(ctx); err != nil {
		slog.Error("forwarder stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("tailship-agent shutting down")
}

func serveMetrics(ctx context.Context, addr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "err", err)
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
