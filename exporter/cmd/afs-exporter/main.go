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

	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/afsclient"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/api"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/cache"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/collector"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/config"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/logging"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/selfmetrics"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/signer"
	"github.com/world-sim-dev/afs-metrics-collector/exporter/internal/warmer"
)

const defaultConfigPath = "config.yaml"

var version = "dev"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file; env vars override its values")
	flag.Parse()

	// Bootstrap logger until the configured one exists.
	var level slog.LevelVar
	logger := logging.New(os.Stdout, &level, logging.FormatJSON)
	slog.SetDefault(logger)

	path := resolveConfigPath(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	lvl, _ := logging.ParseLevel(cfg.Logging.Level)
	level.Set(lvl)
	logger = logging.New(os.Stdout, &level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("afs-exporter starting",
		"version", version,
		"config", path,
		"base_url", cfg.AFS.BaseURL,
		"volumes", len(cfg.AFS.Volumes),
		"cache_duration", cfg.Collection.CacheDuration,
		"collection_timeout", cfg.Collection.Timeout,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := selfmetrics.New(selfmetrics.Options{RuntimeMetrics: cfg.Server.RuntimeMetrics})

	client, err := afsclient.New(afsclient.Config{
		BaseURL: cfg.AFS.BaseURL,
		Credentials: signer.Credentials{
			AccessKey: cfg.AFS.AccessKey(),
			SecretKey: cfg.AFS.SecretKey(),
		},
		SignedHeaders:    cfg.AFS.SignedHeaders,
		RequestTimeout:   cfg.AFS.RequestTimeout,
		MaxRetries:       cfg.Collection.MaxRetries,
		RetryDelay:       cfg.Collection.RetryDelay,
		RetryStrategy:    cfg.Collection.RetryStrategy,
		MaxResponseBytes: cfg.AFS.MaxResponseBytes,
		UserAgent:        "afs-exporter/" + version,
		Breaker: afsclient.BreakerConfig{
			FailureThreshold:    cfg.AFS.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     cfg.AFS.CircuitBreaker.RecoveryTimeout,
			HalfOpenMaxRequests: cfg.AFS.CircuitBreaker.HalfOpenMaxRequests,
		},
	}, afsclient.WithLogger(logger), afsclient.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to build AFS client", "err", err)
		os.Exit(1)
	}

	coll := collector.New(client, cfg.AFS.Volumes, collector.Options{
		Timeout:        cfg.Collection.Timeout,
		RequestTimeout: cfg.AFS.RequestTimeout,
		MaxConcurrency: cfg.Collection.MaxConcurrency,
		StaleTTL:       cfg.Collection.StaleTTL,
		Logger:         logger,
		Metrics:        metrics,
	})

	snapshots := cache.New(cfg.Collection.CacheDuration,
		cache.WithLogger(logger),
		cache.WithMetrics(metrics),
	)

	if cfg.Collection.WarmSchedule != "" {
		w, err := warmer.New(cfg.Collection.WarmSchedule, func(ctx context.Context) error {
			_, err := snapshots.GetOrRefresh(ctx, coll.Refresh)
			return err
		}, cfg.Server.RequestTimeout, logger)
		if err != nil {
			slog.Error("failed to build cache warmer", "err", err)
			os.Exit(1)
		}
		if err := w.Start(ctx); err != nil {
			slog.Error("failed to start cache warmer", "err", err)
			os.Exit(1)
		}
	}

	if path != "" {
		go func() {
			if err := config.Watch(ctx, path, logger, func(updated *config.Config) {
				if l, err := logging.ParseLevel(updated.Logging.Level); err == nil && l != level.Level() {
					level.Set(l)
					slog.Info("log level changed", "level", l)
				}
				if changed := config.RestartRequired(cfg, updated); len(changed) > 0 {
					slog.Warn("config changes require a restart to take effect", "sections", changed)
				}
			}); err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.New(api.Options{
			Cache:              snapshots,
			Refresh:            coll.Refresh,
			TotalFailureStatus: cfg.Server.TotalFailureStatus,
			Metrics:            metrics,
			Logger:             logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.RequestTimeout,
		WriteTimeout:      cfg.Server.RequestTimeout,
		IdleTimeout:       2 * cfg.Server.RequestTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "err", err)
			os.Exit(1)
		}
	}

	slog.Info("afs-exporter shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "err", err)
	}
}

// resolveConfigPath returns "" (env-only) when the default config file is
// absent and -config was not given explicitly.
func resolveConfigPath(p string) string {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	if explicit || p != defaultConfigPath {
		return p
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
