package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"execjs-bridge/internal/api"
	"execjs-bridge/internal/bridge"
	"execjs-bridge/internal/config"
	"execjs-bridge/internal/monitor"
	"execjs-bridge/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error
	configFound := false

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
		configFound = true
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if rt := os.Getenv("EXECJS_RUNTIME"); rt != "" {
		log.Info().Str("runtime", rt).Msg("using runtime from environment")
		cfg.Runtime.Default = rt
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	// Runtime bridge. An unresolvable default is fatal; an empty registry is
	// not, so health and metrics stay reachable for debugging.
	b, err := bridge.New(cfg.Registry(), bridgeOptions(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime bridge")
	}
	publishRuntimes(ctx, b, metrics)

	if cfg.Runtime.Watch && configFound {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				if err := b.Reload(next.Registry(), next.Runtime.Default); err != nil {
					log.Error().Err(err).Msg("runtime reload rejected, keeping previous runtimes")
					metrics.RecordReload(false)
					return
				}
				metrics.RecordReload(true)
				publishRuntimes(ctx, b, metrics)
				log.Info().Str("default", b.Default()).Msg("runtimes reloaded")
			})
			if err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	monitor.ConfigureTracing(cfg.Tracing.Enabled)

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.Options{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
			db = nil
		} else {
			defer db.Close()
			if err := db.EnsureSchema(ctx); err != nil {
				log.Warn().Err(err).Msg("schema migration failed, audit logging disabled")
				db.Close()
				db = nil
			}
		}
	}

	// Buffered audit log
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	server := api.NewServer(cfg, b, db, auditWriter, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Waits for in-flight evaluations and stops the scratch sweeper
		if err := b.Close(); err != nil {
			log.Error().Err(err).Msg("bridge close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("default_runtime", b.Default()).
		Bool("db_enabled", db != nil).
		Bool("watch", cfg.Runtime.Watch && configFound).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}

func bridgeOptions(cfg *config.Config) bridge.Options {
	return bridge.Options{
		Default:        cfg.Runtime.Default,
		ScratchDir:     cfg.Runtime.ScratchDir,
		MaxConcurrent:  cfg.Runtime.MaxConcurrent,
		DefaultTimeout: cfg.Runtime.DefaultTimeout,
		MaxTimeout:     cfg.Runtime.MaxTimeout,
		MaxSourceBytes: cfg.Runtime.MaxSourceBytes,
		OrphanMaxAge:   cfg.Runtime.OrphanMaxAge,
	}
}

func publishRuntimes(ctx context.Context, b *bridge.Bridge, metrics *monitor.Metrics) {
	infos, err := b.Runtimes(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("listing runtimes failed")
		return
	}
	for _, info := range infos {
		metrics.SetRuntimeAvailable(info.Name, info.Installed)
		log.Debug().
			Str("runtime", info.Name).
			Bool("installed", info.Installed).
			Bool("default", info.Default).
			Msg("runtime registered")
	}
}
