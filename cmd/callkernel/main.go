package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/api"
	"github.com/snarg/callkernel/internal/config"
	"github.com/snarg/callkernel/internal/database"
	"github.com/snarg/callkernel/internal/ingest"
	"github.com/snarg/callkernel/internal/mqttingest"
	"github.com/snarg/callkernel/internal/notifier"
	"github.com/snarg/callkernel/internal/processor"
	"github.com/snarg/callkernel/internal/recovery"
	"github.com/snarg/callkernel/internal/transcribe"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("callkernel starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema initialization failed")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	store := database.NewPGStore(db)
	notify := notifier.New(cfg.EventRingSize)

	var sttProvider transcribe.Provider
	switch cfg.STTProvider {
	case "http":
		if cfg.STTURL == "" {
			log.Fatal().Msg("STT_PROVIDER=http requires STT_URL")
		}
		sttProvider = transcribe.NewHTTPProvider(cfg.STTURL, cfg.STTTimeout)
	case "fault-injector", "":
		sttProvider = transcribe.NewFaultInjector(cfg.AIFailureRate, startTime.UnixNano())
	default:
		log.Fatal().Str("provider", cfg.STTProvider).Msg("unknown STT_PROVIDER (valid: http, fault-injector)")
	}
	log.Info().Str("provider", sttProvider.Name()).Int("max_retries", cfg.MaxAIRetries).Msg("transcription provider configured")

	proc := processor.New(store, sttProvider, notify, cfg.MaxAIRetries, log)
	coordinator := ingest.New(store, proc, log)

	sweeper := recovery.NewSweeper(store, proc, cfg.SweepInterval, cfg.OrphanStaleness, log)
	go sweeper.Run(ctx)

	if cfg.NudgeDir != "" {
		nudgeWatcher, err := recovery.NewNudgeWatcher(cfg.NudgeDir, proc, log)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.NudgeDir).Msg("failed to start nudge watcher")
		}
		defer nudgeWatcher.Close()
		done := make(chan struct{})
		go nudgeWatcher.Run(done)
		go func() {
			<-ctx.Done()
			close(done)
		}()
		log.Info().Str("dir", cfg.NudgeDir).Msg("operator nudge watcher started")
	}

	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqttListener, err := mqttingest.Connect(mqttingest.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTTopic,
			Log:       mqttLog,
		}, coordinator)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqttListener.Close()
		log.Info().Str("broker", cfg.MQTTBrokerURL).Str("topic", cfg.MQTTTopic).Msg("mqtt ingest connected")
	} else {
		log.Info().Msg("mqtt ingest not configured (HTTP-only ingestion)")
	}

	if !cfg.AuthEnabled {
		log.Warn().Msg("AUTH_ENABLED=false — API authentication is disabled, all endpoints are open")
	} else if cfg.AuthTokenGenerated {
		log.Info().Str("token", cfg.AuthToken).Msg("AUTH_TOKEN auto-generated (set AUTH_TOKEN in .env for a persistent token)")
	} else {
		log.Info().Msg("AUTH_TOKEN loaded from configuration")
	}
	if cfg.AuthEnabled && cfg.WriteToken != "" {
		log.Info().Msg("write protection enabled (WRITE_TOKEN set)")
	} else if cfg.AuthEnabled {
		log.Warn().Msg("WRITE_TOKEN not set — write endpoints accept the read token")
	}

	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:      cfg,
		DB:          db,
		Store:       store,
		Coordinator: coordinator,
		Notify:      notify,
		Version:     fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime:   startTime,
		Log:         httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("listen", cfg.HTTPAddr).
		Str("version", version).
		Dur("startup_ms", time.Since(startTime)).
		Msg("callkernel ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("callkernel stopped")
}
