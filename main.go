package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/leshun/autopost/backend/api"
	"github.com/leshun/autopost/backend/cms"
	"github.com/leshun/autopost/backend/config"
	"github.com/leshun/autopost/backend/database"
	"github.com/leshun/autopost/backend/engine"
	"github.com/leshun/autopost/backend/scheduler"
	"github.com/leshun/autopost/backend/sitelock"
	"github.com/leshun/autopost/backend/watcher"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, logFile, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	log.Info().Msg("=== AutoPost Starting ===")

	// cfg.Database.Path supports both SQLite and MySQL:
	// - SQLite: "./data/autopost.db" or any path ending with .db
	// - MySQL: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()
	log.Info().Msg("Database initialized")

	adapter := cms.NewEmpireAdapter()
	gate := sitelock.NewRegistry()
	hub := api.NewWebSocketHub(log)
	defer hub.Stop()

	coordinator := engine.New(db, gate, adapter, log, engine.Options{
		ArchiveFolder:  cfg.Storage.ArchiveFolder,
		RequestTimeout: cfg.Submission.RequestTimeout,
		Notifier:       hub,
	})

	sched := scheduler.New(db, coordinator, log, scheduler.Options{
		MaxFirings:    cfg.Scheduler.MaxFirings,
		ClaimAttempts: cfg.Submission.ClaimAttempts,
		ClaimBackoff:  cfg.Submission.ClaimBackoff,
	})
	sched.Start()
	defer sched.Stop()
	log.Info().Msg("Scheduler initialized and started")

	// Re-register tasks that were running before the last shutdown.
	if err := sched.RecoverOnStartup(); err != nil {
		log.Warn().Err(err).Msg("Failed to recover running tasks")
	}

	watch, err := watcher.New(db, cfg.Storage.UploadDir, cfg.Storage.ArchiveFolder, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize upload watcher")
	}
	go func() {
		if err := watch.Start(); err != nil {
			log.Error().Err(err).Msg("Upload watcher error")
		}
	}()
	defer watch.Stop()
	log.Info().Msg("Upload watcher initialized and started")

	server := api.New(db, sched, adapter, hub, api.Options{
		UploadDir:      cfg.Storage.UploadDir,
		LogDir:         cfg.Logging.Dir,
		RequestTimeout: cfg.Submission.RequestTimeout,
	}, log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		fmt.Printf("AutoPost server is running on http://%s\n", addr)
		if err := server.Start(addr); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("Server error")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")

		if err := server.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Error shutting down server")
		}
		watch.Stop()
		sched.Stop()
		db.Close()

		log.Info().Msg("Shutdown complete")
	}
}

// setupLogging writes application logs to the console and the app log file.
func setupLogging(cfg *config.Config) (zerolog.Logger, *os.File, error) {
	if err := os.MkdirAll(cfg.Logging.Dir, 0755); err != nil {
		return zerolog.Logger{}, nil, err
	}

	logFile, err := os.OpenFile(cfg.Logging.AppLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log := zerolog.New(io.MultiWriter(console, logFile)).
		Level(level).
		With().Timestamp().Logger()

	return log, logFile, nil
}
