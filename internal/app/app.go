// Package app provides the application initialization and lifecycle management
package app

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/fitpulse/fitsync/internal/config"
	"github.com/fitpulse/fitsync/internal/conflict"
	"github.com/fitpulse/fitsync/internal/database"
	"github.com/fitpulse/fitsync/internal/engine"
	"github.com/fitpulse/fitsync/internal/loggy"
	"github.com/fitpulse/fitsync/internal/remote"
	"github.com/fitpulse/fitsync/internal/scheduler"
	"github.com/fitpulse/fitsync/internal/store"
)

// App represents the application instance with its dependencies
type App struct {
	Config    *config.Config
	Store     store.Repository
	Client    *remote.Client
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := initConfig()
	if err != nil {
		return nil, err
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	logger := loggy.GetGlobalLogger()

	repo := store.NewSQLRepository(db, logger)
	client := remote.NewClient(cfg.Server, logger)
	detector := conflict.NewDetector(client, logger)
	resolver := conflict.NewResolver(nil, logger)
	syncEngine := engine.New(repo, client, detector, resolver, cfg.Sync, logger)
	sched := scheduler.New(syncEngine, cfg.Sync, logger)
	syncEngine.SetConnectivitySource(func() engine.Connectivity {
		state := sched.State()
		return engine.Connectivity{Online: state.Online, Quality: string(state.Quality)}
	})

	loggy.Info("Application initialized successfully")

	return &App{
		Config:    cfg,
		Store:     repo,
		Client:    client,
		Engine:    syncEngine,
		Scheduler: sched,
	}, nil
}

// initConfig loads and sets up the application configuration
func initConfig() (*config.Config, error) {
	cfg, err := config.LoadFromEnv("", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	config.Set(cfg)
	return cfg, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	app, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}

	return app, nil
}
