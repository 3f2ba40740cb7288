package app

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/engine"
	"signoff/internal/logging"
	"signoff/internal/migrate"
	"signoff/internal/tracing"
)

// Options control Bootstrap.
type Options struct {
	ConfigPath string
	// StoreURL overrides store.url from the config file when set.
	StoreURL string
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// SkipSeed leaves roles, principals and templates untouched.
	SkipSeed bool
	Version  string
}

// App bundles the pieces every entry point needs.
type App struct {
	Config *config.Config
	DB     *db.DB
	Engine engine.Engine
	Log    zerolog.Logger
}

// Bootstrap loads config, opens and migrates the store, and seeds the
// configured role catalog, principals and templates.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.StoreURL != "" {
		cfg.Store.URL = opts.StoreURL
	}
	log := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: cfg.Tracing.Service,
		Output:  opts.LogOutput,
	})
	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Tracing.Service, opts.Version, nil); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}
	conn, err := db.Open(cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg, log)
	if !opts.SkipSeed {
		if err := eng.SeedFromConfig(ctx, cfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("seed: %w", err)
		}
	}
	return &App{Config: cfg, DB: conn, Engine: eng, Log: log}, nil
}

// Close releases the store connection and flushes traces.
func (a *App) Close(ctx context.Context) error {
	_ = tracing.Shutdown(ctx)
	return a.DB.Close()
}
