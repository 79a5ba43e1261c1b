// Package app wires a workspace into a ready engine: config, database,
// logger and the optional Redis pointer store.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"detour/internal/config"
	"detour/internal/current"
	"detour/internal/db"
	"detour/internal/engine"
	"detour/internal/logger"
	"detour/internal/migrate"
)

type Options struct {
	Workspace string

	LogLevel    string
	LogMode     string
	LogEncoding string

	// RedisAddr empty keeps current-session pointers in SQLite.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Log       logger.Logger

	redis *redis.Client
}

// ResolveConfig reads detour.yml from workspace, falling back to defaults when
// the file does not exist.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", config.Path(workspace), err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// InitWorkspace writes the default detour.yml unless one exists and applies
// migrations. It reports whether the config file was created.
func InitWorkspace(ctx context.Context, workspace string) (bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return false, err
	}
	created := false
	path := config.Path(workspace)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
			return false, fmt.Errorf("write config: %w", err)
		}
		created = true
	} else if err != nil {
		return false, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return created, err
	}
	defer conn.Close()
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		return created, fmt.Errorf("migrate: %w", err)
	}
	return created, nil
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	l := newLogger(opts)
	cfg, err := ResolveConfig(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Log:       l,
	}
	a.Engine = engine.New(conn, cfg, l)
	if opts.RedisAddr != "" {
		cli, err := current.Connect(ctx, current.RedisConfig{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
		a.redis = cli
		a.Engine.Current = current.NewRedisStore(cli, opts.RedisTTL, l)
		l.Infof(ctx, "current-session pointers in redis at %s", opts.RedisAddr)
	}
	return a, nil
}

func newLogger(opts Options) logger.Logger {
	level := opts.LogLevel
	if level == "" {
		level = "info"
	}
	mode := opts.LogMode
	if mode == "" {
		mode = "production"
	}
	encoding := opts.LogEncoding
	if encoding == "" {
		encoding = "console"
	}
	return logger.New(logger.Config{Level: level, Mode: mode, Encoding: encoding})
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
