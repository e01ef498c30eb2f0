package storage

import (
	"context"
	"errors"
	"fmt"

	"balloon_tracker/internal/state"
)

// Backend names accepted by Config.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects the device repository and the optional archive.
type Config struct {
	Backend    string
	SQLitePath string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Archive    bool
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendSQLite,
		SQLitePath: "tracker.db",
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "balloon",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "balloon_state",
			User:     "balloon",
			Password: "balloon",
			SSLMode:  "disable",
		},
	}
}

// DB holds the opened device repository and, when enabled, the archive.
type DB struct {
	Repo    state.Repository
	Archive *Archive
}

// Open opens the configured backends.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	repo, err := OpenRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db := &DB{Repo: repo}
	if cfg.Archive {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		db.Archive = ch
	}
	return db, nil
}

// OpenRepository opens the device repository named by cfg.Backend.
func OpenRepository(ctx context.Context, cfg Config) (state.Repository, error) {
	switch cfg.Backend {
	case "", BackendSQLite:
		repo, err := state.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return repo, nil
	case BackendPostgres:
		repo, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Close closes every open backend.
func (d *DB) Close() error {
	var errs []error
	if d.Archive != nil {
		if err := d.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.Repo != nil {
		if err := d.Repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("repository: %w", err))
		}
	}
	return errors.Join(errs...)
}
