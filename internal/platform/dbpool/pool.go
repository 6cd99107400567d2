package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tasklane/platform/internal/platform/env"
)

// Config bounds the pool. Every service shares one Postgres instance,
// so per-service limits keep a runaway consumer from starving the rest.
type Config struct {
	MinConns        int
	MaxConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		MinConns:        env.Int("DB_MIN_CONNS", 2),
		MaxConns:        env.Int("DB_MAX_CONNS", 20),
		MaxConnLifetime: env.Duration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
		MaxConnIdleTime: env.Duration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
		HealthCheck:     env.Duration("DB_HEALTH_CHECK_PERIOD", 30*time.Second),
	}
	if cfg.MinConns < 0 {
		cfg.MinConns = 0
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 20
	}
	if cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	return cfg
}

// New opens a pgx pool for databaseURL with limits from the environment.
func New(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	return NewWithConfig(ctx, databaseURL, ConfigFromEnv())
}

func NewWithConfig(ctx context.Context, databaseURL string, cfg Config) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pgCfg.MinConns = int32(cfg.MinConns)
	pgCfg.MaxConns = int32(cfg.MaxConns)
	pgCfg.MaxConnLifetime = cfg.MaxConnLifetime
	pgCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	pgCfg.HealthCheckPeriod = cfg.HealthCheck
	return pgxpool.NewWithConfig(ctx, pgCfg)
}
