package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenModbusSim/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	return OpenPostgres(ctx, cfg.DSN(), cfg.MaxConnections)
}

// OpenPostgres connects to dsn and makes sure the schema exists.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &PostgresClient{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

const scenarioSchema = `
CREATE TABLE IF NOT EXISTS scenarios (
	name         TEXT PRIMARY KEY,
	description  TEXT NOT NULL DEFAULT '',
	version      TEXT NOT NULL DEFAULT '',
	device_count INTEGER NOT NULL DEFAULT 0,
	document     JSONB NOT NULL,
	raw_yaml     TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func (p *PostgresClient) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, scenarioSchema); err != nil {
		return fmt.Errorf("failed to create scenarios table: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}
