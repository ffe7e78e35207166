package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/walflow/ingest/pkg/clickhouse"
	"github.com/malbeclabs/walflow/ingest/pkg/postgres"
	"github.com/malbeclabs/walflow/ingest/pkg/sink"
)

const (
	sinkSQLite     = "sqlite"
	sinkPostgres   = "postgres"
	sinkClickHouse = "clickhouse"
	sinkMemory     = "memory"
)

type clickhouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

type postgresOptions struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

type sinkOptions struct {
	Kind       string
	Migrate    bool
	SQLitePath string
	ClickHouse clickhouseOptions
	Postgres   postgresOptions
}

// openSink builds the configured backend. The returned release func closes
// the sink and any client it was built on.
func openSink(ctx context.Context, log *slog.Logger, opts sinkOptions) (sink.Sink, func(), error) {
	switch opts.Kind {
	case sinkSQLite:
		s, err := sink.NewSQLite(ctx, log, opts.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	case sinkMemory:
		s := sink.NewMemory()
		return s, func() { s.Close() }, nil

	case sinkClickHouse:
		if opts.ClickHouse.Addr == "" {
			return nil, nil, fmt.Errorf("--clickhouse-addr is required for --sink %s", sinkClickHouse)
		}
		cfg := clickhouse.Config{
			Addr:     opts.ClickHouse.Addr,
			Database: opts.ClickHouse.Database,
			Username: opts.ClickHouse.Username,
			Password: opts.ClickHouse.Password,
			Secure:   opts.ClickHouse.Secure,
		}
		if opts.Migrate {
			if err := clickhouse.Up(ctx, log, cfg); err != nil {
				return nil, nil, fmt.Errorf("failed to run ClickHouse migrations: %w", err)
			}
		}
		client, err := clickhouse.NewClient(ctx, log, cfg)
		if err != nil {
			return nil, nil, err
		}
		conn, err := client.Conn(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
		}
		return sink.NewClickHouse(log, conn), func() { client.Close() }, nil

	case sinkPostgres:
		cfg := postgres.Config{
			Host:     opts.Postgres.Host,
			Port:     opts.Postgres.Port,
			Database: opts.Postgres.Database,
			Username: opts.Postgres.Username,
			Password: opts.Postgres.Password,
			SSLMode:  opts.Postgres.SSLMode,
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		if opts.Migrate {
			if err := postgres.Up(ctx, log, cfg.ConnString()); err != nil {
				return nil, nil, fmt.Errorf("failed to run PostgreSQL migrations: %w", err)
			}
		}
		pool, err := postgres.NewPool(ctx, log, cfg)
		if err != nil {
			return nil, nil, err
		}
		return sink.NewPostgres(log, pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown sink %q (expected %s, %s, %s or %s)", opts.Kind, sinkSQLite, sinkPostgres, sinkClickHouse, sinkMemory)
	}
}
