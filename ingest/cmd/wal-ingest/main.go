package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/walflow/ingest/pkg/metrics"
	"github.com/malbeclabs/walflow/ingest/pkg/pipeline"
	"github.com/malbeclabs/walflow/ingest/pkg/sink"
	"github.com/malbeclabs/walflow/ingest/pkg/source"
	"github.com/malbeclabs/walflow/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultInput = "wal.json"
	defaultSink  = sinkSQLite
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if sentry.CurrentHub().Client() != nil {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "Load environment variables from this file when it exists")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (disabled when empty)")

	inputFlag := flag.String("input", defaultInput, "WAL batch to ingest: a file path or s3://bucket/key (or set WAL_INPUT env var)")
	tableFlag := flag.String("table", pipeline.DefaultTable, "Output table name (or set WAL_OUTPUT_TABLE env var)")
	sinkFlag := flag.String("sink", defaultSink, "Output backend: sqlite, postgres, clickhouse or memory (or set WAL_SINK env var)")
	skipUnknownTablesFlag := flag.Bool("skip-unknown-tables", false, "Skip records for unknown tables instead of stopping the pass")
	migrateFlag := flag.Bool("migrate", false, "Run run-audit migrations before ingesting (postgres, clickhouse)")
	recordRunsFlag := flag.Bool("record-runs", false, "Write a run audit record to wal_ingest_runs (implied by --migrate)")

	// SQLite configuration
	sqlitePathFlag := flag.String("sqlite-path", sink.DefaultSQLitePath, "SQLite database file (or set SQLITE_PATH env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// PostgreSQL configuration
	postgresHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	postgresPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	postgresDBFlag := flag.String("postgres-db", "", "PostgreSQL database (or set POSTGRES_DB env var)")
	postgresUserFlag := flag.String("postgres-user", "", "PostgreSQL user (or set POSTGRES_USER env var)")
	postgresPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	postgresSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// S3 configuration
	s3RegionFlag := flag.String("s3-region", "", "S3 region for s3:// inputs (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "Custom S3 endpoint for S3-compatible stores (or set S3_ENDPOINT env var)")
	s3ForcePathStyleFlag := flag.Bool("s3-force-path-style", false, "Use path-style S3 addressing (or set S3_FORCE_PATH_STYLE=true env var)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", *envFileFlag, err)
	}

	overrideString(inputFlag, "WAL_INPUT")
	overrideString(tableFlag, "WAL_OUTPUT_TABLE")
	overrideString(sinkFlag, "WAL_SINK")
	overrideString(sqlitePathFlag, "SQLITE_PATH")

	overrideString(clickhouseAddrFlag, "CLICKHOUSE_ADDR_TCP")
	overrideString(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	overrideString(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	overrideString(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	overrideBool(clickhouseSecureFlag, "CLICKHOUSE_SECURE")

	overrideString(postgresHostFlag, "POSTGRES_HOST")
	overrideString(postgresPortFlag, "POSTGRES_PORT")
	overrideString(postgresDBFlag, "POSTGRES_DB")
	overrideString(postgresUserFlag, "POSTGRES_USER")
	overrideString(postgresPasswordFlag, "POSTGRES_PASSWORD")
	overrideString(postgresSSLModeFlag, "POSTGRES_SSLMODE")

	overrideString(s3RegionFlag, "AWS_REGION")
	overrideString(s3EndpointFlag, "S3_ENDPOINT")
	overrideBool(s3ForcePathStyleFlag, "S3_FORCE_PATH_STYLE")

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry error reporting enabled")
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	src, err := source.New(ctx, log, *inputFlag, source.S3Options{
		Region:         *s3RegionFlag,
		Endpoint:       *s3EndpointFlag,
		ForcePathStyle: *s3ForcePathStyleFlag,
	})
	if err != nil {
		return err
	}

	out, release, err := openSink(ctx, log, sinkOptions{
		Kind:       *sinkFlag,
		Migrate:    *migrateFlag,
		SQLitePath: *sqlitePathFlag,
		ClickHouse: clickhouseOptions{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		},
		Postgres: postgresOptions{
			Host:     *postgresHostFlag,
			Port:     *postgresPortFlag,
			Database: *postgresDBFlag,
			Username: *postgresUserFlag,
			Password: *postgresPasswordFlag,
			SSLMode:  *postgresSSLModeFlag,
		},
	})
	if err != nil {
		return err
	}
	defer release()

	p, err := pipeline.New(pipeline.Config{
		Logger:            log,
		Source:            src,
		Sink:              out,
		SinkName:          *sinkFlag,
		Table:             *tableFlag,
		SkipUnknownTables: *skipUnknownTablesFlag,
		RecordRuns:        *recordRunsFlag || *migrateFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	summary, err := p.Run(ctx)
	if summary != nil {
		reportSummary(log, summary)
	}
	if err != nil {
		return err
	}

	if *sinkFlag == sinkMemory {
		return printSummary(summary)
	}
	return nil
}

func overrideString(flagValue *string, env string) {
	if v := os.Getenv(env); v != "" {
		*flagValue = v
	}
}

func overrideBool(flagValue *bool, env string) {
	if os.Getenv(env) == "true" {
		*flagValue = true
	}
}

// reportSummary forwards input and record failures to sentry; they do not
// fail the process.
func reportSummary(log *slog.Logger, summary *pipeline.Summary) {
	if sentry.CurrentHub().Client() == nil {
		return
	}
	for _, err := range []error{summary.InputErr, summary.Aborted} {
		if err == nil {
			continue
		}
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("run_id", summary.RunID.String())
			scope.SetTag("source", summary.Source)
			sentry.CaptureException(err)
		})
		log.Debug("reported run failure to sentry", "error", err)
	}
}

type summaryOutput struct {
	RunID          string         `json:"run_id"`
	Source         string         `json:"source"`
	Table          string         `json:"table"`
	RecordsRead    int            `json:"records_read"`
	RecordsApplied int            `json:"records_applied"`
	RecordsSkipped int            `json:"records_skipped"`
	Dropped        map[string]int `json:"dropped"`
	InputError     string         `json:"input_error,omitempty"`
	Aborted        string         `json:"aborted,omitempty"`
	MatchedKeys    int            `json:"matched_keys"`
	UnmatchedKeys  int            `json:"unmatched_keys"`
	RowsWritten    int            `json:"rows_written"`
	DurationMS     int64          `json:"duration_ms"`
}

func printSummary(summary *pipeline.Summary) error {
	out := summaryOutput{
		RunID:          summary.RunID.String(),
		Source:         summary.Source,
		Table:          summary.Table,
		RecordsRead:    summary.RecordsRead,
		RecordsApplied: summary.RecordsApplied,
		RecordsSkipped: summary.RecordsSkipped,
		Dropped:        make(map[string]int, len(summary.Dropped)),
		MatchedKeys:    summary.MatchedKeys,
		UnmatchedKeys:  summary.UnmatchedKeys,
		RowsWritten:    summary.RowsWritten,
		DurationMS:     summary.Duration().Milliseconds(),
	}
	for table, n := range summary.Dropped {
		out.Dropped[string(table)] = n
	}
	if summary.InputErr != nil {
		out.InputError = summary.InputErr.Error()
	}
	if summary.Aborted != nil {
		out.Aborted = summary.Aborted.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
