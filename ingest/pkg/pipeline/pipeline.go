package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/walflow/ingest/pkg/join"
	"github.com/malbeclabs/walflow/ingest/pkg/metrics"
	"github.com/malbeclabs/walflow/ingest/pkg/schema"
	"github.com/malbeclabs/walflow/ingest/pkg/sink"
	"github.com/malbeclabs/walflow/ingest/pkg/source"
)

const DefaultTable = "metrics"

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Source source.Source
	Sink   sink.Sink

	// SinkName labels metrics; defaults to "unknown".
	SinkName string
	// Table is the output table; defaults to DefaultTable.
	Table string
	// SkipUnknownTables skips records for tables outside the four known ones
	// instead of stopping the pass.
	SkipUnknownTables bool
	// RecordRuns writes a run audit record when the sink supports it.
	RecordRuns bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.SinkName == "" {
		cfg.SinkName = "unknown"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Summary describes one run.
type Summary struct {
	RunID      uuid.UUID
	Source     string
	Table      string
	StartedAt  time.Time
	FinishedAt time.Time

	RecordsRead    int
	RecordsApplied int
	RecordsSkipped int
	Dropped        map[schema.TableName]int

	// InputErr is set when the batch could not be read or decoded. The run
	// still completes with empty stores.
	InputErr error
	// Aborted is set when a record was rejected and the rest of the batch
	// was not processed.
	Aborted error

	MatchedKeys   int
	UnmatchedKeys int
	RowsWritten   int
}

func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *Summary) status() string {
	switch {
	case s.InputErr != nil:
		return "input_error"
	case s.Aborted != nil:
		return "aborted"
	default:
		return "ok"
	}
}

func (s *Summary) run() sink.Run {
	run := sink.Run{
		ID:             s.RunID,
		Source:         s.Source,
		Table:          s.Table,
		StartedAt:      s.StartedAt,
		FinishedAt:     s.FinishedAt,
		RecordsRead:    s.RecordsRead,
		RecordsApplied: s.RecordsApplied,
		RowsWritten:    s.RowsWritten,
		MatchedKeys:    s.MatchedKeys,
		UnmatchedKeys:  s.UnmatchedKeys,
	}
	if err := errors.Join(s.InputErr, s.Aborted); err != nil {
		run.Aborted = true
		run.AbortReason = err.Error()
	}
	return run
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run reads the batch, processes records in order, joins the stores and
// writes the flattened rows. Input and record errors are reported in the
// summary; only sink failures are returned as errors.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.New(),
		Source:    p.cfg.Source.String(),
		Table:     p.cfg.Table,
		StartedAt: p.cfg.Clock.Now(),
	}
	log := p.log.With("run_id", summary.RunID.String())
	log.Info("pipeline: run started", "source", summary.Source, "table", summary.Table)

	err := p.run(ctx, log, summary)
	summary.FinishedAt = p.cfg.Clock.Now()

	status := summary.status()
	if err != nil {
		status = "error"
	}
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.Observe(summary.Duration().Seconds())
	if err != nil {
		return summary, err
	}

	if p.cfg.RecordRuns {
		if recorder, ok := p.cfg.Sink.(sink.RunRecorder); ok {
			if err := recorder.RecordRun(ctx, summary.run()); err != nil {
				return summary, fmt.Errorf("failed to record run: %w", err)
			}
		}
	}

	log.Info("pipeline: run finished",
		"status", status,
		"records_read", summary.RecordsRead,
		"records_applied", summary.RecordsApplied,
		"matched_keys", summary.MatchedKeys,
		"unmatched_keys", summary.UnmatchedKeys,
		"rows_written", summary.RowsWritten,
		"duration", summary.Duration())
	return summary, nil
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, summary *Summary) error {
	records, err := source.Read(ctx, p.cfg.Source)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		summary.InputErr = err
		log.Warn("pipeline: input unavailable, continuing with an empty batch", "error", err)
	}
	summary.RecordsRead = len(records)

	proc := NewProcessor(log, p.cfg.SkipUnknownTables)
	if err := proc.ApplyBatch(records); err != nil {
		summary.Aborted = err
		metrics.PassAbortsTotal.WithLabelValues(abortReason(err)).Inc()
		log.Warn("pipeline: pass aborted, remaining records ignored", "error", err)
	}
	summary.RecordsApplied = proc.applied
	summary.RecordsSkipped = proc.skipped
	summary.Dropped = proc.Stores.Dropped()

	result := join.Flatten(proc.Stores)
	summary.MatchedKeys = result.MatchedKeys
	summary.UnmatchedKeys = result.UnmatchedKeys

	columns := proc.Registry.OutputSchema()
	if err := p.cfg.Sink.CreateTable(ctx, p.cfg.Table, columns); err != nil {
		return fmt.Errorf("failed to create output table: %w", err)
	}

	written, err := p.write(ctx, result.Rows)
	summary.RowsWritten = written
	metrics.RowsWrittenTotal.WithLabelValues(p.cfg.SinkName).Add(float64(written))
	if err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return nil
}

func (p *Pipeline) write(ctx context.Context, rows []join.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batcher, ok := p.cfg.Sink.(sink.BatchInserter); ok {
		batch := make([]map[string]any, len(rows))
		for i, row := range rows {
			batch[i] = row
		}
		if err := batcher.InsertRows(ctx, p.cfg.Table, batch); err != nil {
			return 0, err
		}
		return len(rows), nil
	}

	for i, row := range rows {
		if err := p.cfg.Sink.InsertRow(ctx, p.cfg.Table, row); err != nil {
			return i, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return len(rows), nil
}
