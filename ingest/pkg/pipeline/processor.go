package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/walflow/ingest/pkg/accumulate"
	"github.com/malbeclabs/walflow/ingest/pkg/extract"
	"github.com/malbeclabs/walflow/ingest/pkg/metrics"
	"github.com/malbeclabs/walflow/ingest/pkg/schema"
	"github.com/malbeclabs/walflow/ingest/pkg/wal"
)

// Record outcome labels.
const (
	statusApplied  = "applied"
	statusDropped  = "dropped"
	statusSkipped  = "skipped"
	statusRejected = "rejected"
)

// Processor applies change records to a registry and per-table stores. It is
// owned by a single pass.
type Processor struct {
	log               *slog.Logger
	skipUnknownTables bool

	Registry *schema.Registry
	Stores   *accumulate.Stores

	read    int
	applied int
	skipped int
}

func NewProcessor(log *slog.Logger, skipUnknownTables bool) *Processor {
	return &Processor{
		log:               log,
		skipUnknownTables: skipUnknownTables,
		Registry:          schema.NewRegistry(),
		Stores:            accumulate.NewStores(),
	}
}

// Apply validates, extracts and accumulates one raw record. A returned error
// means the record was rejected and the pass must stop.
func (p *Processor) Apply(raw any) error {
	p.read++

	change, err := wal.Validate(raw)
	if err != nil {
		metrics.RecordsTotal.WithLabelValues("", statusRejected).Inc()
		return err
	}

	table, err := schema.Lookup(change.Table)
	if err != nil {
		if p.skipUnknownTables && errors.Is(err, schema.ErrUnknownTable) {
			p.skipped++
			metrics.RecordsTotal.WithLabelValues("", statusSkipped).Inc()
			p.log.Debug("pipeline: skipping record for unknown table", "table", change.Table)
			return nil
		}
		metrics.RecordsTotal.WithLabelValues("", statusRejected).Inc()
		return err
	}

	subset, err := extract.Extract(change, table, p.Registry)
	if err != nil {
		metrics.RecordsTotal.WithLabelValues(string(table.Name), statusRejected).Inc()
		return err
	}

	stored, err := p.Stores.Add(table.Name, subset)
	if err != nil {
		metrics.RecordsTotal.WithLabelValues(string(table.Name), statusRejected).Inc()
		return err
	}
	if !stored {
		metrics.RecordsTotal.WithLabelValues(string(table.Name), statusDropped).Inc()
		p.log.Debug("pipeline: dropped record without correlation identifiers", "table", table.Name)
		return nil
	}

	p.applied++
	metrics.RecordsTotal.WithLabelValues(string(table.Name), statusApplied).Inc()
	return nil
}

// ApplyBatch applies records in order and stops at the first rejected one.
// Records applied before it stay in the stores.
func (p *Processor) ApplyBatch(records []any) error {
	for i, raw := range records {
		if err := p.Apply(raw); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// abortReason maps a rejection error to a low-cardinality metric label.
func abortReason(err error) string {
	switch {
	case errors.Is(err, wal.ErrShape):
		return "shape"
	case errors.Is(err, wal.ErrIncomplete):
		return "incomplete"
	case errors.Is(err, wal.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, wal.ErrJSONDecode):
		return "json_decode"
	case errors.Is(err, schema.ErrUnknownTable):
		return "unknown_table"
	default:
		return "other"
	}
}
