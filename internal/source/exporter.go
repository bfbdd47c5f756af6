// Package source implements the table → Kafka export pipeline.
//
// # Data Flow
//
//	┌──────────────┐     ┌───────────────────┐     ┌──────────────┐
//	│  Table API   │────▶│  Exporter         │────▶│    Kafka     │
//	│              │     │  (per table)      │     │  Producer    │
//	│  ListPages   │     │  1. Build query   │     │              │
//	│  ?sysparm_   │     │  2. Page through  │     │  topic per   │
//	│   query=...  │     │  3. Produce page  │     │  table       │
//	│              │     │  4. Save offset   │     │  acks=all    │
//	└──────────────┘     └───────────────────┘     └──────────────┘
//
// # Query
//
// Without a watermark the whole table is exported in (timestamp, id) order:
//
//	sys_idISNOTEMPTY^ORDERBYsys_updated_on^ORDERBYsys_id
//
// With a watermark two clauses are unioned with ^NQ. The first picks up
// records at the watermark's own timestamp with a larger id, the second
// everything newer:
//
//	sys_updated_on=<last>^sys_id><lastID>^sys_idISNOTEMPTY
//	^NQsys_updated_on><last>^sys_idISNOTEMPTY^ORDERBYsys_updated_on^ORDERBYsys_id
//
// A configured table query is ANDed into both clauses.
//
// # Offset Safety
//
// Each page is produced synchronously; only then does the watermark move to
// the page's last record. A crash between the two re-exports that page on
// restart (at-least-once, never lost).
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RaikaSurendra/servicenow-table-client/internal/config"
	"github.com/RaikaSurendra/servicenow-table-client/internal/kafka"
	"github.com/RaikaSurendra/servicenow-table-client/internal/observability"
	"github.com/RaikaSurendra/servicenow-table-client/internal/offset"
	"github.com/RaikaSurendra/servicenow-table-client/internal/partition"
	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// timestampLayout is the format of sys_* date fields in Table API results.
const timestampLayout = "2006-01-02 15:04:05"

// Producer publishes a page of messages and waits for acknowledgement.
type Producer interface {
	ProduceBatchSync(ctx context.Context, topic string, messages []kafka.Message) error
}

// Exporter streams one table to its Kafka topic.
type Exporter struct {
	table       *servicenow.Table
	cfg         config.ExportTableConfig
	pageSize    int
	fields      []string
	producer    Producer
	encoder     kafka.Encoder
	store       offset.Store
	partitioner partition.Partitioner
	logger      *slog.Logger
	now         func() time.Time
}

// NewExporter creates an Exporter for cfg. A nil encoder means JSON.
func NewExporter(
	table *servicenow.Table,
	cfg config.ExportTableConfig,
	pageSize int,
	producer Producer,
	encoder kafka.Encoder,
	store offset.Store,
	logger *slog.Logger,
) (*Exporter, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("table %s: no topic configured", cfg.Name)
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "sys_updated_on"
	}
	if cfg.IdentifierField == "" {
		cfg.IdentifierField = "sys_id"
	}
	p, err := partition.New(cfg)
	if err != nil {
		return nil, err
	}
	if encoder == nil {
		encoder = kafka.JSONEncoder{}
	}

	return &Exporter{
		table:       table,
		cfg:         cfg,
		pageSize:    pageSize,
		fields:      ExportFields(cfg),
		producer:    producer,
		encoder:     encoder,
		store:       store,
		partitioner: p,
		logger: logger.With(
			"component", "exporter",
			"table", cfg.Name,
			"topic", cfg.Topic,
		),
		now: time.Now,
	}, nil
}

// ExportFields returns the configured fields plus the timestamp and
// identifier fields the watermark needs. Nil means all fields.
func ExportFields(cfg config.ExportTableConfig) []string {
	if len(cfg.Fields) == 0 {
		return nil
	}
	fields := slices.Clone(cfg.Fields)
	for _, f := range []string{cfg.IdentifierField, cfg.TimestampField} {
		if !slices.Contains(fields, f) {
			fields = append(fields, f)
		}
	}
	return fields
}

// stageError tags a failure with the pipeline stage it happened in.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// RunOnce exports every record past the stored watermark and returns how
// many were produced. Watermarks saved before a failure are still flushed.
func (e *Exporter) RunOnce(ctx context.Context) (int, error) {
	mark, err := e.store.Load(e.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("loading watermark: %w", err)
	}

	opts := []servicenow.CallOption{servicenow.Query(e.Query(mark))}
	if e.pageSize > 0 {
		opts = append(opts, servicenow.Limit(e.pageSize))
	}
	if len(e.fields) > 0 {
		opts = append(opts, servicenow.Fields(e.fields...))
	}

	exported := 0
	listErr := e.table.ListPages(ctx, func(page []servicenow.Record) error {
		next, err := e.exportPage(ctx, page, mark)
		if err != nil {
			return err
		}
		mark = next
		exported += len(page)
		return nil
	}, opts...)

	flushErr := e.store.Flush()
	if !mark.IsZero() {
		observability.Metrics.OffsetLagSeconds.WithLabelValues(e.cfg.Name).Set(e.now().Sub(mark.UpdatedAt).Seconds())
	}

	if listErr != nil {
		stage := "fetch"
		var se *stageError
		if errors.As(listErr, &se) {
			stage = se.stage
		}
		observability.Metrics.ExportErrorsTotal.WithLabelValues(e.cfg.Name, stage).Inc()
		return exported, errors.Join(fmt.Errorf("exporting %s: %w", e.cfg.Name, listErr), flushErr)
	}
	if flushErr != nil {
		observability.Metrics.ExportErrorsTotal.WithLabelValues(e.cfg.Name, "offset").Inc()
		return exported, fmt.Errorf("flushing watermark: %w", flushErr)
	}

	if exported > 0 {
		e.logger.Info("export pass complete", "records", exported, "watermark", mark.UpdatedAt, "last_id", mark.LastID)
	}
	return exported, nil
}

// exportPage produces one page and saves the watermark of its last record.
func (e *Exporter) exportPage(ctx context.Context, page []servicenow.Record, mark offset.Watermark) (offset.Watermark, error) {
	if len(page) == 0 {
		return mark, nil
	}

	messages := make([]kafka.Message, 0, len(page))
	for _, record := range page {
		value, err := e.encoder.Encode(ctx, record)
		if err != nil {
			return mark, &stageError{"encode", err}
		}
		headers := map[string]string{
			"sn_table":  e.cfg.Name,
			"sn_format": e.encoder.Format(),
		}
		if id, ok := record.SysID(); ok {
			headers["sn_sys_id"] = id
		}
		messages = append(messages, kafka.Message{
			Key:     e.partitioner.Key(record),
			Value:   value,
			Headers: headers,
		})
	}

	if err := e.producer.ProduceBatchSync(ctx, e.cfg.Topic, messages); err != nil {
		return mark, &stageError{"produce", err}
	}
	observability.Metrics.ExportRecordsTotal.WithLabelValues(e.cfg.Name, e.cfg.Topic).Add(float64(len(page)))

	next := e.watermark(page[len(page)-1], mark)
	if err := e.store.Save(e.cfg.Name, next); err != nil {
		return mark, &stageError{"offset", err}
	}
	e.logger.Debug("page exported", "records", len(page), "last_id", next.LastID)
	return next, nil
}

// watermark derives the watermark after record. An unparseable timestamp
// keeps the previous one.
func (e *Exporter) watermark(record servicenow.Record, prev offset.Watermark) offset.Watermark {
	next := prev
	if v, ok := record[e.cfg.IdentifierField]; ok && v != nil {
		next.LastID = fmt.Sprint(v)
	}
	raw := fmt.Sprint(record[e.cfg.TimestampField])
	ts, err := time.ParseInLocation(timestampLayout, raw, time.UTC)
	if err != nil {
		e.logger.Warn("failed to parse timestamp",
			"field", e.cfg.TimestampField,
			"value", raw,
			"error", err,
		)
		return next
	}
	next.UpdatedAt = ts
	return next
}

// Query builds the encoded query that resumes after mark.
func (e *Exporter) Query(mark offset.Watermark) *servicenow.QueryBuilder {
	ts, id := e.cfg.TimestampField, e.cfg.IdentifierField

	if mark.IsZero() {
		return servicenow.NewQueryBuilder().
			WhereEncoded(e.cfg.Query).
			WhereIsNotEmpty(id).
			OrderByAsc(ts).
			OrderByAsc(id)
	}

	same := servicenow.NewQueryBuilder().
		WhereEncoded(e.cfg.Query).
		WhereTimestampEquals(ts, mark.UpdatedAt)
	if mark.LastID != "" {
		same.WhereGreaterThan(id, mark.LastID)
	}
	same.WhereIsNotEmpty(id)

	later := servicenow.NewQueryBuilder().
		WhereEncoded(e.cfg.Query).
		WhereTimestampAfter(ts, mark.UpdatedAt).
		WhereIsNotEmpty(id).
		OrderByAsc(ts).
		OrderByAsc(id)

	return same.Union(later)
}

// Run repeats RunOnce every interval until ctx is cancelled. Failed passes
// are logged and retried on the next tick.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) error {
	e.logger.Info("starting exporter", "interval", interval, "page_size", e.pageSize)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("export pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			e.logger.Info("exporter shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// RunAll runs every exporter concurrently until ctx is cancelled.
func RunAll(ctx context.Context, exporters []*Exporter, interval time.Duration) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, e := range exporters {
		g.Go(func() error { return e.Run(gCtx, interval) })
	}
	return g.Wait()
}

// ExportAll runs one pass of every exporter and returns the total count.
func ExportAll(ctx context.Context, exporters []*Exporter) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, e := range exporters {
		n, err := e.RunOnce(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}
