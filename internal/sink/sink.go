// Package sink implements the Kafka → table apply pipeline.
//
// # Data Flow
//
//	┌──────────────┐     ┌──────────────────┐     ┌──────────────┐
//	│    Kafka     │────▶│   Worker         │────▶│  Table API   │
//	│   Consumer   │     │                  │     │              │
//	│  Poll batch  │     │  1. Decode       │     │  POST        │
//	│              │     │  2. Pick op      │     │  PATCH / PUT │
//	│              │     │  3. Call table   │     │  DELETE      │
//	│              │     │  4. Commit       │     │              │
//	└──────────────┘     └──────────────────┘     └──────────────┘
//
// # Messages
//
// A message is a change envelope:
//
//	{"op": "create|update|replace|delete", "sys_id": "...", "data": {...}}
//
// Without "op" the operation is update when sys_id is set and create
// otherwise. A message with neither "op" nor "data" is a bare record (the
// shape the export pipeline writes) and is upserted by its sys_id field.
//
// # Offsets
//
// Offsets are committed after the whole batch has been handled, giving
// at-least-once delivery. Failed messages go to the DLQ topic when one is
// configured; a message parked in the DLQ counts as handled. Whether a
// batch with unhandled failures is still committed is set by
// commit_on_partial_failure.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RaikaSurendra/servicenow-table-client/internal/config"
	"github.com/RaikaSurendra/servicenow-table-client/internal/kafka"
	"github.com/RaikaSurendra/servicenow-table-client/internal/observability"
	"github.com/RaikaSurendra/servicenow-table-client/internal/servicenow"
)

// Operations carried by change messages.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpReplace = "replace"
	OpDelete  = "delete"
)

// ErrInvalidChange marks messages that can never be applied.
var ErrInvalidChange = errors.New("invalid change message")

// Change is one decoded apply message.
type Change struct {
	Op    string         `json:"op,omitempty"`
	SysID string         `json:"sys_id,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	// Upsert is set for bare records: an update that finds no row
	// creates it instead, keeping the sys_id.
	Upsert bool `json:"-"`
}

// DecodeChange parses a message value and resolves its operation.
func DecodeChange(value []byte) (Change, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(value, &raw); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}

	var c Change
	_, hasOp := raw["op"]
	_, hasData := raw["data"]
	if hasOp || hasData {
		if err := json.Unmarshal(value, &c); err != nil {
			return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
	} else {
		record := map[string]any{}
		if err := json.Unmarshal(value, &record); err != nil {
			return Change{}, fmt.Errorf("%w: %v", ErrInvalidChange, err)
		}
		if id, ok := servicenow.Record(record).SysID(); ok {
			c.SysID = id
		}
		c.Data = record
		c.Upsert = c.SysID != ""
	}

	if c.Op == "" {
		c.Op = OpCreate
		if c.SysID != "" {
			c.Op = OpUpdate
		}
	}

	switch c.Op {
	case OpCreate:
	case OpUpdate, OpReplace, OpDelete:
		if c.SysID == "" {
			return Change{}, fmt.Errorf("%w: %s requires sys_id", ErrInvalidChange, c.Op)
		}
	default:
		return Change{}, fmt.Errorf("%w: unknown op %q", ErrInvalidChange, c.Op)
	}
	return c, nil
}

// Consumer is the Kafka side of the worker.
type Consumer interface {
	Poll(ctx context.Context) ([]kafka.Message, error)
	CommitOffsets(ctx context.Context) error
}

// DLQProducer publishes failed messages.
type DLQProducer interface {
	ProduceSync(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Worker applies change messages from its topics to their tables.
type Worker struct {
	cfg         config.ApplyConfig
	tables      map[string]*servicenow.Table // by topic
	consumer    Consumer
	dlq         DLQProducer
	logger      *slog.Logger
	pollBackoff time.Duration
	now         func() time.Time
}

// NewWorker maps each configured topic to a table of inst. dlq may be nil
// when no DLQ topic is configured.
func NewWorker(inst *servicenow.Instance, cfg config.ApplyConfig, consumer Consumer, dlq DLQProducer, logger *slog.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DLQTopic != "" && dlq == nil {
		return nil, errors.New("apply.dlq_topic is set but no DLQ producer was given")
	}

	tables := make(map[string]*servicenow.Table, len(cfg.Topics))
	for _, tc := range cfg.Topics {
		tables[tc.Topic] = inst.Table(tc.Table)
	}
	return &Worker{
		cfg:         cfg,
		tables:      tables,
		consumer:    consumer,
		dlq:         dlq,
		logger:      logger.With("component", "apply-worker", "group", cfg.GroupID),
		pollBackoff: 5 * time.Second,
		now:         time.Now,
	}, nil
}

// Run polls, applies and commits until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting apply worker", "topics", len(w.tables), "concurrency", w.cfg.Concurrency)

	for {
		if ctx.Err() != nil {
			w.logger.Info("apply worker shutting down")
			return nil
		}

		messages, err := w.consumer.Poll(ctx)
		if err != nil {
			observability.Metrics.ApplyErrorsTotal.WithLabelValues("", "poll").Inc()
			w.logger.Error("poll failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.pollBackoff):
			}
			continue
		}
		if len(messages) == 0 {
			continue
		}

		failed := w.ProcessBatch(ctx, messages)
		if failed > 0 && !w.cfg.CommitOnPartialFailureValue() {
			w.logger.Warn("skipping offset commit due to failures", "failed", failed, "batch", len(messages))
			continue
		}
		if err := w.consumer.CommitOffsets(ctx); err != nil {
			observability.Metrics.ApplyErrorsTotal.WithLabelValues("", "commit").Inc()
			w.logger.Error("failed to commit offsets", "error", err)
		}
	}
}

// ProcessBatch applies messages concurrently, up to the configured
// concurrency, and returns how many could be neither applied nor parked in
// the DLQ.
func (w *Worker) ProcessBatch(ctx context.Context, messages []kafka.Message) int {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.cfg.Concurrency, 1))
	var failed atomic.Int32

	for _, m := range messages {
		g.Go(func() error {
			table, err := w.apply(gCtx, m)
			if err == nil {
				return nil
			}

			errType := "write"
			if errors.Is(err, ErrInvalidChange) {
				errType = "decode"
			}
			observability.Metrics.ApplyErrorsTotal.WithLabelValues(table, errType).Inc()
			w.logFailure(m, table, err)

			if w.cfg.DLQTopic == "" {
				failed.Add(1)
				return nil
			}
			if dlqErr := w.moveToDLQ(gCtx, m, table, err); dlqErr != nil {
				observability.Metrics.ApplyErrorsTotal.WithLabelValues(table, "dlq").Inc()
				w.logger.Error("failed to move message to DLQ", "error", dlqErr)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	w.logger.Debug("batch processed", "total", len(messages), "failed", failed.Load())
	return int(failed.Load())
}

// apply runs one message against its table and returns the table name.
func (w *Worker) apply(ctx context.Context, m kafka.Message) (string, error) {
	table, ok := w.tables[m.Topic]
	if !ok {
		return "", fmt.Errorf("%w: no table mapped for topic %s", ErrInvalidChange, m.Topic)
	}
	c, err := DecodeChange(m.Value)
	if err != nil {
		return table.Name(), err
	}

	switch c.Op {
	case OpCreate:
		_, err = table.Create(ctx, c.Data)
	case OpUpdate:
		_, err = table.Update(ctx, c.SysID, c.Data)
		if c.Upsert && servicenow.IsNotFound(err) {
			w.logger.Debug("record not found, creating", "table", table.Name(), "sys_id", c.SysID)
			c.Op = OpCreate
			_, err = table.Create(ctx, c.Data)
		}
	case OpReplace:
		_, err = table.Replace(ctx, c.SysID, c.Data)
	case OpDelete:
		_, err = table.Delete(ctx, c.SysID)
	}
	if err != nil {
		return table.Name(), fmt.Errorf("%s %s: %w", c.Op, c.SysID, err)
	}

	observability.Metrics.ApplyRecordsTotal.WithLabelValues(table.Name(), c.Op).Inc()
	w.logger.Debug("change applied", "table", table.Name(), "op", c.Op, "sys_id", c.SysID)
	return table.Name(), nil
}

func (w *Worker) logFailure(m kafka.Message, table string, err error) {
	attrs := []any{
		"error", err,
		"topic", m.Topic,
		"table", table,
		"partition", m.Partition,
		"offset", m.Offset,
	}
	var sce *servicenow.StatusCodeError
	if errors.As(err, &sce) {
		attrs = append(attrs, "status", sce.StatusCode, "message", sce.Message)
	}
	w.logger.Error("failed to apply message", attrs...)
}

// dlqMessage wraps a failed payload with its error.
type dlqMessage struct {
	OriginalPayload string `json:"original_payload"`
	Error           string `json:"error"`
	Status          int    `json:"status,omitempty"`
	Timestamp       string `json:"timestamp"`
	Topic           string `json:"topic"`
	Partition       int32  `json:"partition"`
	Offset          int64  `json:"offset"`
	Table           string `json:"table,omitempty"`
}

func (w *Worker) moveToDLQ(ctx context.Context, m kafka.Message, table string, cause error) error {
	msg := dlqMessage{
		OriginalPayload: string(m.Value),
		Error:           cause.Error(),
		Timestamp:       w.now().UTC().Format(time.RFC3339),
		Topic:           m.Topic,
		Partition:       m.Partition,
		Offset:          m.Offset,
		Table:           table,
	}
	var sce *servicenow.StatusCodeError
	if errors.As(cause, &sce) {
		msg.Status = sce.StatusCode
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling DLQ message: %w", err)
	}
	return w.dlq.ProduceSync(ctx, w.cfg.DLQTopic, m.Key, value, map[string]string{"sn_source_topic": m.Topic})
}
