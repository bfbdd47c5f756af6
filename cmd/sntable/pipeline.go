package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/RaikaSurendra/servicenow-table-client/internal/kafka"
	"github.com/RaikaSurendra/servicenow-table-client/internal/observability"
	"github.com/RaikaSurendra/servicenow-table-client/internal/offset"
	"github.com/RaikaSurendra/servicenow-table-client/internal/sink"
	"github.com/RaikaSurendra/servicenow-table-client/internal/source"
)

func newExportCommand(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Stream the configured tables to Kafka",
		Long: `export pages through every table in the export section of the config
file and produces new or changed records to Kafka, resuming from the
watermarks in the offset file. Without --once it repeats every
export.interval and serves /healthz, /readyz and /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runExport(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single export pass and exit")
	return cmd
}

func (a *app) runExport(ctx context.Context, once bool) error {
	cfg := a.cfg
	if err := errors.Join(cfg.Kafka.Validate(), cfg.Export.Validate()); err != nil {
		return err
	}
	if cfg.Export.Format == "avro" && cfg.Kafka.SchemaRegistryURL == "" {
		return errors.New("kafka.schema_registry_url is required for avro format")
	}
	inst, err := a.instance()
	if err != nil {
		return err
	}

	producer, err := kafka.NewProducer(cfg.Kafka, a.logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	store, err := offset.NewFileStore(cfg.Offset.FilePath)
	if err != nil {
		return fmt.Errorf("initializing offset store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Error("final offset flush failed", "error", err)
		}
	}()

	var registry kafka.SchemaRegistryClient
	if cfg.Export.Format == "avro" {
		registry = kafka.NewHTTPRegistryClient(cfg.Kafka.SchemaRegistryURL)
	}

	exporters := make([]*source.Exporter, 0, len(cfg.Export.Tables))
	for _, tc := range cfg.Export.Tables {
		var enc kafka.Encoder
		if registry != nil {
			enc, err = kafka.NewAvroEncoder(registry, tc.Name, tc.Topic, source.ExportFields(tc))
			if err != nil {
				return err
			}
		}
		e, err := source.NewExporter(inst.Table(tc.Name), tc, cfg.Export.PageSize, producer, enc, store, a.logger)
		if err != nil {
			return fmt.Errorf("creating exporter for table %s: %w", tc.Name, err)
		}
		exporters = append(exporters, e)
	}

	if once {
		n, err := source.ExportAll(ctx, exporters)
		a.logger.Info("export finished", "records", n, "tables", len(exporters))
		return err
	}

	obs := observability.NewServer(cfg.Observability.Addr, a.logger)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Start(gCtx) })
	g.Go(func() error { return source.RunAll(gCtx, exporters, cfg.Export.Interval.Duration) })
	g.Go(func() error {
		// Passes flush on completion; this covers a long first pass.
		ticker := time.NewTicker(cfg.Offset.FlushInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				if err := store.Flush(); err != nil {
					a.logger.Error("offset flush failed", "error", err)
				}
			}
		}
	})
	obs.SetReady(true)
	a.logger.Info("export running", "tables", len(exporters), "interval", cfg.Export.Interval.Duration)

	return g.Wait()
}

func newApplyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Apply change messages from Kafka to tables",
		Long: `apply consumes the topics in the apply section of the config file and
turns each {"op", "sys_id", "data"} message into a create, update, replace
or delete call. It serves /healthz, /readyz and /metrics while running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runApply(cmd.Context())
		},
	}
}

func (a *app) runApply(ctx context.Context) error {
	cfg := a.cfg
	if err := errors.Join(cfg.Kafka.Validate(), cfg.Apply.Validate()); err != nil {
		return err
	}
	inst, err := a.instance()
	if err != nil {
		return err
	}

	topics := make([]string, 0, len(cfg.Apply.Topics))
	for _, tc := range cfg.Apply.Topics {
		topics = append(topics, tc.Topic)
	}
	consumer, err := kafka.NewConsumer(cfg.Kafka, cfg.Apply.GroupID, topics, a.logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	var dlq sink.DLQProducer
	if cfg.Apply.DLQTopic != "" {
		producer, err := kafka.NewProducer(cfg.Kafka, a.logger)
		if err != nil {
			return fmt.Errorf("creating DLQ producer: %w", err)
		}
		defer producer.Close()
		dlq = producer
	}

	worker, err := sink.NewWorker(inst, cfg.Apply, consumer, dlq, a.logger)
	if err != nil {
		return err
	}

	obs := observability.NewServer(cfg.Observability.Addr, a.logger)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Start(gCtx) })
	g.Go(func() error { return worker.Run(gCtx) })
	obs.SetReady(true)
	a.logger.Info("apply running", "topics", topics, "group", cfg.Apply.GroupID)

	return g.Wait()
}

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.renderer(cmd)
			if err != nil {
				return err
			}
			return r.Render(map[string]string{
				"version": version,
				"commit":  commit,
				"built":   buildDate,
			})
		},
	}
}
