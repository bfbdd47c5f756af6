// Mock ServiceNow Table API
//
// mockapi serves one table from a JSON fixture file with the request and
// response shapes of the ServiceNow Table API: Basic auth, encoded queries,
// sysparm_limit/sysparm_offset paging with Link headers, and the
// {"result": ...} and {"error": ...} envelopes. Writes are kept in memory;
// editing the fixture file resets the table to its contents.
//
// # Usage
//
//	mockapi [flags]
//
//	Flags:
//	  -config string   Path to config YAML file (default "config.yaml")
//	  -version         Print version information and exit
//
// The mock section of the config file selects the listen address, table
// name, fixture file, default page size and optional credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/RaikaSurendra/servicenow-table-client/internal/config"
	"github.com/RaikaSurendra/servicenow-table-client/internal/logging"
	"github.com/RaikaSurendra/servicenow-table-client/internal/mockapi"
	"github.com/RaikaSurendra/servicenow-table-client/internal/observability"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration YAML file")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mockapi %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if err := cfg.Mock.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = cleanup() }()

	logger.Info("starting mockapi", "version", version, "commit", commit, "build_date", buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mockapi exited with error", "error", err)
		stop()
		_ = cleanup()
		os.Exit(1)
	}
	logger.Info("mockapi shutdown complete")
}

// run serves the mock table and the observability endpoints until ctx is
// cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	mc := cfg.Mock
	opts := []mockapi.Option{mockapi.WithPageSize(mc.PageSize)}
	if mc.Username != "" {
		opts = append(opts, mockapi.WithCredentials(mc.Username, mc.Password))
	}
	mock, err := mockapi.NewServer(mc.Table, mockapi.FileFixture{Path: mc.FixtureFile}, logger, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              mc.Addr,
		Handler:           mock,
		ReadHeaderTimeout: 10 * time.Second,
	}
	obs := observability.NewServer(cfg.Observability.Addr, logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return obs.Start(gCtx) })
	g.Go(func() error {
		logger.Info("mock table API listening", "addr", mc.Addr, "table", mc.Table, "records", len(mock.Records()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mock server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		watchFixture(gCtx, mc.FixtureFile, mock, logger)
		return nil
	})

	obs.SetReady(true)
	return g.Wait()
}

// watchFixture reloads the mock table whenever the fixture file is written
// or replaced. The parent directory is watched so editors that rename a
// temp file over the original are picked up too.
func watchFixture(ctx context.Context, path string, mock *mockapi.Server, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create fixture watcher", "error", err)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Error("failed to watch fixture file", "path", path, "error", err)
		return
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := mock.Reload(); err != nil {
					// Keep serving the previous records; the next write retries.
					logger.Warn("fixture reload failed", "path", path, "error", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Error("fixture watcher error", "error", err)
		}
	}
}
