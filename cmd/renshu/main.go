// Command renshu is the training-studio console for the Training
// Control API: it lists runs, follows a run's live telemetry, exports
// the retained event window, and issues guarded cancel/promote actions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/renshu/internal/config"
	"github.com/ashita-ai/renshu/internal/control"
	"github.com/ashita-ai/renshu/internal/model"
	"github.com/ashita-ai/renshu/internal/studio"
	"github.com/ashita-ai/renshu/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("RENSHU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, `renshu %s — training studio console

Usage:
  renshu runs [-scope corpus|all] [-corpus id] [-json]
  renshu watch [-export] <run-id>
  renshu export [-o path|-] <run-id>
  renshu cancel <run-id>
  renshu promote <run-id>
  renshu health
  renshu version

Configuration comes from the environment (RENSHU_*), an optional .env
file, and ~/.renshu/profiles.yaml (RENSHU_PROFILE selects an entry).
`, version)
}

func run(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("a command is required")
	}

	switch args[0] {
	case "version":
		fmt.Println("renshu", version)
		return nil
	case "help", "-h", "--help":
		usage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	client, err := control.NewClient(control.Config{
		BaseURL:    cfg.ControlURL,
		StudioID:   cfg.StudioID,
		SigningKey: cfg.SigningKey,
		Timeout:    cfg.RequestTimeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "runs":
		return cmdRuns(ctx, cfg, client, logger, rest)
	case "watch":
		return cmdWatch(ctx, cfg, client, logger, rest)
	case "export":
		return cmdExport(ctx, cfg, client, logger, rest)
	case "cancel":
		return cmdAction(ctx, cfg, client, logger, rest, "cancel")
	case "promote":
		return cmdAction(ctx, cfg, client, logger, rest, "promote")
	case "health":
		return cmdHealth(ctx, client)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// api adapts the concrete control client to the pipeline's interface;
// StreamRun narrows *control.Stream to studio.EventStream.
type api struct {
	*control.Client
}

func (a api) StreamRun(ctx context.Context, runID string) (studio.EventStream, error) {
	return a.Client.StreamRun(ctx, runID)
}

func newRegistry(cfg config.Config, client *control.Client, logger *slog.Logger, ccfg studio.ConsumerConfig) (*studio.Registry, error) {
	ccfg.API = api{client}
	ccfg.Logger = logger
	ccfg.RingCapacity = cfg.RingCapacity
	ccfg.FrameInterval = cfg.FrameInterval
	ccfg.HistoryLimit = cfg.HistoryLimit
	ccfg.WindowSize = cfg.WindowSize

	consumer, err := studio.NewConsumer(ccfg)
	if err != nil {
		return nil, err
	}
	return studio.NewRegistry(api{client}, consumer, logger)
}

func cmdRuns(ctx context.Context, cfg config.Config, client *control.Client, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	scope := fs.String("scope", "corpus", "listing scope: corpus or all")
	corpus := fs.String("corpus", cfg.CorpusID, "corpus id (scope corpus)")
	asJSON := fs.Bool("json", false, "emit one JSON object per run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	registry, err := newRegistry(cfg, client, logger, studio.ConsumerConfig{})
	if err != nil {
		return err
	}
	defer registry.Close()

	runs, err := registry.ListRuns(ctx, *corpus, model.Scope(*scope), cfg.ListLimit)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, r := range runs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Printf("%-28s %-12s %-20s %s\n", "RUN", "STATUS", "STARTED", "CORPUS")
	for _, r := range runs {
		fmt.Printf("%-28s %-12s %-20s %s\n",
			r.RunID, r.Status, r.StartedAt.Format(time.RFC3339), r.CorpusID)
	}
	return nil
}

func cmdWatch(ctx context.Context, cfg config.Config, client *control.Client, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	exportOnExit := fs.Bool("export", false, "write the retained event window as NDJSON on exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: renshu watch [-export] <run-id>")
	}
	runID := fs.Arg(0)

	done := make(chan model.RunStatus, 1)
	registry, err := newRegistry(cfg, client, logger, studio.ConsumerConfig{
		OnState: func(runID string, status model.RunStatus) {
			logger.Info("run state changed", "run_id", runID, "status", status)
		},
		OnTerminal: func(_ string, status model.RunStatus) {
			done <- status
		},
		OnStreamError: func(runID string, err error) {
			logger.Error("stream failed", "run_id", runID, "error", err)
			done <- ""
		},
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	run, err := registry.SelectRun(ctx, runID)
	if err != nil {
		return err
	}
	logger.Info("watching run",
		"run_id", run.RunID,
		"corpus_id", run.CorpusID,
		"status", registry.Consumer().Status(),
		"primary_metric", run.PrimaryMetric,
	)

	// writeExport runs on every exit path when -export is set, so an
	// interrupted or failed watch still leaves the window on disk.
	writeExport := func() error {
		if !*exportOnExit {
			return nil
		}
		path := filepath.Join(cfg.ExportDir, studio.ExportFilename(runID, time.Now()))
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		if err := registry.Consumer().ExportEvents(f); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Info("exported event window", "run_id", runID, "path", path)
		return nil
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupted; leaving the run running")
			return writeExport()
		case status := <-done:
			stats := registry.Consumer().Stats()
			if status == "" {
				// Stream failed; the applied content is the
				// last-known-good view. Re-run watch to reattach.
				logger.Warn("detached from run",
					"run_id", runID, "last_status", stats.Status, "points", stats.Points)
				_ = writeExport()
				return fmt.Errorf("stream to run %s failed", runID)
			}
			logger.Info("run finished",
				"run_id", runID,
				"status", status,
				"events_applied", stats.Applied,
				"duplicates", stats.Duplicates,
				"points", stats.Points,
			)
			if err := writeExport(); err != nil {
				return err
			}
			if status != model.RunStatusCompleted {
				return fmt.Errorf("run %s finished %s", runID, status)
			}
			return nil
		case <-ticker.C:
			stats := registry.Consumer().Stats()
			logger.Info("run progress",
				"run_id", runID,
				"status", stats.Status,
				"events_applied", stats.Applied,
				"points", stats.Points,
				"pending", stats.PendingPoints,
			)
		}
	}
}

func cmdExport(ctx context.Context, cfg config.Config, client *control.Client, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("o", "", `output path; "-" for stdout (default: generated name in RENSHU_EXPORT_DIR)`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: renshu export [-o path|-] <run-id>")
	}
	runID := fs.Arg(0)

	registry, err := newRegistry(cfg, client, logger, studio.ConsumerConfig{})
	if err != nil {
		return err
	}
	defer registry.Close()

	if _, err := registry.SelectRun(ctx, runID); err != nil {
		return err
	}

	if *out == "-" {
		return registry.Consumer().ExportEvents(os.Stdout)
	}

	path := *out
	if path == "" {
		path = filepath.Join(cfg.ExportDir, studio.ExportFilename(runID, time.Now()))
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := registry.Consumer().ExportEvents(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}

	logger.Info("exported event window",
		"run_id", runID,
		"path", path,
		"events", registry.Consumer().Stats().Retained,
	)
	return nil
}

// cmdAction selects the run so the lifecycle guards can see its state,
// then issues the guarded request. State only changes when the
// authoritative event arrives on the stream; this command does not wait
// for it.
func cmdAction(ctx context.Context, cfg config.Config, client *control.Client, logger *slog.Logger, args []string, action string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: renshu %s <run-id>", action)
	}
	runID := args[0]

	registry, err := newRegistry(cfg, client, logger, studio.ConsumerConfig{})
	if err != nil {
		return err
	}
	defer registry.Close()

	if _, err := registry.SelectRun(ctx, runID); err != nil {
		return err
	}

	switch action {
	case "cancel":
		err = registry.Consumer().Cancel(ctx)
	case "promote":
		err = registry.Consumer().Promote(ctx)
	}
	if err != nil {
		return err
	}
	logger.Info(action+" requested", "run_id", runID,
		"status", registry.Consumer().Status())
	return nil
}

func cmdHealth(ctx context.Context, client *control.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\nversion: %s\nuptime: %s\n",
		health.Status, health.Version, time.Duration(health.UptimeSeconds)*time.Second)
	return nil
}
