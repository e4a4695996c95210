// Package renshu is the public API for embedding the Renshu training
// studio: the live telemetry pipeline behind the training dashboard,
// usable from any Go host (a TUI, a web bridge, an operator bot).
//
//	st, err := renshu.New(
//	    renshu.WithVersion(version),
//	    renshu.WithLogger(logger),
//	    renshu.WithHook(myAlertHook{}),
//	)
//	if err != nil { ... }
//	defer st.Close()
//
//	run, err := st.Select(ctx, runID)
//	...
//	points := st.Points() // bounded, display-rate-aligned
//
// The import graph enforces a strict no-cycle rule: renshu (root)
// imports internal/*, but internal/* never imports renshu (root).
// Public types (Run, MetricEvent, etc.) are standalone structs with no
// internal imports; conversion helpers (toPublicRun, toModelEvent) live
// here because this is the only file that sees both sides of the
// boundary.
package renshu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/renshu/internal/config"
	"github.com/ashita-ai/renshu/internal/control"
	"github.com/ashita-ai/renshu/internal/model"
	"github.com/ashita-ai/renshu/internal/studio"
	"github.com/ashita-ai/renshu/internal/telemetry"
)

// Guard errors re-exported so embedders can errors.Is without importing
// internal packages.
var (
	ErrNoActiveRun     = studio.ErrNoActiveRun
	ErrRunTerminal     = studio.ErrRunTerminal
	ErrRunNotCompleted = studio.ErrRunNotCompleted
	ErrStreamEnded     = studio.ErrStreamEnded
)

// Studio is the embedded training-studio pipeline. Construct with
// New(); it has no public fields — use options to configure it.
type Studio struct {
	cfg          config.Config
	registry     *studio.Registry
	logger       *slog.Logger
	version      string
	hooks        []Hook
	hookWG       sync.WaitGroup
	otelShutdown telemetry.Shutdown
}

// New initialises the studio: configuration, telemetry, the control
// plane client (unless one is injected), and the consumer pipeline. It
// does not select a run or open any stream — call Select.
func New(opts ...Option) (*Studio, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.ringCapacity != 0 {
		cfg.RingCapacity = o.ringCapacity
	}
	if o.frameInterval != 0 {
		cfg.FrameInterval = o.frameInterval
	}
	if o.historyLimit != 0 {
		cfg.HistoryLimit = o.historyLimit
	}
	if o.windowSize != 0 {
		cfg.WindowSize = o.windowSize
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st := &Studio{
		cfg:          cfg,
		logger:       logger,
		version:      version,
		hooks:        o.hooks,
		otelShutdown: otelShutdown,
	}

	var api studio.ControlAPI
	if o.controlPlane != nil {
		api = &planeAdapter{cp: o.controlPlane}
	} else {
		client, err := control.NewClient(control.Config{
			BaseURL:    cfg.ControlURL,
			StudioID:   cfg.StudioID,
			SigningKey: cfg.SigningKey,
			Timeout:    cfg.RequestTimeout,
			Logger:     logger,
		})
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, err
		}
		api = clientAPI{client}
	}

	consumer, err := studio.NewConsumer(studio.ConsumerConfig{
		API:           api,
		Logger:        logger,
		RingCapacity:  cfg.RingCapacity,
		FrameInterval: cfg.FrameInterval,
		HistoryLimit:  cfg.HistoryLimit,
		WindowSize:    cfg.WindowSize,
		OnState: func(runID string, status model.RunStatus) {
			st.dispatch(func(h Hook) error {
				return h.OnRunStateChanged(runID, RunStatus(status))
			})
		},
		OnTerminal: func(runID string, status model.RunStatus) {
			st.dispatch(func(h Hook) error {
				return h.OnRunCompleted(runID, RunStatus(status))
			})
		},
		OnStreamError: func(runID string, err error) {
			st.dispatch(func(h Hook) error {
				return h.OnStreamError(runID, err)
			})
		},
	})
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	registry, err := studio.NewRegistry(api, consumer, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}
	st.registry = registry

	logger.Info("renshu studio ready", "version", version, "control_url", cfg.ControlURL)
	return st, nil
}

// dispatch fans one notification out to every registered hook, each in
// its own goroutine. Hook failures are logged and dropped.
func (s *Studio) dispatch(fn func(Hook) error) {
	for _, h := range s.hooks {
		s.hookWG.Add(1)
		go func() {
			defer s.hookWG.Done()
			if err := fn(h); err != nil {
				s.logger.Warn("hook failed", "error", err)
			}
		}()
	}
}

// Runs lists runs visible to the studio, newest first. ScopeCorpus uses
// the configured corpus id.
func (s *Studio) Runs(ctx context.Context, scope Scope) ([]RunMeta, error) {
	runs, err := s.registry.ListRuns(ctx, s.cfg.CorpusID, model.Scope(scope), s.cfg.ListLimit)
	if err != nil {
		return nil, err
	}
	out := make([]RunMeta, len(runs))
	for i, r := range runs {
		out[i] = toPublicRunMeta(r)
	}
	return out, nil
}

// Select switches the pipeline to runID: any prior subscription is
// closed and reset first, then the run detail and a bounded historical
// page are applied and the live stream opened.
func (s *Studio) Select(ctx context.Context, runID string) (*Run, error) {
	run, err := s.registry.SelectRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return toPublicRun(run), nil
}

// Run returns the selected run with its authoritative lifecycle state,
// or nil when nothing is selected.
func (s *Studio) Run() *Run {
	return toPublicRun(s.registry.Consumer().Run())
}

// State returns the lifecycle state of the selected run, StatusUnknown
// when nothing is selected.
func (s *Studio) State() RunStatus {
	return RunStatus(s.registry.Consumer().Status())
}

// Points returns the visible telemetry points, oldest first. Points
// become visible at most once per frame interval.
func (s *Studio) Points() []TelemetryPoint {
	points := s.registry.Consumer().Points()
	out := make([]TelemetryPoint, len(points))
	for i, p := range points {
		out[i] = toPublicPoint(p)
	}
	return out
}

// Export writes the currently retained event window as
// newline-delimited JSON, oldest first. Read-only.
func (s *Studio) Export(w io.Writer) error {
	return s.registry.Consumer().ExportEvents(w)
}

// Stats snapshots the pipeline counters.
func (s *Studio) Stats() Stats {
	st := s.registry.Consumer().Stats()
	return Stats{
		RunID:         st.RunID,
		Status:        RunStatus(st.Status),
		Applied:       st.Applied,
		Duplicates:    st.Duplicates,
		Points:        st.Points,
		PendingPoints: st.PendingPoints,
		Evicted:       st.Evicted,
		Retained:      st.Retained,
	}
}

// Cancel requests cancellation of the selected run. Guarded: fails with
// ErrRunTerminal before any network call once the run is terminal. The
// state only changes when the authoritative cancelled event arrives.
func (s *Studio) Cancel(ctx context.Context) error {
	return s.registry.Consumer().Cancel(ctx)
}

// Promote marks the selected run's adapted model for serving. Guarded:
// fails with ErrRunNotCompleted before any network call unless the run
// is completed.
func (s *Studio) Promote(ctx context.Context) error {
	return s.registry.Consumer().Promote(ctx)
}

// CancelRun requests cancellation of any run by id, selected or not.
// Unguarded list-row action.
func (s *Studio) CancelRun(ctx context.Context, runID string) error {
	return s.registry.CancelRun(ctx, runID)
}

// PromoteRun requests promotion of any run by id, selected or not.
func (s *Studio) PromoteRun(ctx context.Context, runID string) error {
	return s.registry.PromoteRun(ctx, runID)
}

// Close tears down the live subscription, waits for in-flight hook
// notifications, and shuts telemetry down. Idempotent.
func (s *Studio) Close() error {
	s.registry.Close()
	s.hookWG.Wait()
	if s.otelShutdown == nil {
		return nil
	}
	err := s.otelShutdown(context.Background())
	s.otelShutdown = nil
	return err
}

// ---------------------------------------------------------------------------
// Control-plane adapters
// ---------------------------------------------------------------------------

// clientAPI narrows the built-in HTTP client to the pipeline interface.
type clientAPI struct {
	*control.Client
}

func (a clientAPI) StreamRun(ctx context.Context, runID string) (studio.EventStream, error) {
	return a.Client.StreamRun(ctx, runID)
}

// planeAdapter bridges a user-supplied ControlPlane into the internal
// pipeline interface, converting between public and internal types.
type planeAdapter struct {
	cp ControlPlane
}

func (a *planeAdapter) ListRuns(ctx context.Context, corpusID string, scope model.Scope, limit int) ([]model.RunMeta, error) {
	runs, err := a.cp.ListRuns(ctx, corpusID, Scope(scope), limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.RunMeta, len(runs))
	for i, r := range runs {
		out[i] = model.RunMeta{
			RunID:         r.RunID,
			CorpusID:      r.CorpusID,
			Status:        model.RunStatus(r.Status),
			StartedAt:     r.StartedAt,
			CompletedAt:   r.CompletedAt,
			PrimaryMetric: r.PrimaryMetric,
		}
	}
	return out, nil
}

func (a *planeAdapter) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := a.cp.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.New("renshu: control plane returned no run")
	}
	out := &model.Run{
		RunID:            run.RunID,
		CorpusID:         run.CorpusID,
		Status:           model.RunStatus(run.Status),
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
		PrimaryMetric:    run.PrimaryMetric,
		PrimaryGoal:      model.Goal(run.PrimaryGoal),
		MetricsAvailable: run.MetricsAvailable,
		ConfigSnapshot:   run.ConfigSnapshot,
	}
	if run.Summary != nil {
		out.Summary = &model.RunSummary{
			BestValue:  run.Summary.BestValue,
			FinalValue: run.Summary.FinalValue,
			BestStep:   run.Summary.BestStep,
		}
	}
	return out, nil
}

func (a *planeAdapter) GetMetrics(ctx context.Context, runID string, limit int) ([]model.MetricEvent, error) {
	events, err := a.cp.GetMetrics(ctx, runID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.MetricEvent, len(events))
	for i, ev := range events {
		out[i] = toModelEvent(ev)
	}
	return out, nil
}

func (a *planeAdapter) StreamRun(ctx context.Context, runID string) (studio.EventStream, error) {
	inner, err := a.cp.StreamRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return newStreamAdapter(inner), nil
}

func (a *planeAdapter) CancelRun(ctx context.Context, runID string) error {
	return a.cp.CancelRun(ctx, runID)
}

func (a *planeAdapter) PromoteRun(ctx context.Context, runID string) error {
	return a.cp.PromoteRun(ctx, runID)
}

// streamAdapter pumps a public EventStream into the internal event
// shape. Close stops the pump even when the consumer is no longer
// reading.
type streamAdapter struct {
	inner EventStream
	ch    chan model.MetricEvent
	done  chan struct{}
	once  sync.Once
}

func newStreamAdapter(inner EventStream) *streamAdapter {
	a := &streamAdapter{
		inner: inner,
		ch:    make(chan model.MetricEvent),
		done:  make(chan struct{}),
	}
	go a.pump()
	return a
}

func (a *streamAdapter) pump() {
	defer close(a.ch)
	for ev := range a.inner.Events() {
		select {
		case a.ch <- toModelEvent(ev):
		case <-a.done:
			return
		}
	}
}

func (a *streamAdapter) Events() <-chan model.MetricEvent { return a.ch }

func (a *streamAdapter) Err() error { return a.inner.Err() }

func (a *streamAdapter) Close() error {
	a.once.Do(func() { close(a.done) })
	return a.inner.Close()
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func toPublicRun(run *model.Run) *Run {
	if run == nil {
		return nil
	}
	out := &Run{
		RunID:            run.RunID,
		CorpusID:         run.CorpusID,
		Status:           RunStatus(run.Status),
		StartedAt:        run.StartedAt,
		CompletedAt:      run.CompletedAt,
		PrimaryMetric:    run.PrimaryMetric,
		PrimaryGoal:      Goal(run.PrimaryGoal),
		MetricsAvailable: run.MetricsAvailable,
		ConfigSnapshot:   run.ConfigSnapshot,
	}
	if run.Summary != nil {
		out.Summary = &RunSummary{
			BestValue:  run.Summary.BestValue,
			FinalValue: run.Summary.FinalValue,
			BestStep:   run.Summary.BestStep,
		}
	}
	return out
}

func toPublicRunMeta(r model.RunMeta) RunMeta {
	return RunMeta{
		RunID:         r.RunID,
		CorpusID:      r.CorpusID,
		Status:        RunStatus(r.Status),
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		PrimaryMetric: r.PrimaryMetric,
	}
}

func toPublicPoint(p model.TelemetryPoint) TelemetryPoint {
	return TelemetryPoint{
		X:         p.X,
		Y:         p.Y,
		Step:      p.Step,
		Loss:      p.Loss,
		LR:        p.LR,
		GradNorm:  p.GradNorm,
		Timestamp: p.Timestamp,
	}
}

func toModelEvent(ev MetricEvent) model.MetricEvent {
	return model.MetricEvent{
		Type:       model.EventType(ev.Type),
		Timestamp:  ev.Timestamp,
		Status:     model.RunStatus(ev.Status),
		Step:       ev.Step,
		Epoch:      ev.Epoch,
		Percent:    ev.Percent,
		Message:    ev.Message,
		Loss:       ev.Loss,
		LR:         ev.LR,
		GradNorm:   ev.GradNorm,
		ParamNorm:  ev.ParamNorm,
		UpdateNorm: ev.UpdateNorm,
		ProjX:      ev.ProjX,
		ProjY:      ev.ProjY,
		Metrics:    ev.Metrics,
	}
}
