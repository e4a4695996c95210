package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/renshu/internal/model"
	"github.com/ashita-ai/renshu/internal/telemetry"
)

var tracer = telemetry.Tracer("renshu/studio")

// Defaults for tuning fields left zero in ConsumerConfig. Config
// validation enforces the platform range on the ring capacity.
const (
	DefaultRingCapacity = 10_000
	DefaultHistoryLimit = 1_000
)

// Sentinel errors for guarded actions and stream outcomes.
var (
	ErrNoActiveRun     = errors.New("studio: no active run")
	ErrRunTerminal     = errors.New("studio: run already in a terminal state")
	ErrRunNotCompleted = errors.New("studio: run has not completed")
	ErrStreamEnded     = errors.New("studio: stream ended before run completion")
)

// ControlAPI is the slice of the Training Control API the pipeline
// consumes. internal/control.Client implements it; tests substitute
// in-memory fakes.
type ControlAPI interface {
	ListRuns(ctx context.Context, corpusID string, scope model.Scope, limit int) ([]model.RunMeta, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	GetMetrics(ctx context.Context, runID string, limit int) ([]model.MetricEvent, error)
	StreamRun(ctx context.Context, runID string) (EventStream, error)
	CancelRun(ctx context.Context, runID string) error
	PromoteRun(ctx context.Context, runID string) error
}

// EventStream is a live push source of metric events. Events is closed
// when delivery ends for any reason; Err then reports the transport
// cause, nil for a clean end. Close is idempotent. For runs that are
// already finished the control plane replays the trailing events and
// closes.
type EventStream interface {
	Events() <-chan model.MetricEvent
	Err() error
	Close() error
}

// ConsumerConfig configures a Consumer. API is required; zero values
// elsewhere fall back to package defaults.
type ConsumerConfig struct {
	API           ControlAPI
	Logger        *slog.Logger  // Optional. Defaults to slog.Default().
	RingCapacity  int           // Optional. Telemetry points kept for display.
	FrameInterval time.Duration // Optional. Coalesced flush alignment.
	HistoryLimit  int           // Optional. Bounded historical page size.
	WindowSize    int           // Optional. Retained raw events for export.

	// OnState receives every lifecycle transition, including the
	// terminal one. OnTerminal fires once per subscription when the run
	// reaches a terminal state. OnStreamError fires at most once per
	// subscription on a transport failure. Callbacks run on the
	// subscription goroutine (or the selecting goroutine for historical
	// transitions) and must not block.
	OnState       func(runID string, status model.RunStatus)
	OnTerminal    func(runID string, status model.RunStatus)
	OnStreamError func(runID string, err error)
}

// Consumer owns at most one live run subscription and the pipeline state
// behind it: the dedup key set, the retained event window, the telemetry
// ring, and the lifecycle state machine. Select and Close are serialized
// by the owning Registry; everything else is safe to call concurrently.
type Consumer struct {
	api           ControlAPI
	logger        *slog.Logger
	historyLimit  int
	onState       func(string, model.RunStatus)
	onTerminal    func(string, model.RunStatus)
	onStreamError func(string, error)

	mu      sync.Mutex
	run     *model.Run    // selected run detail, nil when none
	sub     *subscription // live subscription, nil when none
	dedup   *Dedup
	window  *window
	machine *Machine
	ring    *Ring

	appliedTotal   atomic.Int64 // events accepted through the pipeline
	duplicateTotal atomic.Int64 // events rejected by the dedup set
}

// subscription is one live attachment to a run's event stream.
type subscription struct {
	id            ulid.ULID
	runID         string
	stream        EventStream
	cancel        context.CancelFunc
	done          chan struct{} // closed when the reader goroutine exits
	closed        bool          // guarded by Consumer.mu; set exactly once
	terminalFired bool          // guarded by Consumer.mu
}

// NewConsumer builds the pipeline around cfg.API.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.API == nil {
		return nil, errors.New("studio: ConsumerConfig.API is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ringCap := cfg.RingCapacity
	if ringCap <= 0 {
		ringCap = DefaultRingCapacity
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	c := &Consumer{
		api:           cfg.API,
		logger:        logger,
		historyLimit:  historyLimit,
		onState:       cfg.OnState,
		onTerminal:    cfg.OnTerminal,
		onStreamError: cfg.OnStreamError,
		dedup:         NewDedup(),
		window:        newWindow(cfg.WindowSize),
		machine:       NewMachine(),
		ring:          NewRing(ringCap, cfg.FrameInterval),
	}
	c.registerMetrics()
	return c, nil
}

// Select switches the consumer to runID: it synchronously closes any
// prior subscription, resets the pipeline, loads the run detail and a
// bounded historical page (concurrently; both must succeed), applies the
// history in order, then opens the live stream. On a fetch failure the
// selection stays cleared and a single error is returned — the consumer
// never exposes a partially populated run. A stream-open failure after a
// successful fetch keeps the applied content, matching the
// stream-failure contract.
func (c *Consumer) Select(ctx context.Context, runID string) (*model.Run, error) {
	ctx, span := tracer.Start(ctx, "studio.select_run",
		trace.WithAttributes(attribute.String("renshu.run_id", runID)),
	)
	defer span.End()

	c.closePrior()

	var (
		run    *model.Run
		events []model.MetricEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r, err := c.api.GetRun(gctx, runID)
		if err != nil {
			return fmt.Errorf("studio: fetch run %s: %w", runID, err)
		}
		run = r
		return nil
	})
	g.Go(func() error {
		evs, err := c.api.GetMetrics(gctx, runID, c.historyLimit)
		if err != nil {
			return fmt.Errorf("studio: fetch history for run %s: %w", runID, err)
		}
		events = evs
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("renshu.history_events", len(events)))

	c.mu.Lock()
	c.run = run
	var transitions []model.RunStatus
	if st, changed := c.machine.Seed(run.Status); changed {
		transitions = append(transitions, st)
	}
	for _, ev := range events {
		if res := c.applyLocked(ev); res.changed {
			transitions = append(transitions, res.status)
		}
	}
	c.mu.Unlock()

	for _, st := range transitions {
		c.notifyState(runID, st)
	}

	// The live stream outlives this call; it is bound to the
	// subscription, not to the selecting context. WithoutCancel keeps
	// request-scoped values (trace context) attached.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := c.api.StreamRun(sctx, runID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("studio: open stream for run %s: %w", runID, err)
	}

	sub := &subscription{
		id:     ulid.Make(),
		runID:  runID,
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.logger.Info("studio: subscription opened",
		"run_id", runID,
		"session", sub.id.String(),
		"history_events", len(events),
		"status", c.machine.Status(),
	)
	go c.read(sub)

	return run, nil
}

// closePrior tears down the current subscription and resets every
// pipeline component, synchronously, so the first event of the next run
// can never interleave with remnants of the old one.
func (c *Consumer) closePrior() {
	c.mu.Lock()
	prior := c.sub
	c.mu.Unlock()

	c.closeSubscription(prior)
	if prior != nil {
		<-prior.done
	}

	c.ring.Reset()
	c.mu.Lock()
	c.dedup.Clear()
	c.window.reset()
	c.machine.Reset()
	c.run = nil
	c.sub = nil
	c.mu.Unlock()
}

// read drains the live stream, applying each event until the stream ends
// or the subscription is closed out from under it.
func (c *Consumer) read(sub *subscription) {
	defer close(sub.done)
	for ev := range sub.stream.Events() {
		if !c.apply(sub, ev) {
			return
		}
	}
	c.finish(sub)
}

// applyResult reports what one event did to the pipeline.
type applyResult struct {
	accepted bool
	changed  bool
	status   model.RunStatus
}

// applyLocked runs one event through dedup, the retained window, the
// state machine, and the telemetry ring. Caller holds mu.
func (c *Consumer) applyLocked(ev model.MetricEvent) applyResult {
	key := EventKey(ev)
	if !c.dedup.IsNew(key) {
		c.duplicateTotal.Add(1)
		return applyResult{}
	}
	c.dedup.Mark(key)
	if c.window.add(ev, key) {
		// The window dropped its oldest half; rebuild the key set from
		// the survivors so it cannot grow unbounded.
		c.dedup.Clear()
		for _, k := range c.window.keys {
			c.dedup.Mark(k)
		}
	}

	res := applyResult{accepted: true}
	res.status, res.changed = c.machine.Observe(ev)
	if p, ok := ev.Point(); ok {
		c.ring.Push(p)
	}
	c.appliedTotal.Add(1)
	return res
}

// apply runs one live event through the pipeline. It returns false when
// the subscription is no longer current (closed or switched away), or
// when the terminal condition closed it.
func (c *Consumer) apply(sub *subscription, ev model.MetricEvent) bool {
	c.mu.Lock()
	if c.sub != sub || sub.closed {
		c.mu.Unlock()
		return false
	}
	res := c.applyLocked(ev)

	// The terminal condition is checked even for dedup-rejected events:
	// when history already contained the final state, the stream replay
	// of it must still complete the subscription.
	terminal := false
	if _, ok := ev.TerminalStatus(); ok && c.machine.Terminal() && !sub.terminalFired {
		sub.terminalFired = true
		terminal = true
	}
	status := c.machine.Status()
	if c.run != nil {
		c.run.Status = status
	}
	c.mu.Unlock()

	if res.changed {
		c.notifyState(sub.runID, res.status)
	}
	if terminal {
		c.logger.Info("studio: run reached terminal state",
			"run_id", sub.runID, "session", sub.id.String(), "status", status)
		c.closeSubscription(sub)
		if c.onTerminal != nil {
			c.onTerminal(sub.runID, status)
		}
		return false
	}
	return true
}

// finish handles the stream ending on its own: transport failure, clean
// close after a terminal replay, or an unexpected clean close.
func (c *Consumer) finish(sub *subscription) {
	streamErr := sub.stream.Err()

	c.mu.Lock()
	if c.sub != sub || sub.closed {
		// Closed by Select/Close/terminal already; nothing to report.
		c.mu.Unlock()
		return
	}
	sub.closed = true
	c.sub = nil
	terminal := c.machine.Terminal()
	fired := sub.terminalFired
	if terminal {
		sub.terminalFired = true
	}
	status := c.machine.Status()
	c.mu.Unlock()

	sub.cancel()
	_ = sub.stream.Close()

	switch {
	case streamErr != nil:
		c.logger.Warn("studio: stream failed",
			"run_id", sub.runID, "session", sub.id.String(), "error", streamErr)
		if c.onStreamError != nil {
			c.onStreamError(sub.runID, streamErr)
		}
	case terminal && !fired:
		c.logger.Info("studio: run reached terminal state",
			"run_id", sub.runID, "session", sub.id.String(), "status", status)
		if c.onTerminal != nil {
			c.onTerminal(sub.runID, status)
		}
	case !terminal:
		c.logger.Warn("studio: stream ended early",
			"run_id", sub.runID, "session", sub.id.String())
		if c.onStreamError != nil {
			c.onStreamError(sub.runID, ErrStreamEnded)
		}
	}
}

// closeSubscription marks sub closed, cancels its context, and closes
// the handle. Safe to call repeatedly and from any goroutine; only the
// first call acts.
func (c *Consumer) closeSubscription(sub *subscription) {
	if sub == nil {
		return
	}
	c.mu.Lock()
	if sub.closed {
		c.mu.Unlock()
		return
	}
	sub.closed = true
	if c.sub == sub {
		c.sub = nil
	}
	c.mu.Unlock()

	sub.cancel()
	_ = sub.stream.Close()
}

// Close tears down the live subscription, cancels any scheduled flush,
// and discards pending points. Buffered points and the machine state
// survive as the last-known-good display. Idempotent.
func (c *Consumer) Close() {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()

	c.closeSubscription(sub)
	if sub != nil {
		<-sub.done
		c.logger.Info("studio: subscription closed",
			"run_id", sub.runID, "session", sub.id.String())
	}
	c.ring.DiscardPending()
}

// Cancel requests cancellation of the active run. Callable only while
// the machine is non-terminal; the guard fails before any network call.
// State never changes here — the machine moves only when the
// authoritative cancelled event arrives.
func (c *Consumer) Cancel(ctx context.Context) error {
	runID, status, err := c.activeRun()
	if err != nil {
		return err
	}
	if status.Terminal() {
		return ErrRunTerminal
	}
	if err := c.api.CancelRun(ctx, runID); err != nil {
		return fmt.Errorf("studio: cancel run %s: %w", runID, err)
	}
	c.logger.Info("studio: cancel requested", "run_id", runID)
	return nil
}

// Promote marks the active run's adapted model for serving. Callable
// only while the machine is completed; the guard fails before any
// network call.
func (c *Consumer) Promote(ctx context.Context) error {
	runID, status, err := c.activeRun()
	if err != nil {
		return err
	}
	if status != model.RunStatusCompleted {
		return ErrRunNotCompleted
	}
	if err := c.api.PromoteRun(ctx, runID); err != nil {
		return fmt.Errorf("studio: promote run %s: %w", runID, err)
	}
	c.logger.Info("studio: promote requested", "run_id", runID)
	return nil
}

func (c *Consumer) activeRun() (string, model.RunStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return "", "", ErrNoActiveRun
	}
	return c.run.RunID, c.machine.Status(), nil
}

func (c *Consumer) notifyState(runID string, status model.RunStatus) {
	c.logger.Debug("studio: run state changed", "run_id", runID, "status", status)
	if c.onState != nil {
		c.onState(runID, status)
	}
}

// Run returns a copy of the selected run detail, or nil when nothing is
// selected. Status reflects the state machine.
func (c *Consumer) Run() *model.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	run := *c.run
	run.Status = c.machine.Status()
	return &run
}

// Status returns the lifecycle state of the selected run, unknown when
// nothing is selected.
func (c *Consumer) Status() model.RunStatus {
	return c.machine.Status()
}

// Points returns the visible telemetry points, oldest first.
func (c *Consumer) Points() []model.TelemetryPoint {
	return c.ring.Snapshot()
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	RunID         string
	Status        model.RunStatus
	Applied       int64
	Duplicates    int64
	Points        int
	PendingPoints int
	Evicted       int64
	Retained      int
}

// Stats snapshots the pipeline counters for status output.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	runID := ""
	if c.run != nil {
		runID = c.run.RunID
	}
	retained := c.window.len()
	c.mu.Unlock()

	return Stats{
		RunID:         runID,
		Status:        c.machine.Status(),
		Applied:       c.appliedTotal.Load(),
		Duplicates:    c.duplicateTotal.Load(),
		Points:        c.ring.Len(),
		PendingPoints: c.ring.PendingLen(),
		Evicted:       c.ring.EvictedTotal(),
		Retained:      retained,
	}
}
