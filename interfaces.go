package renshu

import "context"

// ControlPlane is the Training Control API as seen by the studio.
// When provided via WithControlPlane it replaces the built-in HTTP
// client, for example to bridge an in-process trainer or a test double.
type ControlPlane interface {
	ListRuns(ctx context.Context, corpusID string, scope Scope, limit int) ([]RunMeta, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	GetMetrics(ctx context.Context, runID string, limit int) ([]MetricEvent, error)
	StreamRun(ctx context.Context, runID string) (EventStream, error)
	CancelRun(ctx context.Context, runID string) error
	PromoteRun(ctx context.Context, runID string) error
}

// EventStream is a live push source of metric events. Events is closed
// when delivery ends for any reason; Err then reports the transport
// cause, nil for a clean end. Close must be idempotent.
type EventStream interface {
	Events() <-chan MetricEvent
	Err() error
	Close() error
}

// Hook receives notifications as the selected run's lifecycle advances.
// Multiple hooks may be registered via multiple WithHook calls; all
// registered hooks receive every notification. Hook methods run in
// goroutines — they must not block indefinitely. Failures are logged
// but never affect the pipeline.
type Hook interface {
	// OnRunStateChanged fires on every lifecycle transition, including
	// the terminal one.
	OnRunStateChanged(runID string, status RunStatus) error

	// OnRunCompleted fires once per subscription when the run reaches a
	// terminal state (completed, failed, or cancelled).
	OnRunCompleted(runID string, status RunStatus) error

	// OnStreamError fires at most once per subscription when the live
	// stream fails. Applied telemetry survives as the last-known-good
	// view; re-select the run to reattach.
	OnStreamError(runID string, err error) error
}
