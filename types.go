package renshu

import "time"

// RunStatus is the lifecycle state of a training run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	StatusUnknown   RunStatus = "unknown"
)

// Terminal reports whether s is a state from which no further
// transition is expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Goal is the optimization direction of a run's primary metric.
type Goal string

const (
	GoalMaximize Goal = "maximize"
	GoalMinimize Goal = "minimize"
)

// Scope selects which runs a listing returns.
type Scope string

const (
	ScopeCorpus Scope = "corpus"
	ScopeAll    Scope = "all"
)

// EventType categorizes a record on the run metric stream.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventTelemetry EventType = "telemetry"
	EventLog       EventType = "log"
	EventError     EventType = "error"
	EventState     EventType = "state"
	EventComplete  EventType = "complete"
)

// Run is the public representation of one tracked training execution.
// It is a curated view of the internal run model for use in extension
// interfaces. No internal package imports — safe to use from outside
// the module.
type Run struct {
	RunID            string
	CorpusID         string
	Status           RunStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
	PrimaryMetric    string
	PrimaryGoal      Goal
	Summary          *RunSummary
	MetricsAvailable []string
	ConfigSnapshot   map[string]any
}

// RunSummary holds the best and final values of the primary metric.
type RunSummary struct {
	BestValue  *float64
	FinalValue *float64
	BestStep   *int64
}

// RunMeta is the listing projection of a run.
type RunMeta struct {
	RunID         string
	CorpusID      string
	Status        RunStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
	PrimaryMetric string
}

// MetricEvent is one streamed record describing run progress, loss, or
// lifecycle status at a point in time. Identity is structural; the
// control plane assigns no event id.
type MetricEvent struct {
	Type       EventType          `json:"type"`
	Timestamp  string             `json:"ts,omitempty"`
	Status     RunStatus          `json:"status,omitempty"`
	Step       *int64             `json:"step,omitempty"`
	Epoch      *int64             `json:"epoch,omitempty"`
	Percent    *float64           `json:"percent,omitempty"`
	Message    string             `json:"message,omitempty"`
	Loss       *float64           `json:"loss,omitempty"`
	LR         *float64           `json:"lr,omitempty"`
	GradNorm   *float64           `json:"grad_norm,omitempty"`
	ParamNorm  *float64           `json:"param_norm,omitempty"`
	UpdateNorm *float64           `json:"update_norm,omitempty"`
	ProjX      *float64           `json:"proj_x,omitempty"`
	ProjY      *float64           `json:"proj_y,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// TelemetryPoint is one visualization sample derived from a telemetry
// event.
type TelemetryPoint struct {
	X         float64
	Y         float64
	Step      int64
	Loss      *float64
	LR        *float64
	GradNorm  *float64
	Timestamp string
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	RunID         string
	Status        RunStatus
	Applied       int64
	Duplicates    int64
	Points        int
	PendingPoints int
	Evicted       int64
	Retained      int
}
