// Package model defines the core domain types for Renshu.
//
// All types mirror the Training Control API wire format (snake_case JSON)
// and use strong typing (enums, pointer-optional numerics) so absent and
// zero values stay distinguishable.
package model

import "time"

// RunStatus represents the lifecycle state of a training run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusUnknown   RunStatus = "unknown"
)

// Known reports whether s is one of the recognized lifecycle states.
func (s RunStatus) Known() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusCompleted,
		RunStatusFailed, RunStatusCancelled, RunStatusUnknown:
		return true
	}
	return false
}

// Terminal reports whether s is a state from which no further
// transition is expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
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
	ScopeCorpus Scope = "corpus" // runs belonging to the given corpus
	ScopeAll    Scope = "all"    // every run visible to the caller
)

// Valid reports whether s is a recognized listing scope.
func (s Scope) Valid() bool {
	return s == ScopeCorpus || s == ScopeAll
}

// Run is one tracked training execution. Created by the Training Control
// API when a run starts; mutated only by the arrival of terminal-status
// events; immutable once terminal.
type Run struct {
	RunID            string         `json:"run_id"`
	CorpusID         string         `json:"corpus_id"`
	Status           RunStatus      `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	PrimaryMetric    string         `json:"primary_metric"`
	PrimaryGoal      Goal           `json:"primary_goal"`
	Summary          *RunSummary    `json:"summary,omitempty"`
	MetricsAvailable []string       `json:"metrics_available,omitempty"`
	ConfigSnapshot   map[string]any `json:"config_snapshot,omitempty"`
}

// RunSummary holds the best and final values of the primary metric.
// Nil until the control plane has computed them.
type RunSummary struct {
	BestValue  *float64 `json:"best_value,omitempty"`
	FinalValue *float64 `json:"final_value,omitempty"`
	BestStep   *int64   `json:"best_step,omitempty"`
}

// RunMeta is the listing projection of a run.
type RunMeta struct {
	RunID         string     `json:"run_id"`
	CorpusID      string     `json:"corpus_id"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	PrimaryMetric string     `json:"primary_metric,omitempty"`
}
