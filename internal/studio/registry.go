package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ashita-ai/renshu/internal/model"
)

// Registry lists runs and owns the consumer hot-swap. SelectRun is the
// only entry point that tears down and rebuilds the pipeline, and run
// switches are serialized here so the consumer sees one at a time.
type Registry struct {
	api      ControlAPI
	consumer *Consumer
	logger   *slog.Logger

	mu sync.Mutex // serializes SelectRun and Close
}

// NewRegistry wires a registry over the control API and a consumer.
func NewRegistry(api ControlAPI, consumer *Consumer, logger *slog.Logger) (*Registry, error) {
	if api == nil {
		return nil, errors.New("studio: registry requires a control API")
	}
	if consumer == nil {
		return nil, errors.New("studio: registry requires a consumer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{api: api, consumer: consumer, logger: logger}, nil
}

// ListRuns returns run summaries ordered by start time, newest first.
// Scope corpus filters to corpusID; scope all ignores it. The ordering
// is this method's contract, so results are sorted here regardless of
// what the transport returned.
func (r *Registry) ListRuns(ctx context.Context, corpusID string, scope model.Scope, limit int) ([]model.RunMeta, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("studio: invalid scope %q", scope)
	}
	if scope == model.ScopeCorpus && corpusID == "" {
		return nil, errors.New("studio: corpus id is required for corpus scope")
	}
	runs, err := r.api.ListRuns(ctx, corpusID, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("studio: list runs: %w", err)
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// SelectRun switches the consumer to runID, tearing down any prior
// subscription first.
func (r *Registry) SelectRun(ctx context.Context, runID string) (*model.Run, error) {
	if runID == "" {
		return nil, errors.New("studio: run id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumer.Select(ctx, runID)
}

// Close tears down the active subscription, if any.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumer.Close()
}

// Consumer exposes the owned consumer for reads (points, state, stats,
// export) and guarded actions.
func (r *Registry) Consumer() *Consumer {
	return r.consumer
}

// CancelRun requests cancellation of any run by id, selected or not.
// This is the unguarded list-row action: the transport accepts it, and
// the state machine still moves only on authoritative events.
func (r *Registry) CancelRun(ctx context.Context, runID string) error {
	if err := r.api.CancelRun(ctx, runID); err != nil {
		return fmt.Errorf("studio: cancel run %s: %w", runID, err)
	}
	return nil
}

// PromoteRun requests promotion of any run by id, selected or not.
func (r *Registry) PromoteRun(ctx context.Context, runID string) error {
	if err := r.api.PromoteRun(ctx, runID); err != nil {
		return fmt.Errorf("studio: promote run %s: %w", runID, err)
	}
	return nil
}
