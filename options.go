package renshu

import (
	"log/slog"
	"time"
)

// Option configures a Studio.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger        *slog.Logger
	version       string
	controlPlane  ControlPlane
	ringCapacity  int
	frameInterval time.Duration
	historyLimit  int
	windowSize    int
	hooks         []Hook
}

// WithLogger sets the structured logger for the Studio.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithControlPlane replaces the built-in Training Control API HTTP
// client. When set, the connection settings from config (control URL,
// studio id, signing key) are not used.
func WithControlPlane(cp ControlPlane) Option {
	return func(o *resolvedOptions) { o.controlPlane = cp }
}

// WithRingCapacity overrides the telemetry ring capacity from config
// (RENSHU_RING_CAPACITY env var). The platform accepts 1,000–50,000.
func WithRingCapacity(capacity int) Option {
	return func(o *resolvedOptions) { o.ringCapacity = capacity }
}

// WithFrameInterval overrides the coalesced-flush alignment from config
// (RENSHU_FRAME_INTERVAL env var). Telemetry pushed within one interval
// becomes visible in a single buffer update.
func WithFrameInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.frameInterval = d }
}

// WithHistoryLimit overrides the bounded historical page size fetched on
// run selection (RENSHU_HISTORY_LIMIT env var).
func WithHistoryLimit(limit int) Option {
	return func(o *resolvedOptions) { o.historyLimit = limit }
}

// WithEventWindow overrides the number of raw events retained for
// export and dedup (RENSHU_WINDOW_SIZE env var).
func WithEventWindow(size int) Option {
	return func(o *resolvedOptions) { o.windowSize = size }
}

// WithHook registers a hook to receive run lifecycle notifications.
// Multiple hooks may be registered; all registered hooks receive every
// notification.
func WithHook(hook Hook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, hook) }
}
