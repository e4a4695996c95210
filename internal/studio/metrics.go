package studio

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/renshu/internal/telemetry"
)

// registerMetrics registers observable OTEL instruments for pipeline
// health monitoring. Called from NewConsumer after the global meter
// provider has been initialized; registration is best-effort.
func (c *Consumer) registerMetrics() {
	meter := telemetry.Meter("renshu/studio")

	_, _ = meter.Int64ObservableGauge("renshu.ring.points",
		metric.WithDescription("Telemetry points currently visible in the ring buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.ring.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("renshu.ring.pending",
		metric.WithDescription("Telemetry points queued for the next coalesced flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.ring.PendingLen()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("renshu.ring.evicted_total",
		metric.WithDescription("Total telemetry points dropped to honor the ring capacity"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.ring.EvictedTotal())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("renshu.events.applied_total",
		metric.WithDescription("Total events accepted through the pipeline"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.appliedTotal.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("renshu.events.duplicates_total",
		metric.WithDescription("Total events rejected by structural deduplication"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.duplicateTotal.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("renshu.window.events",
		metric.WithDescription("Raw events currently retained for export and dedup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.Lock()
			n := c.window.len()
			c.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}
