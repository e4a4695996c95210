package studio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/renshu/internal/model"
)

// DefaultFrameInterval aligns coalesced flushes to roughly ten display
// refreshes per second when the owner does not configure one.
const DefaultFrameInterval = 100 * time.Millisecond

// Ring is a fixed-capacity FIFO store of telemetry points fed through a
// frame-coalescing scheduler. Push appends to a pending queue and arms
// at most one flush timer; when the timer fires, the flush merges every
// pending point into the buffer in arrival order and evicts from the
// front once capacity is reached. Readers see whole frames only: points
// become visible when a flush fires, never mid-burst.
//
// Telemetry can arrive far faster than a display can usefully redraw;
// coalescing caps buffer-visible updates at one per frame while still
// delivering every surviving point in order.
type Ring struct {
	frame time.Duration

	mu      sync.Mutex
	buf     []model.TelemetryPoint // fixed backing array; len(buf) is the capacity
	head    int                    // index of the oldest visible point
	size    int                    // number of visible points
	pending []model.TelemetryPoint
	timer   *time.Timer // non-nil while a flush is scheduled
	gen     uint64      // bumped on Reset/DiscardPending to disarm in-flight timers

	evictedTotal atomic.Int64 // points overwritten by newer ones, ever
	flushTotal   atomic.Int64 // flushes that merged at least one point
}

// NewRing creates a ring holding at most capacity points, flushing on
// the given frame interval. Capacity must be positive (config validation
// enforces the platform range); frame <= 0 falls back to
// DefaultFrameInterval.
func NewRing(capacity int, frame time.Duration) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	if frame <= 0 {
		frame = DefaultFrameInterval
	}
	return &Ring{
		frame: frame,
		buf:   make([]model.TelemetryPoint, capacity),
	}
}

// Push appends p to the pending queue and, if no flush is outstanding,
// schedules exactly one aligned to the next frame. The point becomes
// visible to Snapshot when that flush fires.
func (r *Ring) Push(p model.TelemetryPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, p)
	if len(r.pending) > len(r.buf) {
		// Pending points beyond capacity would be evicted by the merge
		// anyway; dropping the oldest now keeps the queue bounded under
		// event storms without changing what a flush produces.
		r.pending = r.pending[1:]
		r.evictedTotal.Add(1)
	}

	if r.timer == nil {
		gen := r.gen
		r.timer = time.AfterFunc(r.frame, func() { r.flush(gen) })
	}
}

// flush merges the pending queue into the buffer. Timers armed before a
// Reset or DiscardPending carry a stale generation and do nothing.
func (r *Ring) flush(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	r.timer = nil
	r.mergeLocked()
}

// flushNow runs a scheduled flush immediately. Test hook; production
// callers rely on the timer.
func (r *Ring) flushNow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mergeLocked()
}

// mergeLocked appends all pending points in arrival order, evicting the
// oldest visible point on overflow. Caller holds mu.
func (r *Ring) mergeLocked() {
	if len(r.pending) == 0 {
		return
	}
	for _, p := range r.pending {
		tail := (r.head + r.size) % len(r.buf)
		r.buf[tail] = p
		if r.size == len(r.buf) {
			// Full: the slot just written held the oldest point.
			r.head = (r.head + 1) % len(r.buf)
			r.evictedTotal.Add(1)
		} else {
			r.size++
		}
	}
	r.pending = r.pending[:0]
	r.flushTotal.Add(1)
}

// Reset clears the pending queue and the buffer and cancels any
// scheduled flush. The consumer calls it synchronously on a run switch,
// before the first point of the new run can be pushed, so cross-run
// point leakage is impossible.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarmLocked()
	r.pending = nil
	r.head, r.size = 0, 0
}

// DiscardPending cancels any scheduled flush and drops undelivered
// points without touching buffer contents. Used on close, which must
// preserve the last-known-good display.
func (r *Ring) DiscardPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disarmLocked()
	r.pending = nil
}

// disarmLocked stops the flush timer and invalidates any timer callback
// already in flight. Caller holds mu.
func (r *Ring) disarmLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Snapshot returns the visible points oldest to newest. The result is a
// copy; callers may retain it across flushes.
func (r *Ring) Snapshot() []model.TelemetryPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TelemetryPoint, r.size)
	for i := range out {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of visible points.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// PendingLen returns the number of points queued but not yet visible.
func (r *Ring) PendingLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// EvictedTotal returns the number of points ever dropped to honor the
// capacity bound.
func (r *Ring) EvictedTotal() int64 {
	return r.evictedTotal.Load()
}

// FlushTotal returns the number of non-empty flushes performed.
func (r *Ring) FlushTotal() int64 {
	return r.flushTotal.Load()
}
