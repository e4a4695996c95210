package studio

import "github.com/ashita-ai/renshu/internal/model"

// DefaultWindowSize bounds the retained raw-event window when the owner
// does not configure one.
const DefaultWindowSize = 10_000

// window is the bounded slice of accepted raw events backing NDJSON
// export and dedup-set rebuilds. Keys are retained alongside events so a
// rebuild never rehashes. Not safe for concurrent use; the owning
// consumer serializes access.
type window struct {
	limit  int
	events []model.MetricEvent
	keys   []string
}

func newWindow(limit int) *window {
	if limit <= 0 {
		limit = DefaultWindowSize
	}
	return &window{limit: limit}
}

// add appends ev and its key. When the window is full it first drops the
// oldest half, which keeps the amortized cost per admitted event O(1),
// and reports true so the caller rebuilds the dedup set from the
// surviving keys.
func (w *window) add(ev model.MetricEvent, key string) (truncated bool) {
	if len(w.events) >= w.limit {
		drop := len(w.events) / 2
		if drop == 0 {
			drop = len(w.events)
		}
		w.events = append(w.events[:0], w.events[drop:]...)
		w.keys = append(w.keys[:0], w.keys[drop:]...)
		truncated = true
	}
	w.events = append(w.events, ev)
	w.keys = append(w.keys, key)
	return truncated
}

// snapshot returns a copy of the retained events, oldest first.
func (w *window) snapshot() []model.MetricEvent {
	out := make([]model.MetricEvent, len(w.events))
	copy(out, w.events)
	return out
}

// reset drops every retained event and key on a run switch.
func (w *window) reset() {
	w.events = w.events[:0]
	w.keys = w.keys[:0]
}

func (w *window) len() int {
	return len(w.events)
}
