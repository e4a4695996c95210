package studio

import (
	"testing"

	"github.com/ashita-ai/renshu/internal/model"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestEventKeyDeterministic(t *testing.T) {
	ev := model.MetricEvent{
		Type:      model.EventProgress,
		Timestamp: "2026-08-20T10:00:00Z",
		Status:    model.RunStatusRunning,
		Step:      i64(42),
		Percent:   f64(10.5),
		Loss:      f64(0.33),
		Metrics:   map[string]float64{"ndcg@10": 0.81, "recall@100": 0.92},
	}

	k1 := EventKey(ev)
	k2 := EventKey(ev)
	if k1 != k2 {
		t.Fatalf("same event produced different keys: %s vs %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Fatalf("expected a 64-char hex digest, got %d chars", len(k1))
	}
}

func TestEventKeyMetricsOrderIrrelevant(t *testing.T) {
	a := model.MetricEvent{
		Type:    model.EventProgress,
		Metrics: map[string]float64{"a": 1, "b": 2, "c": 3},
	}
	b := model.MetricEvent{
		Type:    model.EventProgress,
		Metrics: map[string]float64{"c": 3, "a": 1, "b": 2},
	}
	if EventKey(a) != EventKey(b) {
		t.Fatal("metric insertion order must not affect the key")
	}
}

func TestEventKeyDistinguishesAbsentFromPresent(t *testing.T) {
	base := model.MetricEvent{Type: model.EventProgress}

	variants := []model.MetricEvent{
		{Type: model.EventProgress, Step: i64(0)},
		{Type: model.EventProgress, Percent: f64(0)},
		{Type: model.EventProgress, Message: "null"},
		{Type: model.EventProgress, Metrics: map[string]float64{"loss": 0}},
	}
	baseKey := EventKey(base)
	for i, v := range variants {
		if EventKey(v) == baseKey {
			t.Errorf("variant %d with a present zero field collided with the all-absent event", i)
		}
	}
}

func TestEventKeySensitiveToEachField(t *testing.T) {
	base := model.MetricEvent{
		Type:      model.EventTelemetry,
		Timestamp: "2026-08-20T10:00:00Z",
		Step:      i64(7),
		ProjX:     f64(1.5),
		ProjY:     f64(-2.5),
	}
	baseKey := EventKey(base)

	mutations := map[string]model.MetricEvent{}

	m := base
	m.Type = model.EventProgress
	mutations["type"] = m

	m = base
	m.Timestamp = "2026-08-20T10:00:01Z"
	mutations["ts"] = m

	m = base
	m.Step = i64(8)
	mutations["step"] = m

	m = base
	m.ProjX = f64(1.5000001)
	mutations["proj_x"] = m

	m = base
	m.Status = model.RunStatusRunning
	mutations["status"] = m

	for field, mut := range mutations {
		if EventKey(mut) == baseKey {
			t.Errorf("changing %s did not change the key", field)
		}
	}
}

func TestEventKeyMessageBoundaries(t *testing.T) {
	// Length prefixes keep adjacent fields from bleeding into each other.
	a := model.MetricEvent{Type: model.EventLog, Message: "ab"}
	b := model.MetricEvent{Type: model.EventLog, Message: "a", Timestamp: "b"}
	if EventKey(a) == EventKey(b) {
		t.Fatal("field boundary collision")
	}
}

func TestDedupLifecycle(t *testing.T) {
	d := NewDedup()
	key := EventKey(model.MetricEvent{Type: model.EventProgress, Step: i64(1)})

	if !d.IsNew(key) {
		t.Fatal("fresh key should be new")
	}
	d.Mark(key)
	if d.IsNew(key) {
		t.Fatal("marked key should not be new")
	}
	if d.Len() != 1 {
		t.Fatalf("expected 1 marked key, got %d", d.Len())
	}

	d.Clear()
	if !d.IsNew(key) {
		t.Fatal("cleared key should be new again")
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty set after clear, got %d", d.Len())
	}
}
