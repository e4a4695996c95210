package studio

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ashita-ai/renshu/internal/model"
)

func TestExportEventsWritesRetainedWindowAsNDJSON(t *testing.T) {
	api := &fakeAPI{
		run: model.Run{Status: model.RunStatusRunning},
		history: []model.MetricEvent{
			{Type: model.EventState, Status: model.RunStatusRunning, Timestamp: "t0"},
			telemetryEvent("t1", 1, 0.1, 0.2),
			{Type: model.EventProgress, Timestamp: "t2", Step: i64(1), Metrics: map[string]float64{"ndcg@10": 0.8}},
		},
	}
	c := newTestConsumer(t, ConsumerConfig{API: api})
	if _, err := c.Select(context.Background(), "run-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	var buf bytes.Buffer
	if err := c.ExportEvents(&buf); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var ev model.MetricEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d does not decode: %v", i, err)
		}
	}

	// Wire shape, oldest first.
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first["type"] != "state" || first["ts"] != "t0" || first["status"] != "running" {
		t.Fatalf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"proj_x":0.1`) {
		t.Fatalf("telemetry line lost its wire field names: %s", lines[1])
	}

	// Read-only: a second export yields the same bytes.
	var again bytes.Buffer
	if err := c.ExportEvents(&again); err != nil {
		t.Fatal(err)
	}
	if again.String() != buf.String() {
		t.Fatal("export mutated live state")
	}
}

func TestExportEventsEmptyWindow(t *testing.T) {
	c := newTestConsumer(t, ConsumerConfig{API: &fakeAPI{}})

	var buf bytes.Buffer
	if err := c.ExportEvents(&buf); err != nil {
		t.Fatalf("ExportEvents: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestExportFilename(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC)
	got := ExportFilename("run_7f3a", now)
	if got != "renshu-run_7f3a-20260301-104500.ndjson" {
		t.Fatalf("unexpected filename %q", got)
	}
}
