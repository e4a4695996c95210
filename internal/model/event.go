package model

// EventType categorizes a record on the run metric stream.
type EventType string

const (
	// Measurement events.
	EventProgress  EventType = "progress"
	EventTelemetry EventType = "telemetry"

	// Informational events.
	EventLog   EventType = "log"
	EventError EventType = "error"

	// Lifecycle events.
	EventState    EventType = "state"
	EventComplete EventType = "complete"
)

// MetricEvent is one streamed record describing run progress, loss, or
// lifecycle status at a point in time.
//
// The control plane assigns no monotonic event id, so identity is
// structural: duplicate delivery (a historical page overlapping the live
// stream) is detected from field content alone. Optional numerics are
// pointers because zero is a meaningful value, and Timestamp stays the
// raw wire string so re-encoding cannot perturb identity.
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

// TerminalStatus resolves the terminal state carried by the event, if any.
// Any event whose status field is terminal carries that state; a
// complete-typed event with no status implies completed (a bare complete
// is the success path). A complete event with a non-terminal status does
// not terminate.
func (e MetricEvent) TerminalStatus() (RunStatus, bool) {
	if e.Status.Terminal() {
		return e.Status, true
	}
	if e.Type == EventComplete && e.Status == "" {
		return RunStatusCompleted, true
	}
	return "", false
}

// TelemetryPoint is the projected visualization sample derived from a
// telemetry event.
type TelemetryPoint struct {
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Step      int64    `json:"step"`
	Loss      *float64 `json:"loss,omitempty"`
	LR        *float64 `json:"lr,omitempty"`
	GradNorm  *float64 `json:"grad_norm,omitempty"`
	Timestamp string   `json:"ts,omitempty"`
}

// Point derives the visualization sample from the event. Only telemetry
// events carrying both projection coordinates produce a point.
func (e MetricEvent) Point() (TelemetryPoint, bool) {
	if e.Type != EventTelemetry || e.ProjX == nil || e.ProjY == nil {
		return TelemetryPoint{}, false
	}
	p := TelemetryPoint{
		X:         *e.ProjX,
		Y:         *e.ProjY,
		Loss:      e.Loss,
		LR:        e.LR,
		GradNorm:  e.GradNorm,
		Timestamp: e.Timestamp,
	}
	if e.Step != nil {
		p.Step = *e.Step
	}
	return p, true
}
