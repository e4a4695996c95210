package studio

import (
	"sync"

	"github.com/ashita-ai/renshu/internal/model"
)

// validTransitions maps each lifecycle state to the states an observed
// event may move it to. Terminal states map to nothing: once reached,
// every event carrying a different status is ignored. Non-terminal
// states move freely among themselves, including back to unknown when
// an unrecognized status value arrives.
var validTransitions = map[model.RunStatus][]model.RunStatus{
	model.RunStatusUnknown: {
		model.RunStatusQueued, model.RunStatusRunning,
		model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusCancelled,
	},
	model.RunStatusQueued: {
		model.RunStatusRunning, model.RunStatusUnknown,
		model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusCancelled,
	},
	model.RunStatusRunning: {
		model.RunStatusQueued, model.RunStatusUnknown,
		model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusCancelled,
	},
	model.RunStatusCompleted: {},
	model.RunStatusFailed:    {},
	model.RunStatusCancelled: {},
}

func canTransition(from, to model.RunStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine tracks the authoritative lifecycle state of the selected run.
// State moves only when an observed event carries a status; user actions
// (cancel, promote) never transition it locally — the UI waits for the
// authoritative event.
type Machine struct {
	mu     sync.RWMutex
	status model.RunStatus
}

// NewMachine returns a machine in the unknown state.
func NewMachine() *Machine {
	return &Machine{status: model.RunStatusUnknown}
}

// Observe applies the status carried by ev, if any. It returns the state
// after the event and whether it changed. Events without a status, events
// repeating the current state, and events that would move a terminal
// state leave the machine unchanged.
func (m *Machine) Observe(ev model.MetricEvent) (model.RunStatus, bool) {
	target, ok := eventStatus(ev)
	if !ok {
		return m.Status(), false
	}
	return m.apply(target)
}

// eventStatus resolves the lifecycle state an event asks for. Terminal
// resolution (including the bare-complete convention) takes precedence;
// an unrecognized status value maps to unknown.
func eventStatus(ev model.MetricEvent) (model.RunStatus, bool) {
	if st, ok := ev.TerminalStatus(); ok {
		return st, true
	}
	if ev.Status == "" {
		return "", false
	}
	if !ev.Status.Known() {
		return model.RunStatusUnknown, true
	}
	return ev.Status, true
}

// Seed initializes the machine from the run detail fetched at selection
// time, through the same transition rules as observed events.
func (m *Machine) Seed(status model.RunStatus) (model.RunStatus, bool) {
	if status == "" {
		return m.Status(), false
	}
	if !status.Known() {
		status = model.RunStatusUnknown
	}
	return m.apply(status)
}

func (m *Machine) apply(target model.RunStatus) (model.RunStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target == m.status {
		return m.status, false
	}
	if !canTransition(m.status, target) {
		return m.status, false
	}
	m.status = target
	return m.status, true
}

// Status returns the current lifecycle state.
func (m *Machine) Status() model.RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Terminal reports whether the machine has locked into a terminal state.
func (m *Machine) Terminal() bool {
	return m.Status().Terminal()
}

// Reset returns the machine to unknown for a newly selected run.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = model.RunStatusUnknown
}
