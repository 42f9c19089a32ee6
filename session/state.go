package session

import (
	"time"

	"github.com/seo-optimizer/pagewalker/results"
)

// State is a step of the session state machine.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateNavigating
	StateSuppressing
	StateSimulating
	StateCapturing
	StateExtractingMetrics
	StateRecommending
	StateReporting
	StateFinalizing
	StateShutdownRequested
	StateDone
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateInitializing:      "initializing",
	StateNavigating:        "navigating",
	StateSuppressing:       "suppressing",
	StateSimulating:        "simulating",
	StateCapturing:         "capturing",
	StateExtractingMetrics: "extracting_metrics",
	StateRecommending:      "recommending",
	StateReporting:         "reporting",
	StateFinalizing:        "finalizing",
	StateShutdownRequested: "shutdown_requested",
	StateDone:              "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool { return s == StateDone }

// Event describes a state transition or progress of a running session.
// Progress events carry new counts without a state change.
type Event struct {
	AnalysisID  string
	State       State
	Progress    bool
	Status      results.Status
	Screenshots int
	Events      int
	Time        time.Time
}

// Observer receives session events. Observe is called from a dedicated
// goroutine; events are dropped rather than delaying the session.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
