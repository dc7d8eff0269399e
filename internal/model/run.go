package model

import (
	"fmt"
	"time"
)

// RunState is a state of the pipeline state machine.
type RunState string

const (
	StateIdle                RunState = "idle"
	StateCollecting          RunState = "collecting"
	StateDeduplicating       RunState = "deduplicating"
	StateFilteringFuture     RunState = "filtering_future"
	StateClassifying         RunState = "classifying"
	StatePatchingDates       RunState = "patching_dates"
	StateEnriching           RunState = "enriching"
	StateFilteringPast       RunState = "filtering_past"
	StateDeduplicatingEvents RunState = "deduplicating_events"
	StateFinalized           RunState = "finalized"
	StateFailed              RunState = "failed"
	StateCancelled           RunState = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s RunState) Terminal() bool {
	switch s {
	case StateFinalized, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions lists the forward edges of the state machine. Failed and
// Cancelled are reachable from every non-terminal state.
var transitions = map[RunState][]RunState{
	StateIdle:                {StateCollecting, StateDeduplicating},
	StateCollecting:          {StateDeduplicating},
	StateDeduplicating:       {StateFilteringFuture},
	StateFilteringFuture:     {StateClassifying},
	StateClassifying:         {StatePatchingDates},
	StatePatchingDates:       {StateEnriching},
	StateEnriching:           {StateFilteringPast},
	StateFilteringPast:       {StateDeduplicatingEvents},
	StateDeduplicatingEvents: {StateFinalized},
}

// CanTransition reports whether the machine may move from s to next.
func (s RunState) CanTransition(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == StateCancelled {
		return true
	}
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal state change.
type TransitionError struct {
	From RunState
	To   RunState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("model: illegal transition %s -> %s", e.From, e.To)
}

// PhaseStatus represents the outcome of a pipeline stage.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// StageResult holds the outcome of one pipeline stage.
type StageResult struct {
	Name      RunState       `json:"name"`
	Status    PhaseStatus    `json:"status"`
	Duration  int64          `json:"duration_ms"`
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Run is a row of run history.
type Run struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Status    RunState    `json:"status"`
	Resumed   bool        `json:"resumed"`
	Summary   *RunSummary `json:"summary,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunSummary is the persisted outcome of a finished run.
type RunSummary struct {
	Collected  int           `json:"collected"`
	Classified int           `json:"classified"`
	Relevant   int           `json:"relevant"`
	Final      int           `json:"final"`
	Stages     []StageResult `json:"stages"`
	ElapsedMs  int64         `json:"elapsed_ms"`
}

// RunPhase is a row of stage history within a run.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      RunState     `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *StageResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// RunName derives the checkpoint run name from a start time.
func RunName(t time.Time) string {
	return "run_" + t.UTC().Format("20060102_150405")
}
