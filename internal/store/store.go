// Package store persists run history: one row per pipeline run and one per
// stage of that run.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-monitor/internal/model"
)

// ErrNotFound is returned when a run or phase does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunState `json:"status,omitempty"`
	Name   string         `json:"name,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

const defaultListLimit = 50

func (f RunFilter) limit() uint64 {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return uint64(f.Limit)
}

// Store defines the run history persistence interface.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, name string, resumed bool) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunState) error
	FinishRun(ctx context.Context, runID string, status model.RunState, summary *model.RunSummary, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phases
	CreatePhase(ctx context.Context, runID string, name model.RunState) (*model.RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.StageResult) error
	ListPhases(ctx context.Context, runID string) ([]model.RunPhase, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
