package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/model"
	"github.com/sells-group/tender-monitor/internal/store"
)

// Store records stages as run-history phases. Write failures are logged;
// run history never fails a run.
type Store struct {
	st    store.Store
	runID string

	mu     sync.Mutex
	phases map[model.RunState]string
}

// NewStore tracks into the run runID of st.
func NewStore(st store.Store, runID string) *Store {
	return &Store{st: st, runID: runID, phases: make(map[model.RunState]string)}
}

func (s *Store) StageBegin(ctx context.Context, stage model.RunState) {
	ctx = context.WithoutCancel(ctx)
	if err := s.st.UpdateRunStatus(ctx, s.runID, stage); err != nil {
		zap.L().Warn("progress: update run status", zap.String("run_id", s.runID), zap.Error(err))
	}
	phase, err := s.st.CreatePhase(ctx, s.runID, stage)
	if err != nil {
		zap.L().Warn("progress: create phase", zap.String("run_id", s.runID), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.phases[stage] = phase.ID
	s.mu.Unlock()
}

func (s *Store) StageEnd(ctx context.Context, result model.StageResult) {
	s.mu.Lock()
	id, ok := s.phases[result.Name]
	delete(s.phases, result.Name)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.st.CompletePhase(context.WithoutCancel(ctx), id, &result); err != nil {
		zap.L().Warn("progress: complete phase", zap.String("phase_id", id), zap.Error(err))
	}
}

func (s *Store) Item(context.Context, model.RunState, string, error) {}

func (s *Store) SourceResult(context.Context, model.Source, int, error, time.Duration) {}

func (s *Store) Finish(ctx context.Context, state model.RunState, summary *model.RunSummary, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if ferr := s.st.FinishRun(context.WithoutCancel(ctx), s.runID, state, summary, msg); ferr != nil {
		zap.L().Warn("progress: finish run", zap.String("run_id", s.runID), zap.Error(ferr))
	}
}
