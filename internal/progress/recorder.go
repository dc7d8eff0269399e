package progress

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/tender-monitor/internal/model"
)

// ItemEvent is one recorded Item call.
type ItemEvent struct {
	Stage model.RunState
	Key   string
	Err   error
}

// SourceEvent is one recorded SourceResult call.
type SourceEvent struct {
	Source  model.Source
	Count   int
	Err     error
	Elapsed time.Duration
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu       sync.Mutex
	begun    []model.RunState
	stages   []model.StageResult
	items    []ItemEvent
	sources  []SourceEvent
	finished bool
	state    model.RunState
	summary  *model.RunSummary
	err      error
}

func (r *Recorder) StageBegin(_ context.Context, stage model.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begun = append(r.begun, stage)
}

func (r *Recorder) StageEnd(_ context.Context, result model.StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, result)
}

func (r *Recorder) Item(_ context.Context, stage model.RunState, key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, ItemEvent{Stage: stage, Key: key, Err: err})
}

func (r *Recorder) SourceResult(_ context.Context, source model.Source, count int, err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, SourceEvent{Source: source, Count: count, Err: err, Elapsed: elapsed})
}

func (r *Recorder) Finish(_ context.Context, state model.RunState, summary *model.RunSummary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.state = state
	r.summary = summary
	r.err = err
}

// Begun returns the stages started, in order.
func (r *Recorder) Begun() []model.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RunState(nil), r.begun...)
}

// Stages returns the finished stage results, in order.
func (r *Recorder) Stages() []model.StageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.StageResult(nil), r.stages...)
}

// Items returns the item events of stage.
func (r *Recorder) Items(stage model.RunState) []ItemEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ItemEvent
	for _, it := range r.items {
		if it.Stage == stage {
			out = append(out, it)
		}
	}
	return out
}

// Sources returns the source events.
func (r *Recorder) Sources() []SourceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SourceEvent(nil), r.sources...)
}

// Finished returns the terminal state, whether Finish ran, and the run error.
func (r *Recorder) Finished() (model.RunState, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.finished, r.err
}

// Summary returns the summary passed to Finish.
func (r *Recorder) Summary() *model.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}
