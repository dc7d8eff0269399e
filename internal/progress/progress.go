// Package progress reports pipeline advancement to observers: logs, run
// history, tests.
package progress

import (
	"context"
	"time"

	"github.com/sells-group/tender-monitor/internal/model"
)

// Tracker receives pipeline events. Implementations must be safe for
// concurrent use: Item and SourceResult are called from worker goroutines.
type Tracker interface {
	StageBegin(ctx context.Context, stage model.RunState)
	StageEnd(ctx context.Context, result model.StageResult)
	// Item reports one processed record of a per-item stage. err is nil on
	// success.
	Item(ctx context.Context, stage model.RunState, key string, err error)
	SourceResult(ctx context.Context, source model.Source, count int, err error, elapsed time.Duration)
	Finish(ctx context.Context, state model.RunState, summary *model.RunSummary, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) StageBegin(context.Context, model.RunState) {}
func (Nop) StageEnd(context.Context, model.StageResult) {}
func (Nop) Item(context.Context, model.RunState, string, error) {}
func (Nop) SourceResult(context.Context, model.Source, int, error, time.Duration) {}
func (Nop) Finish(context.Context, model.RunState, *model.RunSummary, error) {}

// Multi fans every event out to each tracker in order.
type Multi []Tracker

func (m Multi) StageBegin(ctx context.Context, stage model.RunState) {
	for _, t := range m {
		t.StageBegin(ctx, stage)
	}
}

func (m Multi) StageEnd(ctx context.Context, result model.StageResult) {
	for _, t := range m {
		t.StageEnd(ctx, result)
	}
}

func (m Multi) Item(ctx context.Context, stage model.RunState, key string, err error) {
	for _, t := range m {
		t.Item(ctx, stage, key, err)
	}
}

func (m Multi) SourceResult(ctx context.Context, source model.Source, count int, err error, elapsed time.Duration) {
	for _, t := range m {
		t.SourceResult(ctx, source, count, err, elapsed)
	}
}

func (m Multi) Finish(ctx context.Context, state model.RunState, summary *model.RunSummary, err error) {
	for _, t := range m {
		t.Finish(ctx, state, summary, err)
	}
}

// OrNop returns t, or Nop when t is nil.
func OrNop(t Tracker) Tracker {
	if t == nil {
		return Nop{}
	}
	return t
}
