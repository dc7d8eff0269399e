package progress

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/model"
)

// Log writes events to a zap logger. Items are logged at debug level.
type Log struct {
	log *zap.Logger
}

// NewLog returns a Log tracker; a nil logger means zap.L().
func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.L()
	}
	return &Log{log: log}
}

func (l *Log) StageBegin(_ context.Context, stage model.RunState) {
	l.log.Info("pipeline: stage started", zap.String("stage", string(stage)))
}

func (l *Log) StageEnd(_ context.Context, r model.StageResult) {
	fields := []zap.Field{
		zap.String("stage", string(r.Name)),
		zap.String("status", string(r.Status)),
		zap.Int64("duration_ms", r.Duration),
		zap.Int("attempted", r.Attempted),
		zap.Int("succeeded", r.Succeeded),
		zap.Int("failed", r.Failed),
	}
	if r.Error != "" {
		l.log.Warn("pipeline: stage finished", append(fields, zap.String("error", r.Error))...)
		return
	}
	l.log.Info("pipeline: stage finished", fields...)
}

func (l *Log) Item(_ context.Context, stage model.RunState, key string, err error) {
	if err != nil {
		l.log.Warn("pipeline: item failed",
			zap.String("stage", string(stage)),
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	l.log.Debug("pipeline: item done", zap.String("stage", string(stage)), zap.String("key", key))
}

func (l *Log) SourceResult(_ context.Context, source model.Source, count int, err error, elapsed time.Duration) {
	if err != nil {
		l.log.Warn("collect: source failed",
			zap.String("source", string(source)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	l.log.Info("collect: source done",
		zap.String("source", string(source)),
		zap.Int("count", count),
		zap.Duration("elapsed", elapsed),
	)
}

func (l *Log) Finish(_ context.Context, state model.RunState, summary *model.RunSummary, err error) {
	if err != nil {
		l.log.Error("pipeline: run ended", zap.String("state", string(state)), zap.Error(err))
		return
	}
	fields := []zap.Field{zap.String("state", string(state))}
	if summary != nil {
		fields = append(fields,
			zap.Int("collected", summary.Collected),
			zap.Int("classified", summary.Classified),
			zap.Int("relevant", summary.Relevant),
			zap.Int("final", summary.Final),
			zap.Int64("elapsed_ms", summary.ElapsedMs),
		)
	}
	l.log.Info("pipeline: run complete", fields...)
}
