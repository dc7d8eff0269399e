// Package pipeline runs the monitoring workflow: collect, deduplicate,
// filter, classify, enrich and finalize, checkpointing costly work so an
// interrupted run can resume.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/checkpoint"
	"github.com/sells-group/tender-monitor/internal/collector"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/dedup"
	"github.com/sells-group/tender-monitor/internal/model"
	"github.com/sells-group/tender-monitor/internal/progress"
	"github.com/sells-group/tender-monitor/internal/store"
)

// RunError is returned when a run stops before it is finalized. The
// checkpoint is left as it was so the run can be resumed.
type RunError struct {
	// State is the terminal state: failed or cancelled.
	State model.RunState
	// Stage is the stage that was running.
	Stage   model.RunState
	RunName string
	Err     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline: run %s %s during %s: %v", e.RunName, e.State, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Result is the outcome of a finalized run.
type Result struct {
	RunName    string                        `json:"run_name"`
	Resumed    bool                          `json:"resumed"`
	State      model.RunState                `json:"state"`
	Collected  int                           `json:"collected"`
	Classified int                           `json:"classified"`
	Relevant   int                           `json:"relevant"`
	Threshold  int                           `json:"relevance_threshold"`
	Items      []model.ClassifiedOpportunity `json:"items"`
	Sources    []collector.SourceReport      `json:"sources,omitempty"`
	Stages     []model.StageResult           `json:"stages"`
	Elapsed    time.Duration                 `json:"-"`
	ElapsedMs  int64                         `json:"elapsed_ms"`
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Collectors []collector.Collector
	Classifier *Classifier
	// Enricher is optional; without it records keep missing deadlines.
	Enricher *DateEnricher
	Backend  checkpoint.Backend
	// History is optional run-history storage.
	History store.Store
	Tracker progress.Tracker
	Now     func() time.Time
}

// RunOptions adjust a single run.
type RunOptions struct {
	// NoResume starts a fresh run even if a resumable checkpoint exists.
	NoResume bool
	// Exclude holds normalized URLs removed after exact deduplication.
	Exclude map[string]struct{}
}

// Pipeline is the monitoring workflow.
type Pipeline struct {
	cfg        *config.Config
	deps       Deps
	configHash string
	now        func() time.Time
}

// New creates a pipeline.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if deps.Classifier == nil {
		return nil, eris.New("pipeline: classifier is required")
	}
	if deps.Backend == nil {
		return nil, eris.New("pipeline: checkpoint backend is required")
	}
	hash, err := cfg.SnapshotHash()
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: hash config")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{cfg: cfg, deps: deps, configHash: hash, now: now}, nil
}

// run carries the state of one execution.
type run struct {
	name    string
	state   model.RunState
	stage   model.RunState
	cache   *checkpoint.PipelineCache
	tracker progress.Tracker
	result  *Result
	log     *zap.Logger
}

// transition moves the state machine to next, refusing to start a stage
// once ctx is done.
func (r *run) transition(ctx context.Context, next model.RunState) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrapf(err, "pipeline: cancelled before %s", next)
	}
	if !r.state.CanTransition(next) {
		return &model.TransitionError{From: r.state, To: next}
	}
	r.state = next
	r.stage = next
	return nil
}

// track runs fn as stage name and records its result.
func (r *run) track(ctx context.Context, name model.RunState, fn func() (model.StageResult, error)) error {
	if err := r.transition(ctx, name); err != nil {
		return err
	}
	r.tracker.StageBegin(ctx, name)

	start := time.Now()
	res, err := fn()
	res.Name = name
	res.Duration = time.Since(start).Milliseconds()
	if err != nil {
		res.Status = model.PhaseStatusFailed
		res.Error = err.Error()
		r.log.Error("pipeline: stage failed", zap.String("stage", string(name)), zap.Int64("duration_ms", res.Duration), zap.Error(err))
	} else {
		if res.Status == "" {
			res.Status = model.PhaseStatusComplete
		}
		r.log.Info("pipeline: stage complete",
			zap.String("stage", string(name)),
			zap.Int64("duration_ms", res.Duration),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
		)
	}
	r.tracker.StageEnd(ctx, res)
	r.result.Stages = append(r.result.Stages, res)
	return err
}

// Run executes the workflow. A resumable checkpoint is picked up unless
// disabled by config or opts. On failure or cancellation it returns a
// *RunError and no result.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	started := p.now()
	resume := p.cfg.Checkpoint.Resume && !opts.NoResume

	cache, resumed, err := checkpoint.OpenForRun(ctx, p.deps.Backend, model.RunName(started), p.configHash, resume, p.cfg.Checkpoint.StrictConfig)
	if err != nil {
		return nil, &RunError{State: terminalState(ctx, err), Stage: model.StateIdle, RunName: model.RunName(started), Err: err}
	}
	defer cache.Close() //nolint:errcheck

	r := &run{
		name:    cache.RunName(),
		state:   model.StateIdle,
		stage:   model.StateIdle,
		cache:   cache,
		tracker: p.tracker(ctx, cache.RunName(), resumed),
		result: &Result{
			RunName:   cache.RunName(),
			Resumed:   resumed,
			Threshold: p.cfg.Classify.RelevanceThreshold,
		},
		log: zap.L().With(zap.String("run", cache.RunName())),
	}
	r.log.Info("pipeline: run starting", zap.Bool("resumed", resumed), zap.Int("collectors", len(p.deps.Collectors)))

	if err := p.execute(ctx, r, opts); err != nil {
		state := terminalState(ctx, err)
		r.state = state
		r.tracker.Finish(ctx, state, p.summary(r, started), err)
		r.log.Error("pipeline: run stopped", zap.String("state", string(state)), zap.String("stage", string(r.stage)), zap.Error(err))
		return nil, &RunError{State: state, Stage: r.stage, RunName: r.name, Err: err}
	}

	r.result.State = r.state
	r.result.Elapsed = p.now().Sub(started)
	r.result.ElapsedMs = r.result.Elapsed.Milliseconds()
	r.tracker.Finish(ctx, r.state, p.summary(r, started), nil)
	r.log.Info("pipeline: run finalized",
		zap.Int("collected", r.result.Collected),
		zap.Int("classified", r.result.Classified),
		zap.Int("relevant", r.result.Relevant),
		zap.Int("final", len(r.result.Items)),
		zap.Int64("elapsed_ms", r.result.ElapsedMs),
	)
	return r.result, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run, opts RunOptions) error {
	today := model.DateOf(p.now())

	var records []model.Opportunity
	if r.result.Resumed {
		collected, ok, err := r.cache.LoadCollected(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return eris.Wrap(checkpoint.ErrCorrupt, "pipeline: resumed run has no collected records")
		}
		records = collected
		r.result.Collected = len(records)
		r.log.Info("pipeline: resuming from checkpoint", zap.Int("collected", len(records)))
	} else {
		err := r.track(ctx, model.StateCollecting, func() (model.StageResult, error) {
			items, reports := collector.NewFanOut(p.deps.Collectors, r.tracker).Collect(ctx)
			r.result.Sources = reports
			res := model.StageResult{Attempted: len(reports), Metadata: map[string]any{"records": len(items)}}
			for _, rep := range reports {
				if rep.Err != nil {
					res.Failed++
				} else {
					res.Succeeded++
				}
			}
			if err := ctx.Err(); err != nil {
				return res, eris.Wrap(err, "pipeline: collection cancelled")
			}
			if err := r.cache.SaveCollected(ctx, items); err != nil {
				return res, err
			}
			if err := r.cache.SetStage(ctx, checkpoint.StageCollected, map[string]int{"collected": len(items)}); err != nil {
				return res, err
			}
			records = items
			r.result.Collected = len(items)
			return res, nil
		})
		if err != nil {
			return err
		}
	}

	err := r.track(ctx, model.StateDeduplicating, func() (model.StageResult, error) {
		before := len(records)
		records = dedup.Exact(records)
		unique := len(records)
		if len(opts.Exclude) > 0 {
			records = dedup.Exclude(records, opts.Exclude)
		}
		return model.StageResult{
			Attempted: before,
			Succeeded: len(records),
			Metadata:  map[string]any{"duplicates": before - unique, "excluded": unique - len(records)},
		}, nil
	})
	if err != nil {
		return err
	}

	err = r.track(ctx, model.StateFilteringFuture, func() (model.StageResult, error) {
		before := len(records)
		records = FilterFuture(records, today)
		return model.StageResult{Attempted: before, Succeeded: len(records), Metadata: map[string]any{"expired": before - len(records)}}, nil
	})
	if err != nil {
		return err
	}

	var classified []model.ClassifiedOpportunity
	err = r.track(ctx, model.StateClassifying, func() (model.StageResult, error) {
		items, stats, err := p.deps.Classifier.ClassifyAll(ctx, records, r.cache, r.tracker)
		res := model.StageResult{
			Attempted: stats.Total,
			Succeeded: stats.Classified + stats.Cached,
			Failed:    stats.Failed,
			Metadata:  map[string]any{"cached": stats.Cached},
		}
		if err != nil {
			return res, err
		}
		if err := r.cache.SetStage(ctx, checkpoint.StageClassified, map[string]int{"classified": len(items)}); err != nil {
			return res, err
		}
		classified = items
		r.result.Classified = len(items)
		return res, nil
	})
	if err != nil {
		return err
	}

	err = r.track(ctx, model.StatePatchingDates, func() (model.StageResult, error) {
		patched := PatchDates(classified)
		return model.StageResult{Attempted: len(classified), Succeeded: patched}, nil
	})
	if err != nil {
		return err
	}

	err = r.track(ctx, model.StateEnriching, func() (model.StageResult, error) {
		if p.deps.Enricher == nil {
			return model.StageResult{Status: model.PhaseStatusSkipped}, nil
		}
		missing := 0
		for _, it := range classified {
			if it.Opportunity.Deadline == nil {
				missing++
			}
		}
		patched, err := p.deps.Enricher.Enrich(ctx, classified, r.tracker)
		res := model.StageResult{Attempted: missing, Succeeded: patched}
		if err != nil {
			return res, err
		}
		return res, r.cache.SetStage(ctx, checkpoint.StageEnriched, map[string]int{"enriched": patched})
	})
	if err != nil {
		return err
	}

	err = r.track(ctx, model.StateFilteringPast, func() (model.StageResult, error) {
		before := len(classified)
		classified = FilterPast(classified, today)
		return model.StageResult{Attempted: before, Succeeded: len(classified), Metadata: map[string]any{"expired": before - len(classified)}}, nil
	})
	if err != nil {
		return err
	}

	err = r.track(ctx, model.StateDeduplicatingEvents, func() (model.StageResult, error) {
		before := len(classified)
		classified = dedup.Events(classified, dedup.Options{})
		return model.StageResult{Attempted: before, Succeeded: len(classified), Metadata: map[string]any{"merged": before - len(classified)}}, nil
	})
	if err != nil {
		return err
	}

	if err := r.transition(ctx, model.StateFinalized); err != nil {
		return err
	}
	r.result.Items = classified
	for _, it := range classified {
		if it.Classification.Relevant(p.cfg.Classify.RelevanceThreshold) {
			r.result.Relevant++
		}
	}
	return r.cache.SetStage(ctx, checkpoint.StageComplete, map[string]int{
		"final":    len(classified),
		"relevant": r.result.Relevant,
	})
}

// tracker combines the configured tracker with run history, when enabled.
func (p *Pipeline) tracker(ctx context.Context, name string, resumed bool) progress.Tracker {
	base := progress.OrNop(p.deps.Tracker)
	if p.deps.History == nil {
		return base
	}
	rec, err := p.deps.History.CreateRun(ctx, name, resumed)
	if err != nil {
		zap.L().Warn("pipeline: run history unavailable", zap.String("run", name), zap.Error(err))
		return base
	}
	return progress.Multi{base, progress.NewStore(p.deps.History, rec.ID)}
}

func (p *Pipeline) summary(r *run, started time.Time) *model.RunSummary {
	return &model.RunSummary{
		Collected:  r.result.Collected,
		Classified: r.result.Classified,
		Relevant:   r.result.Relevant,
		Final:      len(r.result.Items),
		Stages:     r.result.Stages,
		ElapsedMs:  p.now().Sub(started).Milliseconds(),
	}
}

func terminalState(ctx context.Context, err error) model.RunState {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return model.StateCancelled
	}
	return model.StateFailed
}
