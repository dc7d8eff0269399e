package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/checkpoint"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/model"
	"github.com/sells-group/tender-monitor/internal/progress"
	"github.com/sells-group/tender-monitor/internal/resilience"
)

const defaultClassifyConcurrency = 4

// ClassifyStats counts what happened to each record handed to ClassifyAll.
type ClassifyStats struct {
	Total      int `json:"total"`
	Cached     int `json:"cached"`
	Classified int `json:"classified"`
	Failed     int `json:"failed"`
}

// Classifier scores records against the company profile with an AI model.
type Classifier struct {
	gen         ai.Generator
	system      string
	temperature float64
	concurrency int
	limiter     *rate.Limiter
	policy      resilience.Policy
}

// NewClassifier creates a classifier. gen should not retry on its own: the
// classifier retries schema and validation failures itself.
func NewClassifier(gen ai.Generator, cfg *config.Config) *Classifier {
	concurrency := cfg.Classify.Concurrency
	if concurrency <= 0 {
		concurrency = defaultClassifyConcurrency
	}
	limit := rate.Inf
	if cfg.Classify.DelayMs > 0 {
		limit = rate.Every(time.Duration(cfg.Classify.DelayMs) * time.Millisecond)
	}
	return &Classifier{
		gen:         gen,
		system:      classifySystemPrompt(cfg.Company),
		temperature: cfg.Classify.Temperature,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(limit, 1),
		policy:      ai.RetryPolicy(cfg.AI, cfg.Classify.MaxAttempts),
	}
}

// ClassifyAll classifies records, reusing classifications already in cache.
// Each new classification is written to cache as soon as it is produced; a
// write failure aborts the stage. Records that cannot be classified are
// dropped and counted as failed. The output keeps the input order.
func (c *Classifier) ClassifyAll(ctx context.Context, records []model.Opportunity, cache *checkpoint.PipelineCache, tracker progress.Tracker) ([]model.ClassifiedOpportunity, ClassifyStats, error) {
	tracker = progress.OrNop(tracker)
	stats := ClassifyStats{Total: len(records)}

	var index map[string]struct{}
	if cache != nil {
		var err error
		if index, err = cache.ClassifiedIndex(ctx); err != nil {
			return nil, stats, eris.Wrap(err, "classify: load checkpoint index")
		}
	}

	results := make([]*model.ClassifiedOpportunity, len(records))
	var pending []int
	for i, rec := range records {
		if cache != nil {
			hit, ok, err := lookup(ctx, cache, index, rec.Key())
			if err != nil {
				return nil, stats, eris.Wrap(err, "classify: load checkpoint")
			}
			if ok {
				results[i] = &model.ClassifiedOpportunity{Opportunity: rec, Classification: hit.Classification}
				stats.Cached++
				continue
			}
		}
		pending = append(pending, i)
	}
	zap.L().Info("classify: starting",
		zap.Int("records", len(records)),
		zap.Int("cached", stats.Cached),
		zap.Int("to_classify", len(pending)),
		zap.Int("concurrency", c.concurrency),
	)

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, i := range pending {
		if gCtx.Err() != nil {
			break
		}
		rec := records[i]
		g.Go(func() error {
			if err := c.limiter.Wait(gCtx); err != nil {
				return eris.Wrap(err, "classify: rate limiter wait")
			}
			cls, err := c.classify(gCtx, rec)
			if err != nil {
				if gCtx.Err() != nil {
					return eris.Wrap(gCtx.Err(), "classify: cancelled")
				}
				zap.L().Warn("classify: record dropped",
					zap.String("id", rec.ID),
					zap.String("key", rec.Key()),
					zap.Error(err),
				)
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				tracker.Item(ctx, model.StateClassifying, rec.Key(), err)
				return nil
			}

			item := model.ClassifiedOpportunity{Opportunity: rec, Classification: cls}
			if cache != nil {
				if err := cache.SaveClassified(gCtx, item); err != nil {
					return eris.Wrap(err, "classify: write checkpoint")
				}
			}
			mu.Lock()
			results[i] = &item
			stats.Classified++
			mu.Unlock()
			tracker.Item(ctx, model.StateClassifying, rec.Key(), nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, eris.Wrap(err, "classify: cancelled")
	}

	out := make([]model.ClassifiedOpportunity, 0, len(records))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	zap.L().Info("classify: complete",
		zap.Int("classified", stats.Classified),
		zap.Int("cached", stats.Cached),
		zap.Int("failed", stats.Failed),
	)
	return out, stats, nil
}

// lookup returns the checkpointed classification of key. The index answers
// membership; an entry written after the last index update is still found
// through the store.
func lookup(ctx context.Context, cache *checkpoint.PipelineCache, index map[string]struct{}, key string) (model.ClassifiedOpportunity, bool, error) {
	if _, listed := index[key]; !listed {
		ok, err := cache.HasClassified(ctx, key)
		if err != nil || !ok {
			return model.ClassifiedOpportunity{}, false, err
		}
	}
	item, ok, err := cache.Classified(ctx, key)
	if err == nil && !ok {
		err = eris.Wrapf(checkpoint.ErrCorrupt, "classified index lists %s without an entry", key)
	}
	return item, ok, err
}

// classify runs one record through the model, retrying transient errors and
// answers that break the contract.
func (c *Classifier) classify(ctx context.Context, rec model.Opportunity) (model.Classification, error) {
	req := ai.Request{
		Name:        "classify",
		System:      c.system,
		Prompt:      recordPrompt(rec),
		Schema:      classificationSchema(rec.Kind),
		Temperature: c.temperature,
		CacheSystem: true,
	}

	p := c.policy
	p.OnRetry = resilience.LogRetries("classify", rec.ID)
	return resilience.RetryVal(ctx, p, func(ctx context.Context) (model.Classification, error) {
		raw, err := c.gen.Generate(ctx, req)
		if err != nil {
			return model.Classification{}, err
		}
		if err := ai.ValidateJSON(req.Schema, raw); err != nil {
			return model.Classification{}, eris.Wrap(ai.ErrInvalidOutput, err.Error())
		}
		cls, err := ai.Decode[model.Classification](raw)
		if err != nil {
			return model.Classification{}, err
		}
		if err := cls.Validate(rec.Kind); err != nil {
			return model.Classification{}, eris.Wrap(ai.ErrInvalidOutput, err.Error())
		}
		return cls, nil
	})
}
