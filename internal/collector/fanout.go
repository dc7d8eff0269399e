package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tender-monitor/internal/model"
	"github.com/sells-group/tender-monitor/internal/progress"
)

// SourceReport is the outcome of one collector.
type SourceReport struct {
	Source   model.Source
	Count    int
	Err      error
	Duration time.Duration
}

// MarshalJSON flattens the error and duration.
func (r SourceReport) MarshalJSON() ([]byte, error) {
	out := struct {
		Source     model.Source `json:"source"`
		Count      int          `json:"count"`
		Error      string       `json:"error,omitempty"`
		DurationMs int64        `json:"duration_ms"`
	}{Source: r.Source, Count: r.Count, DurationMs: r.Duration.Milliseconds()}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// FanOut runs collectors concurrently and isolates their failures.
type FanOut struct {
	collectors []Collector
	tracker    progress.Tracker
}

// NewFanOut creates a fan-out over collectors.
func NewFanOut(collectors []Collector, tracker progress.Tracker) *FanOut {
	return &FanOut{collectors: collectors, tracker: progress.OrNop(tracker)}
}

// Collect runs every collector and concatenates their results in collector
// order. A failing or panicking collector contributes nothing and is
// reported; it never stops the others.
func (f *FanOut) Collect(ctx context.Context) ([]model.Opportunity, []SourceReport) {
	results := make([][]model.Opportunity, len(f.collectors))
	reports := make([]SourceReport, len(f.collectors))

	var g errgroup.Group
	for i, c := range f.collectors {
		g.Go(func() error {
			start := time.Now()
			items, err := runSafely(ctx, c)
			elapsed := time.Since(start)

			if err != nil {
				items = nil
			} else if len(items) == 0 {
				zap.L().Warn("collect: source returned no items", zap.String("source", string(c.Source())))
			}
			results[i] = items
			reports[i] = SourceReport{Source: c.Source(), Count: len(items), Err: err, Duration: elapsed}
			f.tracker.SourceResult(ctx, c.Source(), len(items), err, elapsed)
			return nil
		})
	}
	_ = g.Wait()

	var all []model.Opportunity
	for _, items := range results {
		all = append(all, items...)
	}
	return all, reports
}

func runSafely(ctx context.Context, c Collector) (items []model.Opportunity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("collect: %s panicked: %s", c.Source(), fmt.Sprint(r))
		}
	}()
	return c.Collect(ctx)
}
