package collector

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

// Deps are the shared dependencies handed to collector factories.
type Deps struct {
	Config    *config.Config
	Fetcher   fetcher.Fetcher
	Generator ai.Generator
	Searcher  ai.Searcher
	Now       func() time.Time
}

func (d Deps) now() func() time.Time {
	if d.Now != nil {
		return d.Now
	}
	return time.Now
}

// Factory builds a collector from shared dependencies.
type Factory func(Deps) (Collector, error)

// Registry maps source tags to factories, preserving registration order.
type Registry struct {
	order     []model.Source
	factories map[model.Source]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[model.Source]Factory)}
}

// Register adds a factory. Registering a source twice is an error.
func (r *Registry) Register(src model.Source, f Factory) error {
	if _, ok := r.factories[src]; ok {
		return eris.Errorf("collector: source %q already registered", src)
	}
	r.order = append(r.order, src)
	r.factories[src] = f
	return nil
}

// Sources returns registered tags in registration order.
func (r *Registry) Sources() []model.Source {
	return append([]model.Source(nil), r.order...)
}

// Build instantiates the enabled collectors in registration order.
func (r *Registry) Build(d Deps, enabled []model.Source) ([]Collector, error) {
	want := make(map[model.Source]bool, len(enabled))
	for _, src := range enabled {
		if _, ok := r.factories[src]; !ok {
			return nil, eris.Errorf("collector: unknown source %q", src)
		}
		want[src] = true
	}

	var out []Collector
	for _, src := range r.order {
		if !want[src] {
			continue
		}
		c, err := r.factories[src](d)
		if err != nil {
			return nil, eris.Wrapf(err, "collector: build %s", src)
		}
		out = append(out, c)
	}
	return out, nil
}

// DefaultRegistry registers the built-in sources.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, e := range []struct {
		src model.Source
		f   Factory
	}{
		{model.SourceTED, NewTED},
		{model.SourceANAC, NewANAC},
		{model.SourceFeeds, NewFeeds},
		{model.SourceWebEvents, NewWebEvents},
		{model.SourceWebTenders, NewWebTenders},
		{model.SourceWebSearch, NewWebSearch},
	} {
		_ = r.Register(e.src, e.f)
	}
	return r
}

// Enabled lists the sources switched on in cfg.
func Enabled(cfg config.CollectorsConfig) []model.Source {
	var out []model.Source
	for _, e := range []struct {
		on  bool
		src model.Source
	}{
		{cfg.TED, model.SourceTED},
		{cfg.ANAC, model.SourceANAC},
		{cfg.Feeds, model.SourceFeeds},
		{cfg.WebEvents, model.SourceWebEvents},
		{cfg.WebTenders, model.SourceWebTenders},
		{cfg.WebSearch, model.SourceWebSearch},
	} {
		if e.on {
			out = append(out, e.src)
		}
	}
	return out
}
