package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/model"
)

func TestDefaultRegistry_Order(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []model.Source{
		model.SourceTED,
		model.SourceANAC,
		model.SourceFeeds,
		model.SourceWebEvents,
		model.SourceWebTenders,
		model.SourceWebSearch,
	}, r.Sources())
}

func TestRegistry_DuplicateRegister(t *testing.T) {
	r := NewRegistry()
	f := func(Deps) (Collector, error) { return &stubCollector{source: "x"}, nil }
	require.NoError(t, r.Register("x", f))
	assert.Error(t, r.Register("x", f))
}

func TestRegistry_BuildUnknownSource(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Build(testDeps(testConfig()), []model.Source{"gazette"})
	assert.Error(t, err)
}

func TestRegistry_BuildOrderFollowsRegistration(t *testing.T) {
	r := NewRegistry()
	for _, src := range []model.Source{"a", "b", "c"} {
		require.NoError(t, r.Register(src, func(Deps) (Collector, error) {
			return &stubCollector{source: src}, nil
		}))
	}

	built, err := r.Build(Deps{}, []model.Source{"c", "a"})
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, model.Source("a"), built[0].Source())
	assert.Equal(t, model.Source("c"), built[1].Source())
}

func TestRegistry_BuildFactoryError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("bad", func(Deps) (Collector, error) { return nil, errStub }))

	_, err := r.Build(Deps{}, []model.Source{"bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build bad")
}

func TestRegistry_BuildDefaultSources(t *testing.T) {
	cfg := testConfig()
	deps := testDeps(cfg)
	built, err := DefaultRegistry().Build(deps, []model.Source{model.SourceTED, model.SourceANAC, model.SourceFeeds})
	require.NoError(t, err)
	assert.Len(t, built, 3)

	// Web sources need an AI generator.
	_, err = DefaultRegistry().Build(deps, []model.Source{model.SourceWebEvents})
	assert.Error(t, err)

	// Search needs a searcher.
	deps.Generator = &scriptedGenerator{answer: func(_ ai.Request) (string, error) { return "{}", nil }}
	_, err = DefaultRegistry().Build(deps, []model.Source{model.SourceWebSearch})
	assert.Error(t, err)
}

func TestEnabled(t *testing.T) {
	got := Enabled(config.CollectorsConfig{TED: true, Feeds: true, WebSearch: true})
	assert.Equal(t, []model.Source{model.SourceTED, model.SourceFeeds, model.SourceWebSearch}, got)
	assert.Empty(t, Enabled(config.CollectorsConfig{}))
}
