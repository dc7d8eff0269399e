package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/tender-monitor/internal/model"
)

func openCache(t *testing.T, b Backend, run string) *PipelineCache {
	t.Helper()
	s, err := b.Open(context.Background(), run)
	require.NoError(t, err)
	c := NewPipelineCache(s, run)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return c
}

func sampleItems() []model.Opportunity {
	return []model.Opportunity{
		{ID: "T-1", Title: "Servizi SAP", Kind: model.KindTender, Source: model.SourceTED, SourceURL: "https://ted.europa.eu/notice/1"},
		{ID: "E-1", Title: "AI Week", Kind: model.KindEvent, Source: model.SourceFeeds, Deadline: model.DatePtr(model.NewDate(2026, 5, 1))},
	}
}

func TestPipelineCache_Collected(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, newFileBackend(t), "run_a")

	_, ok, err := c.LoadCollected(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SaveCollected(ctx, sampleItems()))
	got, ok, err := c.LoadCollected(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleItems(), got)
}

func TestPipelineCache_Classified(t *testing.T) {
	ctx := context.Background()
	b := newSQLiteBackend(t)
	c := openCache(t, b, "run_a")

	items := sampleItems()
	ok, err := c.HasClassified(ctx, items[0].Key())
	require.NoError(t, err)
	assert.False(t, ok)

	for i, it := range items {
		require.NoError(t, c.SaveClassified(ctx, model.ClassifiedOpportunity{
			Opportunity:    it,
			Classification: model.Classification{Score: 5 + i, Category: model.CategoryAI, KeyRequirements: []string{}},
		}))
	}

	for i, it := range items {
		got, ok, err := c.Classified(ctx, it.Key())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 5+i, got.Classification.Score)

		has, err := c.HasClassified(ctx, it.Key())
		require.NoError(t, err)
		assert.True(t, has)
	}
	_, ok, err = c.Classified(ctx, "https://example.com/unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	// A second cache on the same run reads the stored index.
	reopened := openCache(t, b, "run_a")
	index, err := reopened.ClassifiedIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{items[0].Key(): {}, items[1].Key(): {}}, index)
}

func TestPipelineCache_ClassifiedIndexGrowsPerItem(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	c := openCache(t, b, "run_a")

	index, err := c.ClassifiedIndex(ctx)
	require.NoError(t, err)
	assert.Empty(t, index)

	item := model.ClassifiedOpportunity{Opportunity: sampleItems()[0], Classification: model.Classification{Score: 7, Category: model.CategorySAP}}
	require.NoError(t, c.SaveClassified(ctx, item))
	require.NoError(t, c.SaveClassified(ctx, item))

	s, err := b.Open(ctx, "run_a")
	require.NoError(t, err)
	data, ok, err := s.Get(ctx, keyClassifiedIDs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `["`+item.Key()+`"]`, string(data))
}

func TestPipelineCache_Metadata(t *testing.T) {
	ctx := context.Background()
	c := openCache(t, newFileBackend(t), "run_a")

	_, ok, err := c.Metadata(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Begin(ctx, "hash1"))
	require.NoError(t, c.SetStage(ctx, StageCollected, map[string]int{"collected": 7}))
	require.NoError(t, c.SetStage(ctx, StageClassified, map[string]int{"classified": 4}))

	meta, ok, err := c.Metadata(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run_a", meta.RunName)
	assert.Equal(t, "hash1", meta.ConfigHash)
	assert.Equal(t, StageClassified, meta.Stage)
	assert.Equal(t, map[string]int{"collected": 7, "classified": 4}, meta.Counts)
	assert.True(t, meta.Resumable())
}

func TestPipelineCache_CorruptFailsClosed(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	s, err := b.Open(ctx, "run_a")
	require.NoError(t, err)
	c := NewPipelineCache(s, "run_a")

	require.NoError(t, s.Put(ctx, keyCollected, []byte(`{not json`)))
	_, _, err = c.LoadCollected(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, s.Put(ctx, keyMetadata, []byte(`[]`)))
	_, _, err = c.Metadata(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, s.Put(ctx, EntryKey("x"), []byte(`{"key":""}`)))
	_, _, err = c.Classified(ctx, "x")
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, s.Put(ctx, keyClassifiedIDs, []byte(`{`)))
	_, err = c.ClassifiedIndex(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEntryKey(t *testing.T) {
	a := EntryKey("https://example.com/a?x=1")
	assert.Equal(t, a, EntryKey("https://example.com/a?x=1"))
	assert.NotEqual(t, a, EntryKey("https://example.com/b"))
	assert.NoError(t, validateKey(a))
}

func TestFindResumable(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)

	old := openCache(t, b, "run_20260101_000000")
	require.NoError(t, old.Begin(ctx, "h"))
	require.NoError(t, old.SetStage(ctx, StageClassified, nil))

	// Started but never collected: nothing to reuse.
	empty := openCache(t, b, "run_20260103_000000")
	require.NoError(t, empty.Begin(ctx, "h"))

	core, logs := observer.New(zapcore.InfoLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	c, meta, err := FindResumable(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "run_20260101_000000", c.RunName())
	assert.Equal(t, StageClassified, meta.Stage)

	// The checkpoint was last written on 2026-03-01, long before now.
	stale := logs.FilterMessage("checkpoint: resuming stale run").All()
	require.Len(t, stale, 1)
	assert.Equal(t, "run_20260101_000000", stale[0].ContextMap()["run"])
}

func TestFindResumable_CompletedRunSupersedesOlder(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)

	old := openCache(t, b, "run_20260101_000000")
	require.NoError(t, old.Begin(ctx, "h"))
	require.NoError(t, old.SetStage(ctx, StageClassified, nil))

	done := openCache(t, b, "run_20260102_000000")
	require.NoError(t, done.Begin(ctx, "h"))
	require.NoError(t, done.SetStage(ctx, StageComplete, nil))

	_, _, err := FindResumable(ctx, b)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogResume_RecentRunIsInfo(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logResume(&Metadata{RunName: "run_20260301_110000", Stage: StageCollected, UpdatedAt: now.Add(-time.Hour)}, now)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.InfoLevel, entry.Level)
	assert.Equal(t, "checkpoint: resuming run", entry.Message)
	assert.Equal(t, time.Hour, entry.ContextMap()["age"])
}

func TestFindResumable_None(t *testing.T) {
	_, _, err := FindResumable(context.Background(), newSQLiteBackend(t))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenForRun(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) Backend {
		b := newFileBackend(t)
		c := openCache(t, b, "run_20260101_000000")
		require.NoError(t, c.Begin(ctx, "old"))
		require.NoError(t, c.SetStage(ctx, StageCollected, nil))
		return b
	}

	tests := []struct {
		name        string
		hash        string
		resume      bool
		strict      bool
		wantResumed bool
		wantRun     string
	}{
		{"resume same hash", "old", true, false, true, "run_20260101_000000"},
		{"resume changed hash", "new", true, false, true, "run_20260101_000000"},
		{"strict changed hash", "new", true, true, false, "run_20260301_090000"},
		{"strict same hash", "old", true, true, true, "run_20260101_000000"},
		{"fresh requested", "old", false, false, false, "run_20260301_090000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, resumed, err := OpenForRun(ctx, seed(t), "run_20260301_090000", tt.hash, tt.resume, tt.strict)
			require.NoError(t, err)
			assert.Equal(t, tt.wantResumed, resumed)
			assert.Equal(t, tt.wantRun, c.RunName())

			meta, ok, err := c.Metadata(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			if !resumed {
				assert.Equal(t, StageStarted, meta.Stage)
				assert.Equal(t, tt.hash, meta.ConfigHash)
			}
		})
	}
}

func TestOpenForRun_CorruptRefusesResume(t *testing.T) {
	ctx := context.Background()
	b := newFileBackend(t)
	s, err := b.Open(ctx, "run_20260101_000000")
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, keyMetadata, []byte(`garbage`)))

	_, _, err = OpenForRun(ctx, b, "run_20260301_090000", "h", true, false)
	assert.ErrorIs(t, err, ErrCorrupt)
}
