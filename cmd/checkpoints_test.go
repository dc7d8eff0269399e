package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-monitor/internal/checkpoint"
	"github.com/sells-group/tender-monitor/internal/model"
)

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "", formatCounts(nil))
	assert.Equal(t, "classified=5 collected=7 final=3", formatCounts(map[string]int{
		"final":      3,
		"collected":  7,
		"classified": 5,
	}))
}

func TestListCheckpoints(t *testing.T) {
	ctx := context.Background()
	backend, err := checkpoint.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	seed := func(run string, stage checkpoint.Stage, counts map[string]int, classified ...string) {
		st, err := backend.Open(ctx, run)
		require.NoError(t, err)
		cache := checkpoint.NewPipelineCache(st, run)
		require.NoError(t, cache.Begin(ctx, "cfg123"))
		require.NoError(t, cache.SetStage(ctx, stage, counts))
		for _, u := range classified {
			require.NoError(t, cache.SaveClassified(ctx, model.ClassifiedOpportunity{
				Opportunity:    model.Opportunity{Title: u, Kind: model.KindTender, SourceURL: u},
				Classification: model.Classification{Score: 6, Category: model.CategoryData},
			}))
		}
		require.NoError(t, cache.Close())
	}
	seed("run_20260301_120000", checkpoint.StageComplete, map[string]int{"collected": 7, "final": 3})
	seed("run_20260302_120000", checkpoint.StageCollected, map[string]int{"collected": 4},
		"https://ted.europa.eu/en/notice/-/detail/1-2026",
		"https://ted.europa.eu/en/notice/-/detail/2-2026",
	)

	// A run directory without metadata is skipped.
	_, err = backend.Open(ctx, "run_20260303_120000")
	require.NoError(t, err)

	metas, err := listCheckpoints(ctx, backend)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "run_20260302_120000", metas[0].RunName)
	assert.Equal(t, "run_20260301_120000", metas[1].RunName)
	assert.True(t, metas[0].Resumable())
	assert.False(t, metas[1].Resumable())
	assert.Equal(t, 2, metas[0].Entries)
	assert.Zero(t, metas[1].Entries)

	var buf bytes.Buffer
	formatCheckpoints(&buf, metas)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))

	fresh := strings.Fields(lines[2])
	assert.Equal(t, "run_20260302_120000", fresh[0])
	assert.Equal(t, "collected", fresh[1])
	assert.Equal(t, "yes", fresh[2])
	assert.Equal(t, "cfg123", fresh[3])
	assert.Equal(t, "2", fresh[len(fresh)-2])
	assert.Equal(t, "collected=4", fresh[len(fresh)-1])

	done := strings.Fields(lines[3])
	assert.Equal(t, "complete", done[1])
	assert.Equal(t, "cfg123", done[2])
	assert.Equal(t, "final=3", done[len(done)-1])
	assert.Equal(t, "collected=7", done[len(done)-2])
}
