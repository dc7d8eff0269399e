package collector

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newTestFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:         "test-agent/1.0",
		Timeout:           5 * time.Second,
		MaxRetries:        1,
		RetryBaseDelay:    time.Millisecond,
		RequestsPerSecond: 1000,
	})
}

func testConfig() *config.Config {
	return &config.Config{
		Company: config.CompanyConfig{
			Name:         "Acme",
			Sector:       "IT consulting",
			Competencies: []string{"SAP", "Cloud"},
			Regions:      []string{"Lombardia"},
		},
		Scope: config.ScopeConfig{
			LookbackDays: 7,
			CPVCodes:     []string{"72", "48"},
			Countries:    []string{"IT"},
		},
		TED:  config.TEDConfig{PageSize: 2},
		ANAC: config.ANACConfig{DatasetPattern: "ocds-appalti-ordinari-%d", MaxDownloadMB: 10, MaxReleases: 500},
		WebEvents: config.WebPagesConfig{
			MaxLinks:       50,
			MaxURLsPerSeed: 5,
			MaxPages:       10,
		},
		WebSearch: config.WebSearchConfig{MaxPerQuery: 5},
		Enrich:    config.EnrichConfig{MaxTextLength: 4000},
	}
}

func testDeps(cfg *config.Config) Deps {
	return Deps{Config: cfg, Fetcher: newTestFetcher(), Now: clock}
}

// scriptedGenerator answers by request name and records every request.
type scriptedGenerator struct {
	mu       sync.Mutex
	requests []ai.Request
	answer   func(req ai.Request) (string, error)
}

func (g *scriptedGenerator) Generate(_ context.Context, req ai.Request) (json.RawMessage, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	out, err := g.answer(req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func (g *scriptedGenerator) named(suffix string) []ai.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []ai.Request
	for _, r := range g.requests {
		if strings.HasSuffix(r.Name, suffix) {
			out = append(out, r)
		}
	}
	return out
}

type stubSearcher struct {
	urls    map[string][]string
	fail    map[string]bool
	queries []ai.SearchRequest
}

func (s *stubSearcher) Search(_ context.Context, req ai.SearchRequest) (*ai.SearchResult, error) {
	s.queries = append(s.queries, req)
	if s.fail[req.Query] {
		return nil, errStub
	}
	return &ai.SearchResult{URLs: s.urls[req.Query]}, nil
}

// stubCollector returns canned results.
type stubCollector struct {
	source model.Source
	items  []model.Opportunity
	err    error
	panics bool
	delay  time.Duration
}

func (s *stubCollector) Source() model.Source { return s.source }

func (s *stubCollector) Collect(ctx context.Context) ([]model.Opportunity, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.panics {
		panic("boom")
	}
	return s.items, s.err
}

var errStub = eris.New("stub failure")

func ids(items []model.Opportunity) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
