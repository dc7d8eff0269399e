package collector

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

// SearchProfile drives extraction of web search results.
var SearchProfile = Profile{
	Source:   model.SourceWebSearch,
	Kind:     model.KindTender,
	IDPrefix: "SRCH",
	Subject:  "public tenders, contests and IT events",
	Focus:    "public procurement, grants, PNRR calls and IT conferences relevant to the company's competencies",
}

// skippedHosts never host an individual opportunity.
var skippedHosts = []string{
	"wikipedia.org", "facebook.com", "twitter.com", "x.com", "linkedin.com",
	"instagram.com", "youtube.com",
}

const searchSystem = `You search the web for public tenders, calls for proposals and IT events in Italy and Europe.
Prefer institutional portals, regions, agencies and event organisers. Return pages of specific items, not generic home pages or downloadable files.`

// WebSearch discovers pages through a search-grounded model and extracts
// each result page.
type WebSearch struct {
	cfg     config.WebSearchConfig
	scope   config.ScopeConfig
	search  ai.Searcher
	fetch   fetcher.Fetcher
	extract *Extractor
	now     func() time.Time
}

// NewWebSearch is the web_search factory.
func NewWebSearch(d Deps) (Collector, error) {
	if d.Searcher == nil {
		return nil, eris.New("web_search: a searcher is required (perplexity.key)")
	}
	if d.Fetcher == nil || d.Generator == nil {
		return nil, eris.New("web_search: fetcher and generator are required")
	}
	return &WebSearch{
		cfg:     d.Config.WebSearch,
		scope:   d.Config.Scope,
		search:  d.Searcher,
		fetch:   d.Fetcher,
		extract: NewExtractor(d.Generator, d.Config.Company, d.Config.Enrich.MaxTextLength),
		now:     d.now(),
	}, nil
}

func (w *WebSearch) Source() model.Source { return model.SourceWebSearch }

func (w *WebSearch) Collect(ctx context.Context) ([]model.Opportunity, error) {
	log := zap.L().With(zap.String("source", string(model.SourceWebSearch)))
	if len(w.cfg.Queries) == 0 {
		log.Info("web_search: no queries configured")
		return nil, nil
	}

	var (
		urls   []string
		failed int
	)
	seen := make(map[string]bool)
	for _, q := range w.cfg.Queries {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "web_search: cancelled")
		}
		res, err := w.search.Search(ctx, ai.SearchRequest{
			Query:      q,
			System:     searchSystem,
			MaxResults: w.cfg.MaxPerQuery,
			Recency:    "month",
		})
		if err != nil {
			failed++
			log.Warn("web_search: query failed", zap.String("query", q), zap.Error(err))
			continue
		}
		for _, u := range res.URLs {
			n := model.NormalizeURL(u)
			if seen[n] || !searchable(u) {
				continue
			}
			seen[n] = true
			urls = append(urls, u)
		}
	}
	if failed == len(w.cfg.Queries) {
		return nil, eris.Errorf("web_search: all %d queries failed", failed)
	}
	log.Info("web_search: urls discovered", zap.Int("urls", len(urls)))

	day := today(w.now)
	var out []model.Opportunity
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "web_search: cancelled")
		}
		items, err := extractPage(ctx, w.fetch, w.extract, SearchProfile, u, day)
		if err != nil {
			log.Warn("web_search: extraction failed", zap.String("url", u), zap.Error(err))
			continue
		}
		out = append(out, items...)
	}

	out = capItems(out, w.scope.MaxResults)
	log.Info("web_search: collected", zap.Int("count", len(out)))
	return out, nil
}

func searchable(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, h := range skippedHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return false
		}
	}
	return !containsAny(strings.ToLower(u.Path), skippedPaths)
}
