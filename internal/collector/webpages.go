package collector

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

// EventsProfile drives the web_events crawl.
var EventsProfile = Profile{
	Source:   model.SourceWebEvents,
	Kind:     model.KindEvent,
	IDPrefix: "WEB",
	Subject:  "IT events (conferences, summits, workshops, webinars, meetups, hackathons)",
	Focus:    "AI, cloud, data, SAP, digital innovation, cybersecurity, DevOps and digital public administration events in Italy or EMEA",
}

// TendersProfile drives the web_tenders crawl.
var TendersProfile = Profile{
	Source:   model.SourceWebTenders,
	Kind:     model.KindTender,
	IDPrefix: "REG",
	Subject:  "public calls for tenders and grants",
	Focus:    "IT services, software development, digitalisation, innovation and R&D, AI, cloud, data, cybersecurity, PNRR and FESR digital funds, smart city",
}

// WebPages crawls seed pages in two phases: discover links to individual
// opportunities, then extract each discovered page.
type WebPages struct {
	profile Profile
	cfg     config.WebPagesConfig
	scope   config.ScopeConfig
	fetch   fetcher.Fetcher
	extract *Extractor
	now     func() time.Time
}

// NewWebEvents is the web_events factory.
func NewWebEvents(d Deps) (Collector, error) {
	return newWebPages(d, EventsProfile, d.Config.WebEvents)
}

// NewWebTenders is the web_tenders factory.
func NewWebTenders(d Deps) (Collector, error) {
	return newWebPages(d, TendersProfile, d.Config.WebTenders)
}

func newWebPages(d Deps, p Profile, cfg config.WebPagesConfig) (Collector, error) {
	if d.Fetcher == nil || d.Generator == nil {
		return nil, eris.Errorf("%s: fetcher and generator are required", p.Source)
	}
	return &WebPages{
		profile: p,
		cfg:     cfg,
		scope:   d.Config.Scope,
		fetch:   d.Fetcher,
		extract: NewExtractor(d.Generator, d.Config.Company, d.Config.Enrich.MaxTextLength),
		now:     d.now(),
	}, nil
}

func (w *WebPages) Source() model.Source { return w.profile.Source }

func (w *WebPages) Collect(ctx context.Context) ([]model.Opportunity, error) {
	log := zap.L().With(zap.String("source", string(w.profile.Source)))
	if len(w.cfg.SeedPages) == 0 {
		log.Info("web: no seed pages configured")
		return nil, nil
	}

	urls, reached := w.discover(ctx)
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "web: cancelled")
	}
	if len(urls) == 0 {
		log.Info("web: nothing discovered, extracting seed pages directly")
		urls = append(urls, w.cfg.SeedPages...)
	}
	urls = capItems(urls, w.cfg.MaxPages)

	day := today(w.now)
	var out []model.Opportunity
	for i, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "web: cancelled")
		}
		items, err := extractPage(ctx, w.fetch, w.extract, w.profile, u, day)
		if err != nil {
			log.Warn("web: extraction failed", zap.String("url", u), zap.Error(err))
			continue
		}
		reached++
		log.Debug("web: page extracted", zap.Int("index", i+1), zap.Int("of", len(urls)), zap.String("url", u), zap.Int("items", len(items)))
		out = append(out, items...)
	}
	if reached == 0 {
		return nil, eris.Errorf("%s: no page could be fetched", w.profile.Source)
	}

	out = capItems(out, w.scope.MaxResults)
	log.Info("web: collected", zap.Int("count", len(out)), zap.Int("pages", len(urls)))
	return out, nil
}

// discover returns the opportunity links found across seeds and how many
// seed pages were fetched.
func (w *WebPages) discover(ctx context.Context) ([]string, int) {
	var (
		urls    []string
		fetched int
	)
	seen := make(map[string]bool)
	for _, seed := range w.cfg.SeedPages {
		if ctx.Err() != nil {
			break
		}
		page, err := w.fetch.Page(ctx, seed)
		if err != nil {
			zap.L().Warn("web: seed fetch failed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		fetched++

		links := candidateLinks(page.Links, seed, w.cfg.MaxLinks)
		found, err := w.extract.Discover(ctx, w.profile, seed, links, w.cfg.MaxURLsPerSeed)
		if err != nil {
			zap.L().Warn("web: link discovery failed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		for _, u := range found {
			if n := model.NormalizeURL(u); !seen[n] {
				seen[n] = true
				urls = append(urls, u)
			}
		}
	}
	return urls, fetched
}
