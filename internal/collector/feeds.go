package collector

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

// DefaultFeeds are used when no feed URLs are configured.
var DefaultFeeds = []string{
	"https://www.forumpa.it/feed/",
	"https://www.agid.gov.it/it/rss.xml",
	"https://innovazione.gov.it/feed.xml",
	"https://digital-strategy.ec.europa.eu/en/rss.xml",
}

// DefaultFeedKeywords mark an entry as event-relevant.
var DefaultFeedKeywords = []string{
	"evento", "event", "conferenza", "conference", "summit", "forum",
	"workshop", "webinar", "hackathon", "meetup", "expo", "fiera",
	"seminario", "seminar", "convegno", "call", "bando", "award",
	"challenge", "premio", "concorso", "innovation", "innovazione",
	"digitale", "digital", "cloud", "data", "ai", "sap", "kubernetes",
	"devops", "machine learning", "trasformazione",
}

const (
	feedConcurrency    = 4
	feedDescriptionMax = 500
)

type feedLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Text string `xml:",chardata"`
}

// feedEntry decodes both an RSS <item> and an Atom <entry>.
type feedEntry struct {
	Title       string     `xml:"title"`
	Links       []feedLink `xml:"link"`
	Description string     `xml:"description"`
	Summary     string     `xml:"summary"`
	Content     string     `xml:"content"`
	PubDate     string     `xml:"pubDate"`
	Published   string     `xml:"published"`
	Updated     string     `xml:"updated"`
	DCDate      string     `xml:"date"`
}

func (e *feedEntry) link() string {
	for _, l := range e.Links {
		if l.Href != "" && (l.Rel == "" || l.Rel == "alternate") {
			return strings.TrimSpace(l.Href)
		}
	}
	for _, l := range e.Links {
		if s := strings.TrimSpace(l.Text); s != "" {
			return s
		}
	}
	return ""
}

func (e *feedEntry) summary() string {
	return firstNonEmpty(strings.TrimSpace(e.Description), strings.TrimSpace(e.Summary), strings.TrimSpace(e.Content))
}

func (e *feedEntry) published() *model.Date {
	for _, raw := range []string{e.PubDate, e.Published, e.Updated, e.DCDate} {
		if d := parseFeedDate(raw); d != nil {
			return d
		}
	}
	return nil
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC3339,
}

func parseFeedDate(raw string) *model.Date {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range feedTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return model.DatePtr(model.DateOf(t))
		}
	}
	return model.ParseDatePtr(raw)
}

// Feeds reads RSS and Atom feeds of event announcements.
type Feeds struct {
	urls     []string
	keywords []string
	scope    config.ScopeConfig
	fetch    fetcher.Fetcher
	now      func() time.Time
}

// NewFeeds is the feeds factory.
func NewFeeds(d Deps) (Collector, error) {
	if d.Fetcher == nil {
		return nil, eris.New("feeds: fetcher is required")
	}
	urls := d.Config.Feeds.URLs
	if len(urls) == 0 {
		urls = DefaultFeeds
	}
	keywords := d.Config.Feeds.Keywords
	if len(keywords) == 0 {
		keywords = DefaultFeedKeywords
	}
	lower := make([]string, len(keywords))
	for i, k := range keywords {
		lower[i] = strings.ToLower(strings.TrimSpace(k))
	}
	return &Feeds{urls: urls, keywords: lower, scope: d.Config.Scope, fetch: d.Fetcher, now: d.now()}, nil
}

func (f *Feeds) Source() model.Source { return model.SourceFeeds }

func (f *Feeds) Collect(ctx context.Context) ([]model.Opportunity, error) {
	results := make([][]model.Opportunity, len(f.urls))
	var (
		mu     sync.Mutex
		failed int
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(feedConcurrency)
	for i, u := range f.urls {
		g.Go(func() error {
			items, err := f.readFeed(gCtx, u)
			if err != nil {
				zap.L().Warn("feeds: feed failed", zap.String("feed", u), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "feeds: cancelled")
	}
	if failed == len(f.urls) && failed > 0 {
		return nil, eris.Errorf("feeds: all %d feeds failed", failed)
	}

	var out []model.Opportunity
	for _, items := range results {
		out = append(out, items...)
	}
	out = capItems(out, f.scope.MaxResults)
	zap.L().Info("feeds: collected", zap.Int("count", len(out)), zap.Int("feeds", len(f.urls)), zap.Int("failed", failed))
	return out, nil
}

func (f *Feeds) readFeed(ctx context.Context, feedURL string) ([]model.Opportunity, error) {
	body, _, err := f.fetch.Open(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	entries, errs := fetcher.StreamXML[feedEntry](ctx, body, "item", "entry")

	since := model.DateOf(f.now()).AddDays(-f.scope.LookbackDays)
	name := domainName(feedURL)
	var (
		out   []model.Opportunity
		total int
	)
	for e := range entries {
		total++
		if o, ok := f.toOpportunity(&e, name, since); ok {
			out = append(out, o)
		}
	}
	if err := <-errs; err != nil && total == 0 {
		return nil, err
	}
	zap.L().Debug("feeds: feed read", zap.String("feed", name), zap.Int("entries", total), zap.Int("kept", len(out)))
	return out, nil
}

func (f *Feeds) toOpportunity(e *feedEntry, feedName string, since model.Date) (model.Opportunity, bool) {
	title := strings.Join(strings.Fields(e.Title), " ")
	if title == "" {
		return model.Opportunity{}, false
	}
	published := e.published()
	if published != nil && f.scope.LookbackDays > 0 && published.Before(since) {
		return model.Opportunity{}, false
	}

	summary := plainText(e.summary())
	if !matchesKeywords(title+" "+summary, f.keywords) {
		return model.Opportunity{}, false
	}

	link := e.link()
	return model.Opportunity{
		ID:          "EVT-" + feedName + "-" + shortHash(firstNonEmpty(link, title)),
		Title:       title,
		Description: fetcher.Truncate(summary, feedDescriptionMax),
		Kind:        model.KindEvent,
		Source:      model.SourceFeeds,
		Currency:    "EUR",
		Authority:   feedName,
		Country:     "IT",
		SourceURL:   link,
		PublishedAt: published,
	}, true
}

// plainText strips markup from feed summaries.
func plainText(s string) string {
	if !strings.ContainsRune(s, '<') {
		return strings.Join(strings.Fields(s), " ")
	}
	page, err := fetcher.ParsePage([]byte(s), "")
	if err != nil {
		return s
	}
	return strings.Join(strings.Fields(page.Text), " ")
}

var nonAlnum = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// matchesKeywords matches short keywords as whole words and longer ones as
// substrings.
func matchesKeywords(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	padded := " " + strings.TrimSpace(nonAlnum.ReplaceAllString(lower, " ")) + " "
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if len(kw) <= 3 {
			if strings.Contains(padded, " "+kw+" ") {
				return true
			}
			continue
		}
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
