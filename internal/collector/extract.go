package collector

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

const (
	minPageText       = 50
	extractDescMax    = 500
	defaultMaxText    = 15000
	defaultMaxLinks   = 200
	defaultURLsPerSrc = 15
)

// skippedPaths never lead to an individual opportunity page.
var skippedPaths = []string{
	"/login", "/signup", "/register", "/cart", "/checkout",
	"/privacy", "/terms", "/cookie", "/legal",
	".pdf", ".zip", ".png", ".jpg", ".jpeg", ".svg", ".doc", ".docx", ".xls",
}

// ExtractedItem is one opportunity the model found on a page.
type ExtractedItem struct {
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Date           string   `json:"date"`
	Authority      string   `json:"authority"`
	EstimatedValue *float64 `json:"estimated_value"`
	Location       string   `json:"location"`
	Country        string   `json:"country"`
	URL            string   `json:"url"`
	Requirements   []string `json:"requirements"`
}

type extractOutput struct {
	Items []ExtractedItem `json:"items"`
}

type discoverOutput struct {
	URLs []struct {
		URL    string `json:"url"`
		Reason string `json:"reason"`
	} `json:"urls"`
}

var nullableString = map[string]any{"type": []any{"string", "null"}}

var discoverSchema = map[string]any{
	"type":     "object",
	"required": []any{"urls"},
	"properties": map[string]any{
		"urls": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"url"},
				"properties": map[string]any{
					"url":    map[string]any{"type": "string", "minLength": 1},
					"reason": nullableString,
				},
			},
		},
	},
}

var extractSchema = map[string]any{
	"type":     "object",
	"required": []any{"items"},
	"properties": map[string]any{
		"items": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"title"},
				"properties": map[string]any{
					"type":            map[string]any{"type": []any{"string", "null"}, "enum": []any{"tender", "contest", "event", "not_relevant", nil}},
					"title":           map[string]any{"type": []any{"string", "null"}},
					"description":     nullableString,
					"date":            nullableString,
					"authority":       nullableString,
					"estimated_value": map[string]any{"type": []any{"number", "null"}},
					"location":        nullableString,
					"country":         nullableString,
					"url":             nullableString,
					"requirements":    map[string]any{"type": []any{"array", "null"}, "items": map[string]any{"type": "string"}},
				},
			},
		},
	},
}

// Profile describes what a web collector looks for.
type Profile struct {
	Source   model.Source
	Kind     model.Kind
	IDPrefix string
	// Subject names the opportunities in prompts, e.g. "IT events".
	Subject string
	// Focus lists what makes an item relevant.
	Focus string
}

// Extractor runs the two AI steps shared by the web collectors: picking
// opportunity links from a seed page and extracting opportunities from a
// page's text.
type Extractor struct {
	gen     ai.Generator
	company config.CompanyConfig
	maxText int
}

// NewExtractor creates an extractor. maxText bounds the page text sent to
// the model.
func NewExtractor(gen ai.Generator, company config.CompanyConfig, maxText int) *Extractor {
	if maxText <= 0 {
		maxText = defaultMaxText
	}
	return &Extractor{gen: gen, company: company, maxText: maxText}
}

func (e *Extractor) companyContext() string {
	var sb strings.Builder
	if e.company.Name != "" {
		fmt.Fprintf(&sb, "The reader is %s", e.company.Name)
		if e.company.Sector != "" {
			fmt.Fprintf(&sb, ", a %s company", e.company.Sector)
		}
		sb.WriteString(".\n")
	}
	if len(e.company.Competencies) > 0 {
		fmt.Fprintf(&sb, "Competencies: %s.\n", strings.Join(e.company.Competencies, ", "))
	}
	if len(e.company.Regions) > 0 {
		fmt.Fprintf(&sb, "Regions of interest: %s.\n", strings.Join(e.company.Regions, ", "))
	}
	return sb.String()
}

// Discover asks the model which of links lead to pages of individual
// opportunities. Only links that were offered are returned.
func (e *Extractor) Discover(ctx context.Context, p Profile, seed string, links []fetcher.Link, maxURLs int) ([]string, error) {
	if len(links) == 0 {
		return nil, nil
	}
	if maxURLs <= 0 {
		maxURLs = defaultURLsPerSrc
	}

	offered := make(map[string]string, len(links))
	var sb strings.Builder
	fmt.Fprintf(&sb, "Seed page: %s\n\n%d links found on the page:\n", seed, len(links))
	for _, l := range links {
		offered[model.NormalizeURL(l.URL)] = l.URL
		fmt.Fprintf(&sb, "- %s", l.URL)
		if l.Text != "" {
			fmt.Fprintf(&sb, " (%s)", fetcher.Truncate(l.Text, 80))
		}
		sb.WriteString("\n")
	}

	system := fmt.Sprintf(`You select links that point to pages of individual %s.
%s
Keep only links to a single, specific item relevant to: %s.
Exclude home, about, login, privacy, careers pages, news articles, product documentation, social media and listing pages like the seed itself.
Return at most %d links. Return {"urls": []} when none qualify.`,
		p.Subject, e.companyContext(), p.Focus, maxURLs)

	raw, err := e.gen.Generate(ctx, ai.Request{
		Name:        string(p.Source) + ".discover",
		System:      system,
		Prompt:      sb.String(),
		Schema:      discoverSchema,
		Temperature: 0,
		CacheSystem: true,
	})
	if err != nil {
		return nil, err
	}
	out, err := ai.Decode[discoverOutput](raw)
	if err != nil {
		return nil, err
	}

	var urls []string
	seen := make(map[string]bool)
	for _, u := range out.URLs {
		norm := model.NormalizeURL(u.URL)
		orig, ok := offered[norm]
		if !ok || seen[norm] {
			continue
		}
		seen[norm] = true
		urls = append(urls, orig)
		if len(urls) >= maxURLs {
			break
		}
	}
	return urls, nil
}

// Extract asks the model for the opportunities described by a page.
func (e *Extractor) Extract(ctx context.Context, p Profile, pageURL, text string) ([]ExtractedItem, error) {
	text = fetcher.Truncate(text, e.maxText)
	system := fmt.Sprintf(`You extract %s from web page text.
%s
For every item found return an object with:
- type: "tender", "contest" or "event"; "not_relevant" when the page is about something else
- title: the full title
- description: a 2-4 sentence summary
- date: for tenders and contests the submission deadline, for events the (first) event day, as YYYY-MM-DD, or null
- authority: the publishing body or the organiser
- estimated_value: the amount in EUR, or null
- location: city or venue, "online" for virtual events
- country: ISO 3166 alpha-2 code
- url: the direct link to the item's own page when it differs from the page URL
- requirements: up to 5 main participation requirements
Focus on: %s.
Return {"items": []} when the page has no relevant item.`,
		p.Subject, e.companyContext(), p.Focus)

	raw, err := e.gen.Generate(ctx, ai.Request{
		Name:        string(p.Source) + ".extract",
		System:      system,
		Prompt:      "Page URL: " + pageURL + "\n\nPage text:\n" + text,
		Schema:      extractSchema,
		Temperature: 0.1,
		CacheSystem: true,
	})
	if err != nil {
		return nil, err
	}
	out, err := ai.Decode[extractOutput](raw)
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Opportunity converts an extracted item. It reports false for items
// without a title or marked not relevant.
func (p Profile) Opportunity(item ExtractedItem, pageURL string, today model.Date) (model.Opportunity, bool) {
	title := strings.Join(strings.Fields(item.Title), " ")
	if title == "" {
		return model.Opportunity{}, false
	}
	kind, ok := itemKind(item.Type, p.Kind)
	if !ok {
		return model.Opportunity{}, false
	}

	sourceURL := pageURL
	if isHTTPURL(item.URL) {
		sourceURL = strings.TrimSpace(item.URL)
	}

	desc := strings.TrimSpace(item.Description)
	if len(item.Requirements) > 0 {
		reqs := capItems(item.Requirements, 5)
		desc = strings.TrimSpace(desc + "\n\n- " + strings.Join(reqs, "\n- "))
	}

	country := strings.ToUpper(strings.TrimSpace(item.Country))
	if len(country) != 2 {
		country = "IT"
	}

	o := model.Opportunity{
		ID:             p.IDPrefix + "-" + shortHash(pageURL, title),
		Title:          title,
		Description:    fetcher.Truncate(desc, extractDescMax),
		Kind:           kind,
		Source:         p.Source,
		Deadline:       model.ParseDatePtr(item.Date),
		EstimatedValue: item.EstimatedValue,
		Currency:       "EUR",
		Authority:      firstNonEmpty(strings.TrimSpace(item.Authority), domainName(pageURL)),
		Country:        country,
		SourceURL:      sourceURL,
		PublishedAt:    model.DatePtr(today),
		Location:       strings.TrimSpace(item.Location),
	}
	return o, true
}

func itemKind(raw string, fallback model.Kind) (model.Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return fallback, true
	case "tender", "bando":
		return model.KindTender, true
	case "contest", "concorso":
		return model.KindContest, true
	case "event", "evento":
		return model.KindEvent, true
	}
	return "", false
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// candidateLinks drops links that cannot be opportunity pages and the seed
// itself, capping the list at limit.
func candidateLinks(links []fetcher.Link, seed string, limit int) []fetcher.Link {
	if limit <= 0 {
		limit = defaultMaxLinks
	}
	seedNorm := model.NormalizeURL(seed)
	var out []fetcher.Link
	for _, l := range links {
		if model.NormalizeURL(l.URL) == seedNorm {
			continue
		}
		u, err := url.Parse(l.URL)
		if err != nil {
			continue
		}
		if containsAny(strings.ToLower(u.Path), skippedPaths) {
			continue
		}
		out = append(out, l)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// extractPage fetches pageURL and converts what the model finds there.
func extractPage(ctx context.Context, f fetcher.Fetcher, x *Extractor, p Profile, pageURL string, today model.Date) ([]model.Opportunity, error) {
	page, err := f.Page(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(page.Text)) < minPageText {
		return nil, nil
	}
	items, err := x.Extract(ctx, p, pageURL, page.Text)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: extract %s", p.Source, pageURL)
	}
	var out []model.Opportunity
	for _, it := range items {
		if o, ok := p.Opportunity(it, pageURL, today); ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func today(now func() time.Time) model.Date {
	return model.DateOf(now())
}
