package pipeline

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tender-monitor/internal/ai"
	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
	"github.com/sells-group/tender-monitor/internal/progress"
	"github.com/sells-group/tender-monitor/internal/resilience"
)

const (
	defaultEnrichText = 12000
	minEnrichText     = 50
)

var tedPubRe = regexp.MustCompile(`(\d+-\d{4})`)

// TEDNoticeXMLURL is the eForms XML rendition of a TED notice.
func TEDNoticeXMLURL(pub string) string {
	return "https://ted.europa.eu/en/notice/" + pub + "/xml"
}

type deadlinePeriod struct {
	EndDate string `xml:"EndDate"`
}

type dateAnswer struct {
	Date       string `json:"date"`
	Confidence string `json:"confidence"`
	SourceText string `json:"source_text"`
}

// DateEnricher resolves missing deadlines by reading each record's page.
type DateEnricher struct {
	gen     ai.Generator
	fetch   fetcher.Fetcher
	policy  resilience.Policy
	limiter *rate.Limiter
	maxText int
	tedXML  bool
	xmlURL  func(pub string) string
}

// NewDateEnricher creates an enricher. A nil gen limits it to the TED XML
// fast path.
func NewDateEnricher(gen ai.Generator, f fetcher.Fetcher, cfg *config.Config) *DateEnricher {
	maxText := cfg.Enrich.MaxTextLength
	if maxText <= 0 {
		maxText = defaultEnrichText
	}
	limit := rate.Inf
	if cfg.Enrich.DelayMs > 0 {
		limit = rate.Every(time.Duration(cfg.Enrich.DelayMs) * time.Millisecond)
	}
	return &DateEnricher{
		gen:     gen,
		fetch:   f,
		policy:  ai.RetryPolicy(cfg.AI, cfg.Enrich.MaxAttempts),
		limiter: rate.NewLimiter(limit, 1),
		maxText: maxText,
		tedXML:  cfg.Enrich.TEDXML,
		xmlURL:  TEDNoticeXMLURL,
	}
}

// Enrich sets the deadline of records that have none and a source URL.
// Records are processed one at a time behind the rate limiter; a record that
// cannot be resolved keeps a nil deadline. It returns how many records were
// patched and fails only when ctx ends.
func (e *DateEnricher) Enrich(ctx context.Context, items []model.ClassifiedOpportunity, tracker progress.Tracker) (int, error) {
	tracker = progress.OrNop(tracker)

	var todo []int
	for i := range items {
		o := items[i].Opportunity
		if o.Deadline == nil && o.SourceURL != "" {
			todo = append(todo, i)
		}
	}
	zap.L().Info("enrich: starting", zap.Int("records", len(items)), zap.Int("missing_date", len(todo)))

	patched := 0
	for _, i := range todo {
		if err := ctx.Err(); err != nil {
			return patched, eris.Wrap(err, "enrich: cancelled")
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return patched, eris.Wrap(err, "enrich: rate limiter wait")
		}

		o := &items[i].Opportunity
		d, err := e.resolve(ctx, *o)
		if err != nil && ctx.Err() != nil {
			return patched, eris.Wrap(ctx.Err(), "enrich: cancelled")
		}
		tracker.Item(ctx, model.StateEnriching, o.Key(), err)
		if err != nil {
			zap.L().Debug("enrich: date not resolved", zap.String("id", o.ID), zap.Error(err))
			continue
		}
		if d == nil {
			continue
		}
		o.Deadline = d
		patched++
		zap.L().Debug("enrich: date set", zap.String("id", o.ID), zap.String("date", d.String()))
	}

	zap.L().Info("enrich: complete", zap.Int("patched", patched), zap.Int("attempted", len(todo)))
	return patched, nil
}

func (e *DateEnricher) resolve(ctx context.Context, o model.Opportunity) (*model.Date, error) {
	if e.tedXML && o.Source == model.SourceTED {
		if pub := tedPubRe.FindString(o.ID); pub != "" {
			d, err := e.tedDeadline(ctx, pub)
			if err != nil {
				zap.L().Debug("enrich: ted xml failed, falling back to page", zap.String("id", o.ID), zap.Error(err))
			}
			if d != nil {
				return d, nil
			}
		}
	}
	if e.gen == nil {
		return nil, nil
	}
	return e.fromPage(ctx, o)
}

// tedDeadline reads the submission deadline from the notice's eForms XML.
func (e *DateEnricher) tedDeadline(ctx context.Context, pub string) (*model.Date, error) {
	body, _, err := e.fetch.Open(ctx, e.xmlURL(pub))
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	periods, errs := fetcher.StreamXML[deadlinePeriod](ctx, body,
		"TenderSubmissionDeadlinePeriod", "ParticipationRequestReceptionPeriod")

	var found *model.Date
	for p := range periods {
		if d := model.ParseDatePtr(p.EndDate); d != nil {
			found = d
			cancel()
			break
		}
	}
	for range periods {
	}
	if found != nil {
		return found, nil
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return nil, nil
}

// fromPage asks the model to read the date from the record's page.
func (e *DateEnricher) fromPage(ctx context.Context, o model.Opportunity) (*model.Date, error) {
	page, err := e.fetch.Page(ctx, o.SourceURL)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(page.Text)
	if len(text) < minEnrichText {
		return nil, nil
	}

	req := ai.Request{
		Name:        "enrich.date",
		System:      enrichSystemPrompt,
		Prompt:      datePrompt(o, o.SourceURL, fetcher.Truncate(text, e.maxText)),
		Schema:      dateSchema,
		Temperature: 0,
		MaxTokens:   300,
		CacheSystem: true,
	}
	p := e.policy
	p.OnRetry = resilience.LogRetries("enrich", o.ID)
	answer, err := resilience.RetryVal(ctx, p, func(ctx context.Context) (dateAnswer, error) {
		raw, err := e.gen.Generate(ctx, req)
		if err != nil {
			return dateAnswer{}, err
		}
		return ai.Decode[dateAnswer](raw)
	})
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(answer.Confidence, "none") || strings.TrimSpace(answer.Date) == "" {
		return nil, nil
	}
	d, ok := model.ParseDate(answer.Date)
	if !ok {
		return nil, eris.Errorf("enrich: unparseable date %q", answer.Date)
	}
	return &d, nil
}
