package collector

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

// openNoticeTypes are the eForms notice types that are calls for competition.
var openNoticeTypes = []string{
	"cn-standard",
	"cn-social",
	"cn-desg",
	"pin-cfc-standard",
	"pin-cfc-social",
}

var closedKeywords = []string{
	"result", "award", "awarded", "winner", "aggiudicazione", "esito",
	"modification", "completion", "voluntary ex-ante", "veat",
}

var contestKeywords = []string{"design contest", "concorso", "contest", "competition", "cn-desg"}

var tedFields = []string{
	"publication-number",
	"notice-title",
	"description-proc",
	"description-lot",
	"buyer-name",
	"buyer-country",
	"deadline-receipt-tender-date-lot",
	"estimated-value-proc",
	"estimated-value-lot",
	"classification-cpv",
	"notice-type",
	"dispatch-date",
}

// TED uses ISO 3166 alpha-3 country codes.
var tedCountries = map[string]string{
	"AT": "AUT", "BE": "BEL", "BG": "BGR", "HR": "HRV", "CY": "CYP",
	"CZ": "CZE", "DK": "DNK", "EE": "EST", "FI": "FIN", "FR": "FRA",
	"DE": "DEU", "GR": "GRC", "HU": "HUN", "IE": "IRL", "IT": "ITA",
	"LV": "LVA", "LT": "LTU", "LU": "LUX", "MT": "MLT", "NL": "NLD",
	"PL": "POL", "PT": "PRT", "RO": "ROU", "SK": "SVK", "SI": "SVN",
	"ES": "ESP", "SE": "SWE", "IS": "ISL", "LI": "LIE", "NO": "NOR",
	"CH": "CHE", "GB": "GBR",
}

// NoticeURL is the public page of a TED notice.
func NoticeURL(pubNumber string) string {
	return "https://ted.europa.eu/en/notice/-/detail/" + pubNumber
}

type tedSearchRequest struct {
	Query          string   `json:"query"`
	Fields         []string `json:"fields"`
	Page           int      `json:"page"`
	Limit          int      `json:"limit"`
	Scope          string   `json:"scope"`
	PaginationMode string   `json:"paginationMode"`
}

type tedSearchResponse struct {
	Notices          []map[string]any `json:"notices"`
	TotalNoticeCount int              `json:"totalNoticeCount"`
}

// TED queries the TED Search API v3.
type TED struct {
	cfg   config.TEDConfig
	scope config.ScopeConfig
	fetch fetcher.Fetcher
	now   func() time.Time
}

// NewTED is the TED factory.
func NewTED(d Deps) (Collector, error) {
	if d.Fetcher == nil {
		return nil, eris.New("ted: fetcher is required")
	}
	return &TED{cfg: d.Config.TED, scope: d.Config.Scope, fetch: d.Fetcher, now: d.now()}, nil
}

func (t *TED) Source() model.Source { return model.SourceTED }

// Query builds the expert-search query for open notices in scope.
func (t *TED) Query() string {
	since := t.now().AddDate(0, 0, -t.scope.LookbackDays)

	clauses := []string{orClause("notice-type = %s", openNoticeTypes)}
	if len(t.scope.CPVCodes) > 0 {
		clauses = append(clauses, orClause("PC = %s*", t.scope.CPVCodes))
	}
	if len(t.scope.Countries) > 0 {
		countries := make([]string, len(t.scope.Countries))
		for i, c := range t.scope.Countries {
			if iso3, ok := tedCountries[strings.ToUpper(c)]; ok {
				countries[i] = iso3
			} else {
				countries[i] = strings.ToUpper(c)
			}
		}
		clauses = append(clauses, orClause("buyer-country = %s", countries))
	}
	clauses = append(clauses, "PD >= "+since.Format("20060102"))
	return strings.Join(clauses, " AND ")
}

func orClause(format string, values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf(format, v)
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func (t *TED) Collect(ctx context.Context) ([]model.Opportunity, error) {
	log := zap.L().With(zap.String("source", string(model.SourceTED)))
	query := t.Query()
	log.Debug("ted: query", zap.String("query", query))

	pageSize := t.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	var notices []map[string]any
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "ted: cancelled")
		}
		var resp tedSearchResponse
		err := t.fetch.PostJSON(ctx, t.cfg.SearchURL, tedSearchRequest{
			Query:          query,
			Fields:         tedFields,
			Page:           page,
			Limit:          pageSize,
			Scope:          "ALL",
			PaginationMode: "PAGE_NUMBER",
		}, &resp)
		if err != nil {
			if page == 1 {
				return nil, eris.Wrap(err, "ted: search")
			}
			log.Warn("ted: page failed, keeping earlier pages", zap.Int("page", page), zap.Error(err))
			break
		}

		notices = append(notices, resp.Notices...)
		log.Debug("ted: page fetched",
			zap.Int("page", page),
			zap.Int("fetched", len(notices)),
			zap.Int("total", resp.TotalNoticeCount),
		)
		if t.scope.MaxResults > 0 && len(notices) >= t.scope.MaxResults {
			notices = notices[:t.scope.MaxResults]
			break
		}
		if len(resp.Notices) == 0 || len(notices) >= resp.TotalNoticeCount {
			break
		}
	}

	out := make([]model.Opportunity, 0, len(notices))
	skipped := 0
	for _, n := range notices {
		if noticeClosed(n) {
			skipped++
			continue
		}
		out = append(out, normalizeNotice(n))
	}
	log.Info("ted: collected", zap.Int("count", len(out)), zap.Int("closed_skipped", skipped))
	return out, nil
}

func normalizeNotice(n map[string]any) model.Opportunity {
	pub := textField(n["publication-number"])
	title := firstNonEmpty(textField(n["notice-title"]), textField(n["description-lot"]), textField(n["description-proc"]), "Untitled")

	value := parseAmount(textField(n["estimated-value-lot"]))
	if value == nil {
		value = parseAmount(textField(n["estimated-value-proc"]))
	}

	o := model.Opportunity{
		ID:             "TED-" + pub,
		Title:          title,
		Description:    firstNonEmpty(textField(n["description-lot"]), textField(n["description-proc"])),
		Kind:           noticeKind(n),
		Source:         model.SourceTED,
		Deadline:       model.ParseDatePtr(textField(n["deadline-receipt-tender-date-lot"])),
		EstimatedValue: value,
		Currency:       "EUR",
		Authority:      textField(n["buyer-name"]),
		Country:        textField(n["buyer-country"]),
		PublishedAt:    model.ParseDatePtr(textField(n["dispatch-date"])),
		CPVCodes:       stringsField(n["classification-cpv"]),
	}
	if pub != "" {
		o.SourceURL = NoticeURL(pub)
	}
	return o
}

func noticeClosed(n map[string]any) bool {
	noticeType := strings.ToLower(strings.TrimSpace(textField(n["notice-type"])))
	if noticeType != "" && !slices.Contains(openNoticeTypes, noticeType) {
		return true
	}
	blob := noticeType + " " + strings.ToLower(textField(n["notice-title"]))
	return containsAny(blob, closedKeywords)
}

func noticeKind(n map[string]any) model.Kind {
	blob := strings.ToLower(textField(n["notice-type"]) + " " + textField(n["notice-title"]))
	if containsAny(blob, contestKeywords) {
		return model.KindContest
	}
	return model.KindTender
}

// textField resolves a TED value that may be a string, a list, or a
// language-keyed map. Languages are preferred eng, then ita, then the first
// in key order.
func textField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []any:
		if len(x) == 0 {
			return ""
		}
		return textField(x[0])
	case map[string]any:
		for _, lang := range []string{"eng", "ENG", "ita", "ITA"} {
			if s := textField(x[lang]); s != "" {
				return s
			}
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s := textField(x[k]); s != "" {
				return s
			}
		}
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func stringsField(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s := textField(e); s != "" && !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func parseAmount(s string) *float64 {
	s = strings.NewReplacer(",", "", " ", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
