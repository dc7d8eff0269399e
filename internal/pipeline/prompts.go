package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/tender-monitor/internal/config"
	"github.com/sells-group/tender-monitor/internal/fetcher"
	"github.com/sells-group/tender-monitor/internal/model"
)

const promptDescMax = 3000

// classifySystemPrompt renders the company profile the classifier scores
// against. It is identical for every record of a run so providers can
// cache it.
func classifySystemPrompt(c config.CompanyConfig) string {
	var sb strings.Builder
	sb.WriteString("You are a business development analyst. You assess public tenders, design contests and IT events for the company below and rate how relevant each one is.\n\n")

	sb.WriteString("COMPANY PROFILE\n")
	fmt.Fprintf(&sb, "Name: %s\n", orDash(c.Name))
	fmt.Fprintf(&sb, "Sector: %s\n", orDash(c.Sector))
	if c.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", c.Description)
	}
	fmt.Fprintf(&sb, "Competencies: %s\n", orDash(strings.Join(c.Competencies, ", ")))
	if c.BudgetMin > 0 || c.BudgetMax > 0 {
		fmt.Fprintf(&sb, "Contract value range: EUR %s - %s\n", formatAmount(c.BudgetMin), formatAmount(c.BudgetMax))
	}
	if len(c.Regions) > 0 {
		fmt.Fprintf(&sb, "Regions of interest: %s\n", strings.Join(c.Regions, ", "))
	}
	if c.SearchScope != "" {
		fmt.Fprintf(&sb, "Scope: %s\n", c.SearchScope)
	}

	categories := make([]string, 0, len(model.Categories()))
	for _, cat := range model.Categories() {
		categories = append(categories, string(cat))
	}

	fmt.Fprintf(&sb, `
SCORING
- relevance_score: integer from %d (unrelated) to %d (exact match of competencies, value range and region).
- Tenders and contests: weigh the match of the requested services with the competencies, whether the value fits the range and whether the company could realistically bid.
- Events: weigh topic fit, audience of potential clients or partners and networking value.
- category: one of %s. Use Other when no category fits.
- reason: two sentences in English explaining the score.
- key_requirements: up to 5 requirements a bidder or attendee must meet, empty when none are stated.
- extracted_date: when the record has no deadline, the submission deadline (tenders, contests) or the first event day (events) found in the text, as YYYY-MM-DD; otherwise null.
- For events only: event_format (in_person, streaming, on_demand), event_cost (free, paid, invite_only), city and sector of the audience, each null when unknown.
`, model.MinScore, model.MaxScore, strings.Join(categories, ", "))
	return sb.String()
}

// recordPrompt renders one record for classification.
func recordPrompt(o model.Opportunity) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Type: %s\n", o.Kind)
	fmt.Fprintf(&sb, "Title: %s\n", o.Title)
	fmt.Fprintf(&sb, "Authority: %s\n", orDash(o.Authority))
	fmt.Fprintf(&sb, "Country: %s\n", orDash(o.Country))
	if o.Deadline != nil {
		fmt.Fprintf(&sb, "Deadline: %s\n", o.Deadline)
	} else {
		sb.WriteString("Deadline: not specified\n")
	}
	if o.EstimatedValue != nil {
		fmt.Fprintf(&sb, "Estimated value: %s %s\n", firstNonEmpty(o.Currency, "EUR"), formatAmount(*o.EstimatedValue))
	}
	if len(o.CPVCodes) > 0 {
		fmt.Fprintf(&sb, "CPV codes: %s\n", strings.Join(o.CPVCodes, ", "))
	}
	if o.Location != "" {
		fmt.Fprintf(&sb, "Location: %s\n", o.Location)
	}
	fmt.Fprintf(&sb, "Source: %s\n", o.Source)
	if o.SourceURL != "" {
		fmt.Fprintf(&sb, "URL: %s\n", o.SourceURL)
	}
	fmt.Fprintf(&sb, "\nDescription:\n%s\n", orDash(fetcher.Truncate(o.Description, promptDescMax)))
	return sb.String()
}

var nullableString = map[string]any{"type": []any{"string", "null"}}

func enumOrNull[T ~string](values []T) map[string]any {
	enum := make([]any, 0, len(values)+1)
	for _, v := range values {
		enum = append(enum, string(v))
	}
	enum = append(enum, nil)
	return map[string]any{"type": []any{"string", "null"}, "enum": enum}
}

// classificationSchema is the structured-output contract for one record.
// Event-only properties are offered only for events.
func classificationSchema(kind model.Kind) map[string]any {
	categories := make([]any, 0, len(model.Categories()))
	for _, c := range model.Categories() {
		categories = append(categories, string(c))
	}

	props := map[string]any{
		"relevance_score":  map[string]any{"type": "integer", "minimum": model.MinScore, "maximum": model.MaxScore},
		"category":         map[string]any{"type": "string", "enum": categories},
		"reason":           map[string]any{"type": "string"},
		"key_requirements": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "maxItems": 10},
		"extracted_date":   nullableString,
	}
	if kind == model.KindEvent {
		props["event_format"] = enumOrNull(model.EventFormats())
		props["event_cost"] = enumOrNull(model.EventCosts())
		props["city"] = nullableString
		props["sector"] = nullableString
	}
	return map[string]any{
		"type":       "object",
		"required":   []any{"relevance_score", "category", "reason", "key_requirements"},
		"properties": props,
	}
}

const enrichSystemPrompt = `You find dates in web page text.
Return the date asked for as YYYY-MM-DD, the confidence of the match (high, medium, low, none) and the short passage of text it was read from.
Return {"date": null, "confidence": "none", "source_text": null} when the page does not state it.`

var dateSchema = map[string]any{
	"type":     "object",
	"required": []any{"date", "confidence"},
	"properties": map[string]any{
		"date":        nullableString,
		"confidence":  map[string]any{"type": "string", "enum": []any{"high", "medium", "low", "none"}},
		"source_text": nullableString,
	},
}

// datePrompt asks for the deadline of a tender or the first day of an event.
func datePrompt(o model.Opportunity, pageURL, text string) string {
	want := "the deadline for submitting bids or applications"
	if o.IsEvent() {
		want = "the date the event takes place (the first day for multi-day events)"
	}
	return fmt.Sprintf("Find %s.\n\nTitle: %s\nPage URL: %s\n\nPage text:\n%s", want, o.Title, pageURL, text)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
