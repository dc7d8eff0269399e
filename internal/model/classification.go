package model

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"
)

// Category is the fixed business taxonomy used by the classifier.
type Category string

const (
	CategorySAP   Category = "SAP"
	CategoryData  Category = "Data"
	CategoryAI    Category = "AI"
	CategoryCloud Category = "Cloud"
	CategoryOther Category = "Other"
)

// Categories returns the taxonomy in display order.
func Categories() []Category {
	return []Category{CategorySAP, CategoryData, CategoryAI, CategoryCloud, CategoryOther}
}

// EventFormat describes how an event is attended.
type EventFormat string

const (
	EventFormatInPerson  EventFormat = "in_person"
	EventFormatStreaming EventFormat = "streaming"
	EventFormatOnDemand  EventFormat = "on_demand"
)

// EventFormats returns the allowed event formats.
func EventFormats() []EventFormat {
	return []EventFormat{EventFormatInPerson, EventFormatStreaming, EventFormatOnDemand}
}

// EventCost is the attendance cost tier of an event.
type EventCost string

const (
	EventCostFree       EventCost = "free"
	EventCostPaid       EventCost = "paid"
	EventCostInviteOnly EventCost = "invite_only"
)

// EventCosts returns the allowed cost tiers.
func EventCosts() []EventCost {
	return []EventCost{EventCostFree, EventCostPaid, EventCostInviteOnly}
}

const (
	MinScore = 1
	MaxScore = 10
)

// Classification is the AI verdict on a single opportunity.
type Classification struct {
	Score           int         `json:"relevance_score"`
	Category        Category    `json:"category"`
	Reason          string      `json:"reason"`
	KeyRequirements []string    `json:"key_requirements"`
	ExtractedDate   string      `json:"extracted_date,omitempty"`
	EventFormat     EventFormat `json:"event_format,omitempty"`
	EventCost       EventCost   `json:"event_cost,omitempty"`
	City            string      `json:"city,omitempty"`
	Sector          string      `json:"sector,omitempty"`
}

// Validate checks bounds and enum membership for a record of the given kind.
// Event-only fields on a non-event record are cleared rather than rejected.
func (c *Classification) Validate(kind Kind) error {
	if c.Score < MinScore || c.Score > MaxScore {
		return eris.Errorf("model: relevance score %d outside [%d,%d]", c.Score, MinScore, MaxScore)
	}
	if !slices.Contains(Categories(), c.Category) {
		return eris.Errorf("model: unknown category %q", c.Category)
	}
	if c.KeyRequirements == nil {
		c.KeyRequirements = []string{}
	}
	c.ExtractedDate = strings.TrimSpace(c.ExtractedDate)

	if kind != KindEvent {
		c.EventFormat = ""
		c.EventCost = ""
		c.City = ""
		c.Sector = ""
		return nil
	}
	if c.EventFormat != "" && !slices.Contains(EventFormats(), c.EventFormat) {
		return eris.Errorf("model: unknown event format %q", c.EventFormat)
	}
	if c.EventCost != "" && !slices.Contains(EventCosts(), c.EventCost) {
		return eris.Errorf("model: unknown event cost %q", c.EventCost)
	}
	return nil
}

// Relevant reports whether the score meets threshold.
func (c Classification) Relevant(threshold int) bool {
	return c.Score >= threshold
}

// ClassifiedOpportunity pairs a record with its classification.
type ClassifiedOpportunity struct {
	Opportunity    Opportunity    `json:"opportunity"`
	Classification Classification `json:"classification"`
}

// Key returns the identity of the underlying record.
func (c ClassifiedOpportunity) Key() string {
	return c.Opportunity.Key()
}
