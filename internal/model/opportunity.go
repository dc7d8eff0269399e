package model

import (
	"net/url"
	"strings"
)

// Kind is the closed set of opportunity kinds.
type Kind string

const (
	KindTender  Kind = "tender"
	KindContest Kind = "contest"
	KindEvent   Kind = "event"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTender, KindContest, KindEvent:
		return true
	}
	return false
}

// Source tags the collector that produced a record. The set is open: each
// collector registers its own tag.
type Source string

const (
	SourceTED        Source = "ted"
	SourceANAC       Source = "anac"
	SourceFeeds      Source = "feeds"
	SourceWebEvents  Source = "web_events"
	SourceWebTenders Source = "web_tenders"
	SourceWebSearch  Source = "web_search"
)

// EventDetails holds attributes that only apply to events. They are filled
// from the classification.
type EventDetails struct {
	Format EventFormat `json:"format,omitempty"`
	Cost   EventCost   `json:"cost,omitempty"`
	City   string      `json:"city,omitempty"`
	Sector string      `json:"sector,omitempty"`
}

// Opportunity is the canonical record for a tender, contest or event.
type Opportunity struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Kind           Kind          `json:"kind"`
	Source         Source        `json:"source"`
	Deadline       *Date         `json:"deadline,omitempty"`
	EstimatedValue *float64      `json:"estimated_value,omitempty"`
	Currency       string        `json:"currency,omitempty"`
	Authority      string        `json:"contracting_authority"`
	Country        string        `json:"country"`
	SourceURL      string        `json:"source_url"`
	PublishedAt    *Date         `json:"publication_date,omitempty"`
	CPVCodes       []string      `json:"cpv_codes,omitempty"`
	Location       string        `json:"location,omitempty"`
	Event          *EventDetails `json:"event,omitempty"`
}

// Key returns the natural identity of the record: the normalized source URL
// when present, otherwise the normalized title. It depends only on fields
// that no pipeline stage mutates, so it is stable across the run.
func (o Opportunity) Key() string {
	if u := NormalizeURL(o.SourceURL); u != "" {
		return u
	}
	return "title:" + NormalizeTitle(o.Title)
}

// IsEvent reports whether the record describes an event.
func (o Opportunity) IsEvent() bool {
	return o.Kind == KindEvent
}

// NormalizeURL trims a URL, lower-cases its scheme and host, and drops its
// fragment and any trailing slash. Path and query keep their case.
// Unparseable input is only trimmed.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if u, err := url.Parse(s); err == nil {
		u.Scheme = strings.ToLower(u.Scheme)
		u.Host = strings.ToLower(u.Host)
		u.Fragment = ""
		u.RawFragment = ""
		s = u.String()
	}
	return strings.TrimRight(s, "/")
}

// NormalizeTitle lower-cases a title and collapses whitespace.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
