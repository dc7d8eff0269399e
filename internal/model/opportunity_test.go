package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpportunityKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opp  Opportunity
		want string
	}{
		{"url", Opportunity{SourceURL: "HTTPS://Example.com/Tender/1/", Title: "X"}, "https://example.com/Tender/1"},
		{"query keeps case", Opportunity{SourceURL: "https://portal.example.it/bando?id=AbC"}, "https://portal.example.it/bando?id=AbC"},
		{"url with fragment", Opportunity{SourceURL: " https://example.com/a#top "}, "https://example.com/a"},
		{"title fallback", Opportunity{Title: "  Cloud   Migration Services "}, "title:cloud migration services"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.opp.Key())
		})
	}
}

func TestOpportunityKey_CaseSensitivePathAndQuery(t *testing.T) {
	t.Parallel()

	upper := Opportunity{SourceURL: "https://portal.example.it/bando?id=AbC"}
	lower := Opportunity{SourceURL: "https://PORTAL.example.it/bando?id=abc"}
	assert.NotEqual(t, upper.Key(), lower.Key())

	same := Opportunity{SourceURL: "https://PORTAL.example.it/bando?id=AbC#lotto-2"}
	assert.Equal(t, upper.Key(), same.Key())
}

func TestOpportunityKey_StableAcrossMutation(t *testing.T) {
	t.Parallel()

	opp := Opportunity{SourceURL: "https://example.com/e/1", Title: "Summit", Kind: KindEvent}
	before := opp.Key()

	d := NewDate(2026, 11, 3)
	opp.Deadline = &d
	opp.Event = &EventDetails{City: "Milano"}

	assert.Equal(t, before, opp.Key())
}

func TestKindValid(t *testing.T) {
	t.Parallel()

	assert.True(t, KindTender.Valid())
	assert.True(t, KindContest.Valid())
	assert.True(t, KindEvent.Valid())
	assert.False(t, Kind("webinar").Valid())
}
