package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/tender-monitor/internal/model"
)

func opp(id, title, url string) model.Opportunity {
	return model.Opportunity{ID: id, Title: title, SourceURL: url, Kind: model.KindTender}
}

func ids(items []model.Opportunity) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestExact(t *testing.T) {
	in := []model.Opportunity{
		opp("1", "Servizi SAP", "https://ted.europa.eu/notice/1"),
		opp("2", "Servizi SAP (copy)", "HTTPS://TED.europa.eu/notice/1/"),
		opp("3", "Data platform", ""),
		opp("4", "  data   PLATFORM ", ""),
		opp("5", "Cloud migration", "https://example.com/cloud#details"),
		opp("6", "Cloud", "https://example.com/cloud"),
	}

	out := Exact(in)
	assert.Equal(t, []string{"1", "3", "5"}, ids(out))
}

func TestExact_Idempotent(t *testing.T) {
	in := []model.Opportunity{
		opp("1", "A", "https://a.example"),
		opp("2", "B", "https://a.example"),
		opp("3", "C", "https://c.example"),
	}
	once := Exact(in)
	assert.Equal(t, once, Exact(once))
}

func TestExact_Empty(t *testing.T) {
	assert.Empty(t, Exact(nil))
}

func TestExclude(t *testing.T) {
	in := []model.Opportunity{
		opp("1", "A", "https://a.example/x"),
		opp("2", "B", "https://b.example/y"),
		opp("3", "C", ""),
	}
	out := Exclude(in, URLSet([]string{"https://A.example/x/", "", "https://z.example"}))
	assert.Equal(t, []string{"2", "3"}, ids(out))

	assert.Equal(t, in, Exclude(in, nil))
}
