package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/tender-monitor/internal/model"
)

func TestFilterFuture(t *testing.T) {
	contest := tender("c1", "Concorso di progettazione", day(2026, time.February, 27))
	contest.Kind = model.KindContest

	items := []model.Opportunity{
		tender("t1", "Expired tender", day(2026, time.February, 28)),
		tender("t2", "Closes today", day(2026, time.March, 1)),
		tender("t3", "No deadline", nil),
		contest,
		event("e1", "Past event", day(2026, time.January, 10)),
		tender("t4", "Open tender", day(2026, time.April, 15)),
	}

	got := FilterFuture(items, today)
	var kept []string
	for _, it := range got {
		kept = append(kept, it.Title)
	}
	assert.Equal(t, []string{"Closes today", "No deadline", "Past event", "Open tender"}, kept)
}

func TestFilterFuture_Empty(t *testing.T) {
	assert.Empty(t, FilterFuture(nil, today))
}

func TestFilterPast(t *testing.T) {
	items := []model.ClassifiedOpportunity{
		{Opportunity: event("e1", "Past event", day(2026, time.February, 1))},
		{Opportunity: event("e2", "Undated event", nil)},
		{Opportunity: event("e3", "Event today", day(2026, time.March, 1))},
		{Opportunity: tender("t1", "Expired tender", day(2026, time.February, 28))},
		{Opportunity: tender("t2", "Open tender", day(2026, time.May, 2))},
	}

	got := FilterPast(items, today)
	assert.Equal(t, []string{"Undated event", "Event today", "Open tender"}, titles(got))
}
