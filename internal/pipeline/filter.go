package pipeline

import "github.com/sells-group/tender-monitor/internal/model"

// FilterFuture drops tenders and contests whose deadline has passed. Events
// are always kept: their date may still be unresolved or describe the first
// day of a multi-day event.
func FilterFuture(items []model.Opportunity, today model.Date) []model.Opportunity {
	out := make([]model.Opportunity, 0, len(items))
	for _, it := range items {
		if !it.IsEvent() && expired(it.Deadline, today) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// FilterPast drops every record, events included, whose deadline has passed.
func FilterPast(items []model.ClassifiedOpportunity, today model.Date) []model.ClassifiedOpportunity {
	out := make([]model.ClassifiedOpportunity, 0, len(items))
	for _, it := range items {
		if expired(it.Opportunity.Deadline, today) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func expired(deadline *model.Date, today model.Date) bool {
	return deadline != nil && deadline.Before(today)
}
