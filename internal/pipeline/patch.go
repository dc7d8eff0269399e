package pipeline

import "github.com/sells-group/tender-monitor/internal/model"

// PatchDates copies what the classifier learned back onto the records: a
// missing deadline is set from the extracted date, and events get their
// format, cost, city and sector. Existing deadlines are never replaced. It
// returns how many deadlines were set.
func PatchDates(items []model.ClassifiedOpportunity) int {
	patched := 0
	for i := range items {
		o := &items[i].Opportunity
		c := items[i].Classification

		if o.Deadline == nil && c.ExtractedDate != "" {
			if d, ok := model.ParseDate(c.ExtractedDate); ok {
				o.Deadline = model.DatePtr(d)
				patched++
			}
		}

		if !o.IsEvent() {
			continue
		}
		if c.EventFormat == "" && c.EventCost == "" && c.City == "" && c.Sector == "" {
			continue
		}
		o.Event = &model.EventDetails{
			Format: c.EventFormat,
			Cost:   c.EventCost,
			City:   c.City,
			Sector: c.Sector,
		}
		if o.Location == "" {
			o.Location = c.City
		}
	}
	return patched
}
