// Package dedup removes duplicate opportunities: exact duplicates by record
// key after collection, and near-duplicate events after classification.
package dedup

import "github.com/sells-group/tender-monitor/internal/model"

// Exact drops records whose Key was already seen. The first occurrence wins
// and input order is preserved.
func Exact(items []model.Opportunity) []model.Opportunity {
	seen := make(map[string]struct{}, len(items))
	out := make([]model.Opportunity, 0, len(items))
	for _, it := range items {
		k := it.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Exclude drops records whose normalized source URL is in urls.
func Exclude(items []model.Opportunity, urls map[string]struct{}) []model.Opportunity {
	if len(urls) == 0 {
		return items
	}
	out := make([]model.Opportunity, 0, len(items))
	for _, it := range items {
		if u := model.NormalizeURL(it.SourceURL); u != "" {
			if _, skip := urls[u]; skip {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

// URLSet normalizes raw URLs into a lookup set for Exclude.
func URLSet(raw []string) map[string]struct{} {
	set := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		if u := model.NormalizeURL(r); u != "" {
			set[u] = struct{}{}
		}
	}
	return set
}
