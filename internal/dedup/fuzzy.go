package dedup

import "github.com/sells-group/tender-monitor/internal/model"

// DefaultMinOverlap is the shared-token ratio above which two titles match.
const DefaultMinOverlap = 0.6

// Options tunes event deduplication.
type Options struct {
	MinOverlap float64
}

func (o Options) minOverlap() float64 {
	if o.MinOverlap <= 0 {
		return DefaultMinOverlap
	}
	return o.MinOverlap
}

// Events merges near-duplicate events that share a deadline. Similarity is
// applied transitively within each date and the member with the highest
// score survives, the earliest one on ties. Non-events and events without a
// deadline pass through. Output keeps the position of each survivor.
func Events(items []model.ClassifiedOpportunity, opts Options) []model.ClassifiedOpportunity {
	minOverlap := opts.minOverlap()

	byDate := make(map[string][]int)
	var dates []string
	for i, it := range items {
		if !it.Opportunity.IsEvent() || it.Opportunity.Deadline == nil {
			continue
		}
		d := it.Opportunity.Deadline.String()
		if _, ok := byDate[d]; !ok {
			dates = append(dates, d)
		}
		byDate[d] = append(byDate[d], i)
	}

	drop := make(map[int]bool)
	for _, d := range dates {
		group := byDate[d]
		if len(group) < 2 {
			continue
		}
		norms := make([]string, len(group))
		for j, idx := range group {
			norms[j] = NormalizeEventTitle(items[idx].Opportunity.Title)
		}

		uf := newUnionFind(len(group))
		for a := 0; a < len(group); a++ {
			for b := a + 1; b < len(group); b++ {
				if Similar(norms[a], norms[b], minOverlap) {
					uf.union(a, b)
				}
			}
		}

		best := make(map[int]int)
		for j := range group {
			root := uf.find(j)
			cur, ok := best[root]
			if !ok || items[group[j]].Classification.Score > items[group[cur]].Classification.Score {
				best[root] = j
			}
		}
		for j, idx := range group {
			if best[uf.find(j)] != j {
				drop[idx] = true
			}
		}
	}

	if len(drop) == 0 {
		return items
	}
	out := make([]model.ClassifiedOpportunity, 0, len(items)-len(drop))
	for i, it := range items {
		if !drop[i] {
			out = append(out, it)
		}
	}
	return out
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
