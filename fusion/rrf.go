package fusion

import (
	"sort"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// DefaultK is the reciprocal-rank fusion constant.
const DefaultK = 60

// RRF fuses the dense and sparse ranked lists of a hybrid search. Each item
// scores 1/(k+rank) per list it appears in (rank is 1-based); an item absent
// from a list contributes nothing for it. Ties keep the item with the better
// best-rank first, then order by ID so output is deterministic.
func RRF(res index.Result, k int) []schema.EvidenceItem {
	if k <= 0 {
		k = DefaultK
	}
	type agg struct {
		item     schema.EvidenceItem
		bestRank int
	}
	scores := map[string]*agg{}
	order := []string{}

	add := func(hits []index.Hit, dense bool) {
		for idx, h := range hits {
			if h.ID == "" {
				continue
			}
			a, ok := scores[h.ID]
			if !ok {
				a = &agg{item: schema.EvidenceItem{
					ID:         h.ID,
					SourceID:   h.SourceID,
					Snippet:    h.Snippet,
					Provenance: h.Provenance,
				}, bestRank: idx + 1}
				scores[h.ID] = a
				order = append(order, h.ID)
			}
			rank := idx + 1
			if rank < a.bestRank {
				a.bestRank = rank
			}
			if dense {
				a.item.DenseScore = h.Score
			} else {
				a.item.SparseScore = h.Score
			}
			a.item.FusedScore += 1.0 / float64(k+rank)
		}
	}
	add(res.Dense, true)
	add(res.Sparse, false)

	aggs := make([]*agg, 0, len(order))
	for _, id := range order {
		aggs = append(aggs, scores[id])
	}
	sort.SliceStable(aggs, func(i, j int) bool {
		a, b := aggs[i], aggs[j]
		if a.item.FusedScore != b.item.FusedScore {
			return a.item.FusedScore > b.item.FusedScore
		}
		if a.bestRank != b.bestRank {
			return a.bestRank < b.bestRank
		}
		return a.item.ID < b.item.ID
	})
	out := make([]schema.EvidenceItem, len(aggs))
	for i, a := range aggs {
		out[i] = a.item
	}
	return out
}
