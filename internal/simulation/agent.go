package simulation

import (
	"context"
	"sort"

	"github.com/kingrea/campaign-loop/internal/ledger"
)

// GreedyAgent proposes the N candidates with the lowest Feature value.
// Candidates without the feature rank last; ties break by ID.
type GreedyAgent struct {
	Feature string
	N       int
}

// Hypotheses implements campaign.Agent.
func (a GreedyAgent) Hypotheses(_ context.Context, candidates, _ ledger.Dataset) (ledger.Dataset, error) {
	if a.N <= 0 || candidates.IsEmpty() {
		return ledger.Dataset{}, nil
	}
	records := candidates.Records()
	sort.SliceStable(records, func(i, j int) bool {
		vi, oki := records[i].Value(a.Feature)
		vj, okj := records[j].Value(a.Feature)
		switch {
		case oki != okj:
			return oki
		case oki && vi != vj:
			return vi < vj
		default:
			return records[i].ID < records[j].ID
		}
	})
	n := min(a.N, len(records))
	ids := make([]string, n)
	for i := range ids {
		ids[i] = records[i].ID
	}
	return candidates.Subset(ids), nil
}
