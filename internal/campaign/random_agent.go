package campaign

import (
	"context"
	"math/rand/v2"

	"github.com/kingrea/campaign-loop/internal/ledger"
)

// RandomAgent picks a uniform sample of candidates without replacement. The
// same seed and candidate order always yield the same sample.
type RandomAgent struct {
	size int
	rng  *rand.Rand
}

// NewRandomAgent returns an agent sampling size candidates per call.
func NewRandomAgent(size int, seed int64) *RandomAgent {
	s := uint64(seed)
	return &RandomAgent{size: size, rng: rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))}
}

// Hypotheses ignores the seed dataset.
func (a *RandomAgent) Hypotheses(_ context.Context, candidates, _ ledger.Dataset) (ledger.Dataset, error) {
	n := candidates.Len()
	k := min(a.size, n)
	if k <= 0 {
		return ledger.Dataset{}, nil
	}
	ids := candidates.IDs()
	picked := make([]string, 0, k)
	for _, idx := range a.rng.Perm(n)[:k] {
		picked = append(picked, ids[idx])
	}
	return candidates.Subset(picked), nil
}
