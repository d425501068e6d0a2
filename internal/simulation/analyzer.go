package simulation

import (
	"context"
	"fmt"
	"math"

	"github.com/kingrea/campaign-loop/internal/campaign"
	"github.com/kingrea/campaign-loop/internal/checkpoint"
	"github.com/kingrea/campaign-loop/internal/ledger"
)

// ReportName is the checkpoint DiscoveryAnalyzer writes when finalizing.
const ReportName = "discoveries"

// DiscoveryAnalyzer counts a result as a discovery when its Target value is
// at most Threshold. Every result is added to the seed.
type DiscoveryAnalyzer struct {
	Target    string
	Threshold float64
}

// Report summarizes a finished campaign.
type Report struct {
	Target      string   `json:"target"`
	Threshold   float64  `json:"threshold"`
	Evaluated   int      `json:"evaluated"`
	Discoveries []string `json:"discoveries"`
	BestID      string   `json:"best_id,omitempty"`
	BestValue   float64  `json:"best_value,omitempty"`
}

func (a *DiscoveryAnalyzer) discovered(r ledger.Record) bool {
	v, ok := r.Value(a.Target)
	return ok && v <= a.Threshold
}

// Analyze implements campaign.Analyzer.
func (a *DiscoveryAnalyzer) Analyze(_ context.Context, results, seed ledger.Dataset) (ledger.Summary, ledger.Dataset, error) {
	found := results.Filter(a.discovered)
	best := math.Inf(1)
	for _, rec := range results.Records() {
		if v, ok := rec.Value(a.Target); ok && v < best {
			best = v
		}
	}
	metrics := map[string]float64{"evaluated": float64(results.Len())}
	if !math.IsInf(best, 1) {
		metrics["best"] = best
	}
	return ledger.Summary{Discoveries: found.Len(), Metrics: metrics}, seed.Merge(results), nil
}

// Finalize writes discoveries.json next to the campaign checkpoints, built
// from the persisted seed dataset.
func (a *DiscoveryAnalyzer) Finalize(ctx context.Context, dir string) error {
	store, err := checkpoint.New(dir)
	if err != nil {
		return err
	}
	var seed ledger.Dataset
	if _, err := store.Load(ctx, campaign.SeedCheckpoint, checkpoint.Blob, &seed, true); err != nil {
		return fmt.Errorf("simulation: finalize: %w", err)
	}
	report := a.Report(seed)
	if err := store.Save(ctx, ReportName, report, checkpoint.JSON); err != nil {
		return fmt.Errorf("simulation: finalize: %w", err)
	}
	return nil
}

// Report summarizes seed against the analyzer's threshold.
func (a *DiscoveryAnalyzer) Report(seed ledger.Dataset) Report {
	report := Report{
		Target:      a.Target,
		Threshold:   a.Threshold,
		Evaluated:   seed.Len(),
		Discoveries: seed.Filter(a.discovered).SortedIDs(),
	}
	if report.Discoveries == nil {
		report.Discoveries = []string{}
	}
	first := true
	for _, rec := range seed.Records() {
		v, ok := rec.Value(a.Target)
		if !ok {
			continue
		}
		if first || v < report.BestValue || (v == report.BestValue && rec.ID < report.BestID) {
			report.BestID, report.BestValue = rec.ID, v
			first = false
		}
	}
	return report
}
