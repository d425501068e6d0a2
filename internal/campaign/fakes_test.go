package campaign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/campaign-loop/internal/ledger"
)

// labExperiment returns every submitted candidate with its stored energy on
// the next Monitor call. Exported fields survive the experiment checkpoint.
type labExperiment struct {
	Energies  map[string]float64
	Pending   []string
	Completed []string
	Submitted [][]string
	Restored  JobStatus
	// Stall keeps submitted work pending.
	Stall bool

	failSubmit bool
}

func newLab(candidates ledger.Dataset) *labExperiment {
	energies := make(map[string]float64, candidates.Len())
	for _, rec := range candidates.Records() {
		energies[rec.ID] = rec.Values["energy"]
	}
	return &labExperiment{Energies: energies}
}

func (e *labExperiment) Submit(_ context.Context, batch ledger.Dataset) (JobStatus, error) {
	if e.failSubmit {
		return nil, errors.New("queue unavailable")
	}
	e.Pending = append(e.Pending, batch.IDs()...)
	e.Submitted = append(e.Submitted, batch.IDs())
	return JobStatus{fmt.Sprintf("batch-%d", len(e.Submitted)): "submitted"}, nil
}

func (e *labExperiment) Monitor(context.Context) error {
	if e.Stall {
		return nil
	}
	e.Completed = append(e.Completed, e.Pending...)
	e.Pending = nil
	return nil
}

func (e *labExperiment) Results(context.Context) (ledger.Dataset, error) {
	var ds ledger.Dataset
	for _, id := range e.Completed {
		if err := ds.Add(ledger.Record{ID: id, Values: map[string]float64{"energy": e.Energies[id]}}); err != nil {
			return ledger.Dataset{}, err
		}
	}
	e.Completed = nil
	return ds, nil
}

func (e *labExperiment) RestoreJobStatus(status JobStatus) {
	e.Restored = status
}

// firstAgent suggests the first N remaining candidates.
type firstAgent struct {
	N int
	// EmptyFrom makes the agent return nothing from that call on (1-based).
	EmptyFrom int
	calls     int
}

func (a *firstAgent) Hypotheses(_ context.Context, candidates, _ ledger.Dataset) (ledger.Dataset, error) {
	a.calls++
	if a.EmptyFrom > 0 && a.calls >= a.EmptyFrom {
		return ledger.Dataset{}, nil
	}
	ids := candidates.IDs()
	if len(ids) > a.N {
		ids = ids[:a.N]
	}
	return candidates.Subset(ids), nil
}

// scriptedAgent returns the listed IDs from its script, one entry per call,
// looked up in candidates and seed so inadmissible picks reach the campaign.
type scriptedAgent struct {
	script [][]string
	calls  int
}

func (a *scriptedAgent) Hypotheses(_ context.Context, candidates, seed ledger.Dataset) (ledger.Dataset, error) {
	if a.calls >= len(a.script) {
		return ledger.Dataset{}, nil
	}
	ids := a.script[a.calls]
	a.calls++
	var out ledger.Dataset
	for _, id := range ids {
		rec, ok := candidates.Get(id)
		if !ok {
			rec, ok = seed.Get(id)
		}
		if !ok {
			rec = ledger.Record{ID: id}
		}
		if err := out.Add(rec); err != nil {
			return ledger.Dataset{}, err
		}
	}
	return out, nil
}

// stabilityAnalyzer counts negative energies as discoveries.
type stabilityAnalyzer struct {
	mu        sync.Mutex
	finalized int
	dirs      []string
}

func (a *stabilityAnalyzer) Analyze(_ context.Context, results, seed ledger.Dataset) (ledger.Summary, ledger.Dataset, error) {
	discoveries := results.Filter(func(r ledger.Record) bool { return r.Values["energy"] < 0 }).Len()
	return ledger.Summary{
		Discoveries: discoveries,
		Metrics:     map[string]float64{"evaluated": float64(results.Len())},
	}, seed.Merge(results), nil
}

func (a *stabilityAnalyzer) Finalize(_ context.Context, dir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized++
	a.dirs = append(a.dirs, dir)
	return nil
}

type countingSyncer struct {
	synced int
	forced int
}

func (s *countingSyncer) Sync(context.Context, string) error {
	s.synced++
	return nil
}

func (s *countingSyncer) ForceSync(context.Context, string) error {
	s.forced++
	return nil
}

// space builds n candidates c00..c(n-1) with energy 1; the listed IDs get -1.
func space(n int, stable ...string) ledger.Dataset {
	neg := make(map[string]bool, len(stable))
	for _, id := range stable {
		neg[id] = true
	}
	var ds ledger.Dataset
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%02d", i)
		energy := 1.0
		if neg[id] {
			energy = -1
		}
		_ = ds.Add(ledger.Record{ID: id, Values: map[string]float64{"energy": energy}})
	}
	return ds
}

type fixture struct {
	candidates ledger.Dataset
	lab        *labExperiment
	agent      Agent
	analyzer   *stabilityAnalyzer
}

func newFixture(candidates ledger.Dataset, agent Agent) *fixture {
	return &fixture{
		candidates: candidates,
		lab:        newLab(candidates),
		agent:      agent,
		analyzer:   &stabilityAnalyzer{},
	}
}

func (f *fixture) collaborators() Collaborators {
	return Collaborators{
		Candidates: f.candidates,
		Agent:      f.agent,
		Experiment: f.lab,
		Analyzer:   f.analyzer,
	}
}

func (f *fixture) open(t *testing.T, dir string, opts ...Option) *Campaign {
	t.Helper()
	c, err := New(context.Background(), dir, f.collaborators(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func seedOf(ids ...string) ledger.Dataset {
	var ds ledger.Dataset
	for _, id := range ids {
		_ = ds.Add(ledger.Record{ID: id, Values: map[string]float64{"energy": 0.5}})
	}
	return ds
}

func fileExists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	require.NoError(t, err)
	return true
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}
