package campaign

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/campaign-loop/internal/checkpoint"
	"github.com/kingrea/campaign-loop/internal/ledger"
	"github.com/kingrea/campaign-loop/internal/stopping"
)

func TestNewRequiresCollaborators(t *testing.T) {
	f := newFixture(space(3), &firstAgent{N: 1})
	collab := f.collaborators()
	collab.Analyzer = nil
	_, err := New(context.Background(), t.TempDir(), collab)
	require.Error(t, err)
}

func TestFreshCampaignIsUnstarted(t *testing.T) {
	f := newFixture(space(4), &firstAgent{N: 1})
	c := f.open(t, t.TempDir())
	ctx := context.Background()

	assert.Equal(t, StateUnstarted, c.State())
	assert.Equal(t, 0, c.Iteration())
	assert.NotEmpty(t, c.RunID())

	_, err := c.Run(ctx, false)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, c.Finalize(ctx), ErrNotInitialized)
}

func TestInitializeNeedsSeedSource(t *testing.T) {
	f := newFixture(space(4), &firstAgent{N: 1})
	c := f.open(t, t.TempDir())
	require.ErrorIs(t, c.Initialize(context.Background(), 42), ErrNoSeedSource)
	assert.Equal(t, StateUnstarted, c.State())
}

func TestInitializeWithSeedAsksAgent(t *testing.T) {
	dir := t.TempDir()
	candidates := space(6)
	seed := seedOf("c00", "s1")
	f := newFixture(candidates, &firstAgent{N: 2})
	syncer := &countingSyncer{}
	c := f.open(t, dir, WithSeed(seed), WithSyncer(syncer))

	assert.False(t, c.Candidates().Has("c00"), "seed IDs leave the candidate space")
	require.NoError(t, c.Initialize(context.Background(), 42))

	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, 0, c.Iteration())
	assert.Equal(t, []string{"c01", "c02"}, c.Consumed())
	assert.Equal(t, [][]string{{"c01", "c02"}}, f.lab.Submitted)
	assert.Equal(t, JobStatus{"batch-1": "submitted"}, c.JobStatus())
	assert.Equal(t, 1, syncer.forced)

	for _, name := range []string{
		"iteration.json", "job_status.json", "experiment.blob", "seed_data.blob",
		"candidate_data.blob", "consumed_candidates.json", "loop_state.json",
	} {
		assert.True(t, fileExists(t, filepath.Join(dir, name)), name)
	}
	assert.Equal(t, "0\n", readFile(t, dir, "iteration.json"))
	assert.Equal(t, "[\n  \"c01\",\n  \"c02\"\n]\n", readFile(t, dir, "consumed_candidates.json"))

	require.ErrorIs(t, c.Initialize(context.Background(), 42), ErrAlreadyInitialized)
}

func TestBootstrapIsDeterministic(t *testing.T) {
	pick := func(seed int64) []string {
		f := newFixture(space(20), &firstAgent{N: 1})
		c := f.open(t, t.TempDir(), WithBootstrapSize(4))
		require.NoError(t, c.Initialize(context.Background(), seed))
		return c.Consumed()
	}
	first := pick(7)
	assert.Len(t, first, 4)
	assert.Equal(t, first, pick(7))
}

func TestBootstrapOverridesSuppliedSeed(t *testing.T) {
	agent := &firstAgent{N: 1}
	f := newFixture(space(10), agent)
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1")), WithBootstrapSize(3))
	require.NoError(t, c.Initialize(context.Background(), 1))
	assert.Len(t, c.Consumed(), 3)
	assert.Equal(t, 0, agent.calls, "bootstrap uses the random agent")
}

func TestInitializeWithNoAdmissibleWork(t *testing.T) {
	f := newFixture(space(3), &scriptedAgent{script: [][]string{{"s1", "zz"}}})
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1")))
	require.ErrorIs(t, c.Initialize(context.Background(), 0), ErrNoInitialWork)
	assert.Empty(t, f.lab.Submitted)
}

func TestExhaustionStopsAndFinalizes(t *testing.T) {
	f := newFixture(space(5), &firstAgent{N: 1})
	c := f.open(t, t.TempDir(), WithBootstrapSize(5))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 42))

	continues, err := c.Run(ctx, false)
	require.NoError(t, err)
	assert.False(t, continues)
	assert.Equal(t, 0, c.Candidates().Len())
	assert.Equal(t, 5, c.Seed().Len())
	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, stopping.ReasonExhausted, c.StopReason())
	assert.Equal(t, 1, f.analyzer.finalized)
	assert.Equal(t, []string{c.Dir()}, f.analyzer.dirs)
}

func TestExhaustionWithoutFinalize(t *testing.T) {
	f := newFixture(space(5), &firstAgent{N: 1})
	c := f.open(t, t.TempDir(), WithBootstrapSize(5), WithFinalizeOnExhaustion(false))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 42))

	continues, err := c.Run(ctx, false)
	require.NoError(t, err)
	assert.False(t, continues)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 0, f.analyzer.finalized)

	require.NoError(t, c.Finalize(ctx))
	require.NoError(t, c.Finalize(ctx))
	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 1, f.analyzer.finalized)
}

func TestHeuristicStopperFinalizesOnce(t *testing.T) {
	f := newFixture(space(12), &firstAgent{N: 1})
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1")), WithHeuristicStopper(2))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 0))

	for want := 1; want <= 3; want++ {
		continues, err := c.Run(ctx, false)
		require.NoError(t, err)
		require.True(t, continues)
		require.Equal(t, want, c.Iteration())
	}

	continues, err := c.Run(ctx, false)
	require.NoError(t, err)
	assert.False(t, continues)
	assert.Equal(t, 3, c.Iteration())
	assert.Equal(t, stopping.ReasonNoDiscovery, c.StopReason())
	assert.Equal(t, 1, f.analyzer.finalized)

	// The closing pass AutoLoop makes must not finalize again.
	continues, err = c.Run(ctx, true)
	require.NoError(t, err)
	assert.False(t, continues)
	require.NoError(t, c.Finalize(ctx))
	assert.Equal(t, 1, f.analyzer.finalized)
	assert.Equal(t, StateFinalized, c.State())
}

func TestHeuristicStopperKeepsGoingWithDiscoveries(t *testing.T) {
	f := newFixture(space(12, "c03", "c04"), &firstAgent{N: 1})
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1")), WithHeuristicStopper(2))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 0))

	for i := 0; i < 7; i++ {
		continues, err := c.Run(ctx, false)
		require.NoError(t, err)
		require.True(t, continues, "iteration %d", i)
	}
	continues, err := c.Run(ctx, false)
	require.NoError(t, err)
	assert.False(t, continues)
	assert.Equal(t, 2, c.History().TotalDiscoveries())
}

func TestEmptySuggestionStopsWithoutSubmitting(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(space(6), &firstAgent{N: 2, EmptyFrom: 2})
	c := f.open(t, dir, WithSeed(seedOf("s1")))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 0))
	statusBefore := readFile(t, dir, "job_status.json")
	consumedBefore := readFile(t, dir, "consumed_candidates.json")

	continues, err := c.Run(ctx, false)
	require.NoError(t, err)
	assert.False(t, continues)
	assert.Equal(t, stopping.ReasonNoSuggestions, c.StopReason())
	assert.Equal(t, StateFinalized, c.State())
	assert.Equal(t, 0, c.Iteration())
	assert.Len(t, f.lab.Submitted, 1)
	assert.Equal(t, statusBefore, readFile(t, dir, "job_status.json"))
	assert.Equal(t, consumedBefore, readFile(t, dir, "consumed_candidates.json"))
	assert.Equal(t, "0\n", readFile(t, dir, "iteration.json"))
	assert.Equal(t, 1, f.analyzer.finalized)
}

func TestFinalizeOnlySkipsAgent(t *testing.T) {
	agent := &firstAgent{N: 1}
	f := newFixture(space(6), agent)
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1")))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 0))
	calls := agent.calls

	continues, err := c.Run(ctx, true)
	require.NoError(t, err)
	assert.False(t, continues)
	assert.Equal(t, calls, agent.calls)
	assert.Equal(t, 2, c.Seed().Len(), "results are still folded into the seed")
	assert.Equal(t, StateRunning, c.State())
}

func TestHypothesesAreFilteredToAdmissible(t *testing.T) {
	agent := &scriptedAgent{script: [][]string{
		{"c00", "zz", "s1"},
		{"c00", "c01"},
	}}
	f := newFixture(space(4), agent)
	f.lab.Stall = true
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1")))
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx, 0))
	continues, err := c.Run(ctx, false)
	require.NoError(t, err)
	require.True(t, continues)

	assert.Equal(t, [][]string{{"c00"}, {"c01"}}, f.lab.Submitted)
	assert.Equal(t, []string{"c00", "c01"}, c.Consumed())
	assert.True(t, c.Candidates().Has("c00"), "pending work stays a candidate until results arrive")
}

func TestInvariantsHoldAcrossIterations(t *testing.T) {
	f := newFixture(space(15, "c02", "c09"), &firstAgent{N: 2})
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1", "s2")))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 0))

	prevCandidates := c.Candidates()
	prevSeed := c.Seed()
	prevConsumed := c.Consumed()
	prevHistory := c.History().Len()
	for {
		continues, err := c.Run(ctx, false)
		require.NoError(t, err)

		candidates, seed := c.Candidates(), c.Seed()
		assert.Empty(t, candidates.Intersect(seed), "candidates and seed overlap")
		for _, id := range candidates.IDs() {
			assert.True(t, prevCandidates.Has(id), "candidate %s appeared", id)
		}
		for _, id := range prevSeed.IDs() {
			assert.True(t, seed.Has(id), "seed lost %s", id)
		}
		consumed := c.Consumed()
		require.GreaterOrEqual(t, len(consumed), len(prevConsumed))
		assert.Equal(t, prevConsumed, consumed[:len(prevConsumed)])
		assert.Equal(t, prevHistory+1, c.History().Len())

		prevCandidates, prevSeed, prevConsumed, prevHistory = candidates, seed, consumed, c.History().Len()
		if !continues {
			break
		}
	}
	assert.Equal(t, 15+2, c.Seed().Len())
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	candidates := space(12, "c05")
	seed := seedOf("s1")

	straight := newFixture(candidates, &firstAgent{N: 2})
	a := straight.open(t, t.TempDir(), WithSeed(seed))
	require.NoError(t, a.Initialize(ctx, 0))
	for i := 0; i < 3; i++ {
		_, err := a.Run(ctx, false)
		require.NoError(t, err)
	}

	dir := t.TempDir()
	first := newFixture(candidates, &firstAgent{N: 2})
	b, err := New(ctx, dir, first.collaborators(), WithSeed(seed))
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx, 0))
	for i := 0; i < 2; i++ {
		_, err := b.Run(ctx, false)
		require.NoError(t, err)
	}
	runID := b.RunID()
	require.NoError(t, b.Close())

	second := newFixture(candidates, &firstAgent{N: 2})
	resumed := second.open(t, dir, WithSeed(seed), WithBootstrapSize(5))
	assert.Equal(t, StateRunning, resumed.State())
	assert.Equal(t, 2, resumed.Iteration())
	assert.Equal(t, runID, resumed.RunID())
	assert.Equal(t, JobStatus{"batch-3": "submitted"}, second.lab.Restored)
	assert.Equal(t, 2, resumed.History().Len())
	require.ErrorIs(t, resumed.Initialize(ctx, 0), ErrAlreadyInitialized)

	_, err = resumed.Run(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, a.Iteration(), resumed.Iteration())
	if diff := cmp.Diff(a.Candidates().IDs(), resumed.Candidates().IDs()); diff != "" {
		t.Fatalf("candidates differ (-straight +resumed):\n%s", diff)
	}
	if diff := cmp.Diff(a.Seed(), resumed.Seed()); diff != "" {
		t.Fatalf("seed differs (-straight +resumed):\n%s", diff)
	}
	assert.Equal(t, a.Consumed(), resumed.Consumed())
	assert.Equal(t, a.History().TotalDiscoveries(), resumed.History().TotalDiscoveries())
}

func TestResumeAfterInterruptedIteration(t *testing.T) {
	ctx := context.Background()
	candidates := space(10, "c03")
	seed := seedOf("s1")

	straight := newFixture(candidates, &firstAgent{N: 2})
	a := straight.open(t, t.TempDir(), WithSeed(seed))
	require.NoError(t, a.Initialize(ctx, 0))
	for i := 0; i < 2; i++ {
		_, err := a.Run(ctx, false)
		require.NoError(t, err)
	}

	dir := t.TempDir()
	crashed := newFixture(candidates, &firstAgent{N: 2})
	b, err := New(ctx, dir, crashed.collaborators(), WithSeed(seed))
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx, 0))
	_, err = b.Run(ctx, false)
	require.NoError(t, err)
	// Seed, history and candidates reach disk, the submission does not.
	crashed.lab.failSubmit = true
	_, err = b.Run(ctx, false)
	require.Error(t, err)
	require.NoError(t, b.Close())

	again := newFixture(candidates, &firstAgent{N: 2})
	resumed := again.open(t, dir, WithSeed(seed))
	require.Equal(t, 1, resumed.Iteration())
	_, err = resumed.Run(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, a.Iteration(), resumed.Iteration())
	assert.Equal(t, a.Candidates().IDs(), resumed.Candidates().IDs())
	assert.True(t, a.Seed().Equal(resumed.Seed()))
	assert.Equal(t, a.Consumed(), resumed.Consumed())
}

func TestResumeAfterSubmissionBeforeConsumedSave(t *testing.T) {
	ctx := context.Background()
	candidates := space(10, "c03")
	seed := seedOf("s1")

	straight := newFixture(candidates, &firstAgent{N: 2})
	a := straight.open(t, t.TempDir(), WithSeed(seed))
	require.NoError(t, a.Initialize(ctx, 0))
	for i := 0; i < 3; i++ {
		_, err := a.Run(ctx, false)
		require.NoError(t, err)
	}

	dir := t.TempDir()
	crashed := newFixture(candidates, &firstAgent{N: 2})
	b, err := New(ctx, dir, crashed.collaborators(), WithSeed(seed))
	require.NoError(t, err)
	require.NoError(t, b.Initialize(ctx, 0))
	_, err = b.Run(ctx, false)
	require.NoError(t, err)
	consumedBefore := readFile(t, dir, "consumed_candidates.json")
	iterationBefore := readFile(t, dir, "iteration.json")
	_, err = b.Run(ctx, false)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	// Roll back to the moment after the experiment blob holds the new batch
	// but before the consumed set and the counter were written.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "consumed_candidates.json"), []byte(consumedBefore), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "iteration.json"), []byte(iterationBefore), 0o644))

	again := newFixture(candidates, &firstAgent{N: 2})
	resumed := again.open(t, dir, WithSeed(seed))
	require.Equal(t, 1, resumed.Iteration())
	assert.NotContains(t, resumed.Consumed(), "c04")
	_, err = resumed.Run(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, a.Consumed(), resumed.Consumed())
	assert.Equal(t, a.Candidates().IDs(), resumed.Candidates().IDs())
	assert.True(t, a.Seed().Equal(resumed.Seed()))
	// The lost counter increment is not recovered.
	assert.Equal(t, a.Iteration()-1, resumed.Iteration())
	assert.Equal(t, []string{"c06", "c07"}, again.lab.Submitted[len(again.lab.Submitted)-1])
}

func TestResumeWithoutCandidateCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := newFixture(space(6), &firstAgent{N: 2})
	c, err := New(ctx, dir, f.collaborators(), WithSeed(seedOf("s1")))
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx, 0))
	require.NoError(t, c.Close())

	path, err := c.Store().Path("candidate_data", checkpoint.Blob)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	g := newFixture(space(6), &firstAgent{N: 2})
	resumed := g.open(t, dir, WithSeed(seedOf("s1", "c05")))
	assert.Equal(t, []string{"c00", "c01", "c02", "c03", "c04"}, resumed.Candidates().IDs())
}

func TestResumeFailsOnMissingRequiredCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := newFixture(space(6), &firstAgent{N: 2})
	c, err := New(ctx, dir, f.collaborators(), WithSeed(seedOf("s1")))
	require.NoError(t, err)
	require.NoError(t, c.Initialize(ctx, 0))
	require.NoError(t, c.Close())

	path, err := c.Store().Path("experiment", checkpoint.Blob)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, err = New(ctx, dir, newFixture(space(6), &firstAgent{N: 2}).collaborators())
	require.ErrorIs(t, err, checkpoint.ErrCheckpointMissing)
}

func TestMetricsTrackProgress(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(space(6, "c01"), &firstAgent{N: 2})
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1")), WithMetrics(reg))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 0))

	for {
		continues, err := c.Run(ctx, false)
		require.NoError(t, err)
		if !continues {
			break
		}
	}
	assert.Equal(t, float64(c.Iteration()), testutil.ToFloat64(c.metrics.Iterations))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.Discoveries))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.metrics.Candidates))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.Stops.WithLabelValues("exhausted")))
}

func TestHistoryRecordsIteration(t *testing.T) {
	f := newFixture(space(6, "c02"), &firstAgent{N: 2})
	c := f.open(t, t.TempDir(), WithSeed(seedOf("s1")))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, 0))
	for i := 0; i < 2; i++ {
		_, err := c.Run(ctx, false)
		require.NoError(t, err)
	}
	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, []int{0, 1}, []int{history[0].Iteration, history[1].Iteration})
	assert.Equal(t, 1, history.Trailing(1))
	assert.False(t, history[0].RecordedAt.IsZero())

	var stored ledger.History
	found, err := c.Store().Load(ctx, "history", checkpoint.Blob, &stored, true)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, stored.Len())
}
