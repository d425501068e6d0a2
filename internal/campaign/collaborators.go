package campaign

import (
	"context"
	"maps"

	"github.com/kingrea/campaign-loop/internal/ledger"
)

// JobStatus maps a batch token to whatever status the experiment reports.
type JobStatus map[string]string

// Clone returns an independent copy.
func (s JobStatus) Clone() JobStatus {
	if s == nil {
		return JobStatus{}
	}
	return maps.Clone(s)
}

// Experiment executes candidates, possibly as long-running external jobs.
// Its state is persisted as an opaque blob after every submission, so
// implementations must round-trip through encoding/gob.
type Experiment interface {
	Submit(ctx context.Context, candidates ledger.Dataset) (JobStatus, error)
	// Monitor advances or polls outstanding work.
	Monitor(ctx context.Context) error
	// Results returns completed work not yet handed out. Pending work is
	// never included.
	Results(ctx context.Context) (ledger.Dataset, error)
}

// Agent proposes the next batch. The result should be a subset of
// candidates and may be empty.
type Agent interface {
	Hypotheses(ctx context.Context, candidates, seed ledger.Dataset) (ledger.Dataset, error)
}

// Analyzer scores new results and folds them into the seed dataset.
type Analyzer interface {
	Analyze(ctx context.Context, results, seed ledger.Dataset) (ledger.Summary, ledger.Dataset, error)
}

// Finalizer is an optional Analyzer capability invoked once when the
// campaign reaches its terminal state.
type Finalizer interface {
	Finalize(ctx context.Context, dir string) error
}

// JobStatusRestorer is an optional Experiment capability that receives the
// persisted job status when a campaign resumes.
type JobStatusRestorer interface {
	RestoreJobStatus(status JobStatus)
}

// Collaborators bundles the candidate space with the pluggable components.
type Collaborators struct {
	Candidates ledger.Dataset
	Agent      Agent
	Experiment Experiment
	Analyzer   Analyzer
}

func (c Collaborators) validate() error {
	switch {
	case c.Agent == nil:
		return errMissing("agent")
	case c.Experiment == nil:
		return errMissing("experiment")
	case c.Analyzer == nil:
		return errMissing("analyzer")
	}
	return nil
}
