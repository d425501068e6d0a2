package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/kingrea/campaign-loop/internal/checkpoint"
	"github.com/kingrea/campaign-loop/internal/stopping"
)

// LoopState is the lifecycle position of a campaign.
type LoopState string

const (
	StateUnstarted LoopState = "UNSTARTED"
	StateRunning   LoopState = "RUNNING"
	StateStopped   LoopState = "STOPPED"
	StateFinalized LoopState = "FINALIZED"
)

// Terminal reports whether no further submissions can happen.
func (s LoopState) Terminal() bool {
	return s == StateStopped || s == StateFinalized
}

// SeedCheckpoint names the blob holding the accumulated seed dataset.
// Finalizers read it from the working directory.
const SeedCheckpoint = "seed_data"

// loopRecord is the persisted form of the loop state.
type loopRecord struct {
	State     LoopState       `json:"state"`
	Reason    stopping.Reason `json:"reason,omitempty"`
	RunID     string          `json:"run_id"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// field is one named checkpoint entity with a fixed encoding.
type field struct {
	name     string
	enc      checkpoint.Encoding
	required bool
}

var (
	fieldIteration  = field{name: checkpoint.IterationMarker, enc: checkpoint.JSON, required: true}
	fieldJobStatus  = field{name: "job_status", enc: checkpoint.JSON, required: true}
	fieldExperiment = field{name: "experiment", enc: checkpoint.Blob, required: true}
	fieldSeed       = field{name: SeedCheckpoint, enc: checkpoint.Blob, required: true}
	fieldCandidates = field{name: "candidate_data", enc: checkpoint.Blob}
	fieldConsumed   = field{name: "consumed_candidates", enc: checkpoint.JSON, required: true}
	fieldLoopState  = field{name: "loop_state", enc: checkpoint.JSON}
	fieldHistory    = field{name: "history", enc: checkpoint.Blob}
)

// resumeOrder is the load sequence used when a prior run exists.
var resumeOrder = []field{
	fieldIteration,
	fieldJobStatus,
	fieldExperiment,
	fieldSeed,
	fieldConsumed,
	fieldLoopState,
	fieldHistory,
	fieldCandidates,
}

// value returns what is written for f.
func (c *Campaign) value(f field) any {
	switch f {
	case fieldIteration:
		return c.iteration
	case fieldJobStatus:
		return c.jobStatus.Clone()
	case fieldExperiment:
		return c.experiment
	case fieldSeed:
		return c.seed
	case fieldCandidates:
		return c.candidates
	case fieldConsumed:
		return c.consumed
	case fieldLoopState:
		return loopRecord{State: c.state, Reason: c.reason, RunID: c.runID, UpdatedAt: c.now().UTC()}
	case fieldHistory:
		return c.history
	}
	panic(fmt.Sprintf("campaign: no value for checkpoint field %q", f.name))
}

func (c *Campaign) save(ctx context.Context, fields ...field) error {
	for _, f := range fields {
		if err := c.store.Save(ctx, f.name, c.value(f), f.enc); err != nil {
			return fmt.Errorf("campaign: save %s: %w", f.name, err)
		}
	}
	return nil
}

// load reads f into the campaign. Absent optional fields fall back to the
// values already in memory.
func (c *Campaign) load(ctx context.Context, f field) error {
	var (
		found bool
		err   error
	)
	switch f {
	case fieldIteration:
		found, err = c.store.Load(ctx, f.name, f.enc, &c.iteration, f.required)
	case fieldJobStatus:
		status := JobStatus{}
		if found, err = c.store.Load(ctx, f.name, f.enc, &status, f.required); found {
			c.jobStatus = status
		}
	case fieldExperiment:
		found, err = c.store.Load(ctx, f.name, f.enc, c.experiment, f.required)
	case fieldSeed:
		found, err = c.store.Load(ctx, f.name, f.enc, &c.seed, f.required)
	case fieldCandidates:
		found, err = c.store.Load(ctx, f.name, f.enc, &c.candidates, f.required)
	case fieldConsumed:
		found, err = c.store.Load(ctx, f.name, f.enc, &c.consumed, f.required)
	case fieldLoopState:
		var rec loopRecord
		if found, err = c.store.Load(ctx, f.name, f.enc, &rec, f.required); found {
			c.state, c.reason = rec.State, rec.Reason
			if rec.RunID != "" {
				c.runID = rec.RunID
			}
		}
	case fieldHistory:
		found, err = c.store.Load(ctx, f.name, f.enc, &c.history, f.required)
	default:
		return fmt.Errorf("campaign: no loader for checkpoint field %q", f.name)
	}
	if err != nil {
		return fmt.Errorf("campaign: load %s: %w", f.name, err)
	}
	if !found {
		c.logger.Debug("optional checkpoint absent", zapEntity(f.name))
	}
	return nil
}
