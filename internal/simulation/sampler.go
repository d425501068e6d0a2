package simulation

import (
	"context"
	"fmt"

	"github.com/kingrea/campaign-loop/internal/campaign"
	"github.com/kingrea/campaign-loop/internal/ledger"
)

const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
)

// ATFSampler is an Experiment over a fully labeled dataset. Submitted IDs
// become available as results after the next Monitor call.
type ATFSampler struct {
	Data      ledger.Dataset
	Pending   []string
	Completed []string
	Batches   int
}

// NewATFSampler samples from data.
func NewATFSampler(data ledger.Dataset) *ATFSampler {
	return &ATFSampler{Data: data.Clone()}
}

// Submit queues the batch. IDs missing from the labeled data are rejected.
func (s *ATFSampler) Submit(_ context.Context, batch ledger.Dataset) (campaign.JobStatus, error) {
	for _, id := range batch.IDs() {
		if !s.Data.Has(id) {
			return nil, fmt.Errorf("simulation: %q has no after-the-fact label", id)
		}
	}
	s.Pending = append(s.Pending, batch.IDs()...)
	s.Batches++
	return campaign.JobStatus{batchToken(s.Batches): StatusPending}, nil
}

// Monitor completes everything pending.
func (s *ATFSampler) Monitor(context.Context) error {
	s.Completed = append(s.Completed, s.Pending...)
	s.Pending = nil
	return nil
}

// Results hands out completed records once.
func (s *ATFSampler) Results(context.Context) (ledger.Dataset, error) {
	out := s.Data.Subset(s.Completed)
	s.Completed = nil
	return out, nil
}

func batchToken(n int) string {
	return fmt.Sprintf("batch-%04d", n)
}
