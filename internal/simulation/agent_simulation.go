package simulation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/kingrea/campaign-loop/internal/campaign"
	"github.com/kingrea/campaign-loop/internal/ledger"
	"github.com/kingrea/campaign-loop/internal/logging"
)

// Result values recorded for every benchmarked agent.
const (
	ValueDiscoveries = "discoveries"
	ValueIterations  = "iterations"
	ValueEvaluated   = "evaluated"
)

// AgentSimulation is an Experiment whose candidates are agent names. Each
// submitted agent is benchmarked by a nested after-the-fact campaign run in
// Dir/<name> against the shared labeled Dataset.
//
// Agents are not persisted; pass the same registry to NewAgentSimulation
// when resuming.
type AgentSimulation struct {
	Dataset    ledger.Dataset
	Dir        string
	Iterations int
	SeedSize   int
	RandomSeed int64
	Target     string
	Threshold  float64

	Pending   []string
	Completed ledger.Dataset
	Batches   int

	agents map[string]campaign.Agent
	logger *zap.Logger
}

// AgentSimulationConfig describes the nested campaigns.
type AgentSimulationConfig struct {
	Dataset ledger.Dataset
	// Dir holds one nested campaign directory per agent.
	Dir        string
	Iterations int
	// SeedSize is the random bootstrap size of every nested campaign.
	SeedSize   int
	RandomSeed int64
	// Target and Threshold configure the nested DiscoveryAnalyzer.
	Target    string
	Threshold float64
	Logger    *zap.Logger
}

// NewAgentSimulation benchmarks the agents in registry.
func NewAgentSimulation(cfg AgentSimulationConfig, registry map[string]campaign.Agent) (*AgentSimulation, error) {
	switch {
	case cfg.Dir == "":
		return nil, fmt.Errorf("simulation: agent simulation directory is required")
	case cfg.Dataset.IsEmpty():
		return nil, fmt.Errorf("simulation: agent simulation dataset is empty")
	case cfg.SeedSize <= 0:
		return nil, fmt.Errorf("simulation: seed size must be positive, got %d", cfg.SeedSize)
	case cfg.Target == "":
		return nil, fmt.Errorf("simulation: target value is required")
	}
	return &AgentSimulation{
		Dataset:    cfg.Dataset.Clone(),
		Dir:        cfg.Dir,
		Iterations: cfg.Iterations,
		SeedSize:   cfg.SeedSize,
		RandomSeed: cfg.RandomSeed,
		Target:     cfg.Target,
		Threshold:  cfg.Threshold,
		agents:     registry,
		logger:     logging.OrNop(cfg.Logger),
	}, nil
}

// AgentCandidates builds the candidate space for an agent benchmark.
func AgentCandidates(names ...string) (ledger.Dataset, error) {
	records := make([]ledger.Record, 0, len(names))
	for _, name := range names {
		records = append(records, ledger.Record{ID: name, Tags: map[string]string{"kind": "agent"}})
	}
	return ledger.NewDataset(records...)
}

// Submit queues agents for benchmarking.
func (s *AgentSimulation) Submit(_ context.Context, batch ledger.Dataset) (campaign.JobStatus, error) {
	for _, name := range batch.IDs() {
		if _, ok := s.agents[name]; !ok {
			return nil, fmt.Errorf("simulation: unknown agent %q", name)
		}
	}
	s.Pending = append(s.Pending, batch.IDs()...)
	s.Batches++
	return campaign.JobStatus{batchToken(s.Batches): StatusPending}, nil
}

// Monitor runs the nested campaign of every pending agent to completion.
// A nested campaign interrupted earlier resumes from its own checkpoints.
func (s *AgentSimulation) Monitor(ctx context.Context) error {
	for len(s.Pending) > 0 {
		name := s.Pending[0]
		rec, err := s.benchmark(ctx, name)
		if err != nil {
			return err
		}
		if err := s.Completed.Add(rec); err != nil {
			return fmt.Errorf("simulation: record %s: %w", name, err)
		}
		s.Pending = s.Pending[1:]
	}
	s.Pending = nil
	return nil
}

// Results hands out benchmarked agents once.
func (s *AgentSimulation) Results(context.Context) (ledger.Dataset, error) {
	out := s.Completed
	s.Completed = ledger.Dataset{}
	return out, nil
}

func (s *AgentSimulation) benchmark(ctx context.Context, name string) (ledger.Record, error) {
	agent, ok := s.agents[name]
	if !ok {
		return ledger.Record{}, fmt.Errorf("simulation: unknown agent %q", name)
	}
	dir := filepath.Join(s.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ledger.Record{}, fmt.Errorf("simulation: create %s: %w", dir, err)
	}
	logger := s.log().With(zap.String("agent", name))

	nested, err := campaign.New(ctx, dir, campaign.Collaborators{
		Candidates: s.Dataset,
		Agent:      agent,
		Experiment: NewATFSampler(s.Dataset),
		Analyzer:   &DiscoveryAnalyzer{Target: s.Target, Threshold: s.Threshold},
	},
		campaign.WithBootstrapSize(s.SeedSize),
		campaign.WithLogger(logger),
	)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("simulation: agent %s: %w", name, err)
	}
	defer nested.Close()

	if nested.State() != campaign.StateFinalized {
		opts := campaign.LoopOptions{
			MaxIterations: s.Iterations,
			Initialize:    nested.State() == campaign.StateUnstarted,
			RandomSeed:    s.RandomSeed,
		}
		if err := nested.AutoLoop(ctx, opts); err != nil {
			return ledger.Record{}, fmt.Errorf("simulation: agent %s: %w", name, err)
		}
	}

	history := nested.History()
	logger.Info("agent benchmarked",
		zap.Int("iterations", nested.Iteration()),
		zap.Int("discoveries", history.TotalDiscoveries()),
	)
	return ledger.Record{
		ID: name,
		Values: map[string]float64{
			ValueDiscoveries: float64(history.TotalDiscoveries()),
			ValueIterations:  float64(nested.Iteration()),
			ValueEvaluated:   float64(nested.Seed().Len()),
		},
		Tags: map[string]string{"dir": dir, "stop_reason": string(nested.StopReason())},
	}, nil
}

func (s *AgentSimulation) log() *zap.Logger {
	return logging.OrNop(s.logger)
}

// Ranking orders benchmarked agents by discoveries, most first, then by
// fewer iterations and finally by name.
func Ranking(results ledger.Dataset) []string {
	records := results.Records()
	sort.SliceStable(records, func(i, j int) bool {
		di, _ := records[i].Value(ValueDiscoveries)
		dj, _ := records[j].Value(ValueDiscoveries)
		if di != dj {
			return di > dj
		}
		ii, _ := records[i].Value(ValueIterations)
		ij, _ := records[j].Value(ValueIterations)
		if ii != ij {
			return ii < ij
		}
		return records[i].ID < records[j].ID
	})
	names := make([]string, len(records))
	for i, rec := range records {
		names[i] = rec.ID
	}
	return names
}
