package campaign

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/campaign-loop/internal/journal"
	"github.com/kingrea/campaign-loop/internal/ledger"
	"github.com/kingrea/campaign-loop/internal/stopping"
)

// Initialize produces and submits the first batch, then persists every
// entity. The batch comes from the agent when a seed dataset was supplied
// and no bootstrap was requested, otherwise from a RandomAgent seeded with
// randomSeed.
func (c *Campaign) Initialize(ctx context.Context, randomSeed int64) (err error) {
	ctx, span := tracer.Start(ctx, "campaign.initialize",
		trace.WithAttributes(attribute.Int64("campaign.random_seed", randomSeed)),
	)
	defer func() { endSpan(span, err) }()

	if c.state != StateUnstarted {
		return ErrAlreadyInitialized
	}

	var (
		source Agent
		name   string
	)
	switch {
	case !c.seed.IsEmpty() && c.bootstrapSize <= 0:
		source, name = c.agent, fmt.Sprintf("%T", c.agent)
	case c.bootstrapSize > 0:
		source, name = NewRandomAgent(c.bootstrapSize, randomSeed), "random"
	default:
		return ErrNoSeedSource
	}
	c.logger.Info("hypothesizing", zap.String("step", "initialize"), zap.String("agent", name))

	start := c.now()
	hypotheses, err := source.Hypotheses(ctx, c.candidates.Clone(), c.seed.Clone())
	c.observe("hypothesize", start)
	if err != nil {
		return fmt.Errorf("campaign: initialize: hypotheses: %w", err)
	}
	hypotheses = c.admissible(hypotheses)
	if hypotheses.IsEmpty() {
		return ErrNoInitialWork
	}

	status, err := c.submit(ctx, hypotheses)
	if err != nil {
		return fmt.Errorf("campaign: initialize: %w", err)
	}
	c.jobStatus = status
	c.consumed.Add(hypotheses.IDs()...)
	c.bootstrapSize = 0
	c.state = StateRunning

	if err := c.save(ctx,
		fieldJobStatus,
		fieldExperiment,
		fieldSeed,
		fieldCandidates,
		fieldConsumed,
		fieldLoopState,
		fieldIteration,
	); err != nil {
		return err
	}
	_ = c.store.SyncNow(ctx)

	c.record(ctx, journal.KindInitialized, map[string]string{
		"submitted": strconv.Itoa(hypotheses.Len()),
		"agent":     name,
	})
	c.book.Info("initialized: submitted %d candidates (%s)", hypotheses.Len(), name)
	c.logger.Info("campaign initialized",
		zap.Int("submitted", hypotheses.Len()),
		zap.Int("candidates", c.candidates.Len()),
	)
	return nil
}

// Run executes one iteration and reports whether the loop should continue.
// With finalizeOnly set, results are folded in but nothing new is
// submitted. A stopped or finalized campaign always runs finalize-only.
func (c *Campaign) Run(ctx context.Context, finalizeOnly bool) (continues bool, err error) {
	ctx, span := tracer.Start(ctx, "campaign.run",
		trace.WithAttributes(
			attribute.Int("campaign.iteration", c.iteration),
			attribute.Bool("campaign.finalize_only", finalizeOnly),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("campaign.continues", continues))
		endSpan(span, err)
	}()

	if c.state == StateUnstarted {
		return false, ErrNotInitialized
	}
	if c.state.Terminal() {
		finalizeOnly = true
	}
	log := c.logger.With(zap.Int("iteration", c.iteration))

	// Results.
	log.Info("getting new results", zap.String("step", "results"))
	start := c.now()
	err = c.experiment.Monitor(ctx)
	c.observe("monitor", start)
	if err != nil {
		return false, fmt.Errorf("campaign: run: monitor: %w", err)
	}
	start = c.now()
	results, err := c.experiment.Results(ctx)
	c.observe("results", start)
	if err != nil {
		return false, fmt.Errorf("campaign: run: results: %w", err)
	}

	// Analysis against the durable seed.
	if err := c.load(ctx, fieldSeed); err != nil {
		return false, err
	}
	log.Info("analyzing results", zap.String("step", "analyze"), zap.Int("results", results.Len()))
	start = c.now()
	summary, updated, err := c.analyzer.Analyze(ctx, results.Clone(), c.seed.Clone())
	c.observe("analyze", start)
	if err != nil {
		return false, fmt.Errorf("campaign: run: analyze: %w", err)
	}
	summary.Iteration = c.iteration
	if summary.RecordedAt.IsZero() {
		summary.RecordedAt = c.now().UTC()
	}
	c.history = c.history.Append(summary)
	if err := c.save(ctx, fieldHistory); err != nil {
		return false, err
	}
	c.seed = c.seed.Merge(updated)
	if err := c.save(ctx, fieldSeed); err != nil {
		return false, err
	}
	// Results only exist for submitted candidates. Recording them here covers
	// an interruption between the experiment and consumed saves below.
	if c.consumed.Add(results.IDs()...) > 0 {
		if err := c.save(ctx, fieldConsumed); err != nil {
			return false, err
		}
	}
	c.metrics.Discoveries.Add(float64(summary.Discoveries))

	// Candidate bookkeeping.
	c.candidates = c.candidates.Without(append(results.IDs(), c.seed.IDs()...))
	if err := c.save(ctx, fieldCandidates); err != nil {
		return false, err
	}
	c.metrics.Candidates.Set(float64(c.candidates.Len()))
	c.book.Iteration(c.iteration, summary.Discoveries, c.candidates.Len())

	switch reason := c.policy.Evaluate(c.iteration, c.candidates, c.history); reason {
	case stopping.ReasonExhausted:
		log.Info("candidate data exhausted, stopping loop")
		if err := c.stop(ctx, reason); err != nil {
			return false, err
		}
		if c.finalizeOnExhaustion {
			if err := c.Finalize(ctx); err != nil {
				return false, err
			}
		}
		return false, nil
	case stopping.ReasonNoDiscovery:
		log.Info("not enough new discoveries, stopping loop",
			zap.Int("window", c.policy.Window),
			zap.Int("threshold", *c.policy.Threshold),
		)
		if err := c.stop(ctx, reason); err != nil {
			return false, err
		}
		return false, c.Finalize(ctx)
	}

	if finalizeOnly {
		return false, nil
	}

	// Hypotheses.
	log.Info("hypothesizing", zap.String("step", "hypothesize"), zap.String("agent", fmt.Sprintf("%T", c.agent)))
	start = c.now()
	hypotheses, err := c.agent.Hypotheses(ctx, c.candidates.Clone(), c.seed.Clone())
	c.observe("hypothesize", start)
	if err != nil {
		return false, fmt.Errorf("campaign: run: hypotheses: %w", err)
	}
	hypotheses = c.admissible(hypotheses)
	if reason := c.policy.Suggestions(hypotheses.Len()); reason.Stops() {
		log.Info("no agent suggestions, stopping loop")
		if err := c.stop(ctx, reason); err != nil {
			return false, err
		}
		return false, c.Finalize(ctx)
	}

	// Submission. Status goes first and the counter last so an interrupted
	// iteration resumes from the previous one.
	log.Info("running experiments", zap.String("step", "submit"), zap.Int("submitted", hypotheses.Len()))
	status, err := c.submit(ctx, hypotheses)
	if err != nil {
		return false, fmt.Errorf("campaign: run: %w", err)
	}
	c.jobStatus = status
	if err := c.save(ctx, fieldJobStatus, fieldExperiment); err != nil {
		return false, err
	}
	c.consumed.Add(hypotheses.IDs()...)
	if err := c.save(ctx, fieldConsumed); err != nil {
		return false, err
	}
	c.iteration++
	if err := c.save(ctx, fieldIteration); err != nil {
		return false, err
	}
	c.metrics.Iterations.Inc()
	c.record(ctx, journal.KindIterationCompleted, map[string]string{
		"discoveries": strconv.Itoa(summary.Discoveries),
		"submitted":   strconv.Itoa(hypotheses.Len()),
		"remaining":   strconv.Itoa(c.candidates.Len()),
	})
	return true, nil
}

func (c *Campaign) submit(ctx context.Context, batch ledger.Dataset) (JobStatus, error) {
	start := c.now()
	status, err := c.experiment.Submit(ctx, batch.Clone())
	c.observe("submit", start)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return status.Clone(), nil
}

// admissible drops hypotheses that are not remaining candidates or were
// already submitted.
func (c *Campaign) admissible(hypotheses ledger.Dataset) ledger.Dataset {
	kept := hypotheses.Filter(func(r ledger.Record) bool {
		return c.candidates.Has(r.ID) && !c.consumed.Contains(r.ID)
	})
	if dropped := hypotheses.Len() - kept.Len(); dropped > 0 {
		c.logger.Warn("dropping inadmissible hypotheses",
			zap.Int("dropped", dropped),
			zap.Int("kept", kept.Len()),
		)
	}
	return kept
}

// stop moves a running campaign to STOPPED. Later stops keep the first reason.
func (c *Campaign) stop(ctx context.Context, reason stopping.Reason) error {
	if c.state != StateRunning {
		return nil
	}
	c.state, c.reason = StateStopped, reason
	if err := c.save(ctx, fieldLoopState); err != nil {
		return err
	}
	c.metrics.Stops.WithLabelValues(reason.String()).Inc()
	c.record(ctx, journal.KindStopped, map[string]string{"reason": reason.String()})
	c.book.Info("stopped at iteration %d: %s", c.iteration, reason)
	return nil
}

func (c *Campaign) observe(step string, start time.Time) {
	c.metrics.StepDuration.WithLabelValues(step).Observe(c.now().Sub(start).Seconds())
}

// record appends to the journal when one is configured. Failures are logged.
func (c *Campaign) record(ctx context.Context, kind journal.Kind, fields map[string]string) {
	if c.journal == nil {
		return
	}
	if _, err := c.journal.Append(ctx, journal.Event{Kind: kind, Iteration: c.iteration, Fields: fields}); err != nil {
		c.logger.Warn("journal append failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
