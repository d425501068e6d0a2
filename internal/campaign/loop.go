package campaign

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/campaign-loop/internal/backup"
	"github.com/kingrea/campaign-loop/internal/config"
	"github.com/kingrea/campaign-loop/internal/journal"
)

// LoopOptions controls AutoLoop.
type LoopOptions struct {
	// MaxIterations bounds the loop: Run is called while the iteration
	// counter is at most MaxIterations.
	MaxIterations int
	// Monitor polls the experiment between rounds.
	Monitor bool
	// Initialize calls Initialize(RandomSeed) before the first round.
	Initialize bool
	// Backup snapshots the checkpoint files before the first round (label
	// "-1") and after every round (label = the iteration just completed).
	Backup     bool
	RandomSeed int64
}

// LoopOptionsFrom maps the loop settings of a campaign config.
func LoopOptionsFrom(cc config.Campaign) LoopOptions {
	return LoopOptions{
		MaxIterations: cc.MaxIterations,
		Monitor:       cc.Monitor,
		Backup:        cc.Backup,
		RandomSeed:    cc.RandomSeed,
	}
}

// AutoLoop runs iterations until the campaign stops or the iteration bound
// is reached, then makes a final finalize-only pass and finalizes.
func (c *Campaign) AutoLoop(ctx context.Context, opts LoopOptions) (err error) {
	ctx, span := tracer.Start(ctx, "campaign.auto_loop",
		trace.WithAttributes(
			attribute.Int("campaign.max_iterations", opts.MaxIterations),
			attribute.Bool("campaign.initialize", opts.Initialize),
		),
	)
	defer func() { endSpan(span, err) }()

	if opts.Initialize {
		if err := c.Initialize(ctx, opts.RandomSeed); err != nil {
			return err
		}
		if opts.Backup {
			if err := c.backup(ctx, backup.PreRunLabel); err != nil {
				return err
			}
		}
	}

	for opts.MaxIterations-c.iteration >= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("campaign: auto loop: %w", err)
		}
		c.logger.Info("iteration", zap.Int("iteration", c.iteration))
		continues, err := c.Run(ctx, false)
		if err != nil {
			return err
		}
		if !continues {
			break
		}
		c.logger.Debug("waiting for next round")
		if opts.Monitor {
			if err := c.experiment.Monitor(ctx); err != nil {
				return fmt.Errorf("campaign: auto loop: monitor: %w", err)
			}
		}
		if opts.Backup {
			if err := c.backup(ctx, backup.Label(c.iteration-1)); err != nil {
				return err
			}
		}
	}

	if _, err := c.Run(ctx, true); err != nil {
		return err
	}
	return c.Finalize(ctx)
}

// backup snapshots the checkpoint files. An existing snapshot with the same
// label, left by an interrupted earlier process, is kept as is.
func (c *Campaign) backup(ctx context.Context, label string) error {
	target, err := backup.Backup(c.dir, label)
	if errors.Is(err, backup.ErrExists) {
		c.logger.Warn("backup already exists, keeping it", zap.String("label", label))
		return nil
	}
	if err != nil {
		return fmt.Errorf("campaign: %w", err)
	}
	c.record(ctx, journal.KindBackupTaken, map[string]string{"label": label})
	c.logger.Debug("backup taken", zap.String("path", target))
	return nil
}

// Finalize runs the analyzer's Finalizer (at most once per campaign), forces
// a remote sync and marks the campaign FINALIZED. Calling it again is a
// no-op.
func (c *Campaign) Finalize(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "campaign.finalize",
		trace.WithAttributes(attribute.Int("campaign.iteration", c.iteration)),
	)
	defer func() { endSpan(span, err) }()

	switch c.state {
	case StateUnstarted:
		return ErrNotInitialized
	case StateFinalized:
		return nil
	}

	c.logger.Info("finalizing campaign", zap.String("reason", c.reason.String()))
	if finalizer, ok := c.analyzer.(Finalizer); ok {
		if err := finalizer.Finalize(ctx, c.dir); err != nil {
			return fmt.Errorf("campaign: finalize: %w", err)
		}
	}
	_ = c.store.SyncNow(ctx)

	c.state = StateFinalized
	if err := c.save(ctx, fieldLoopState); err != nil {
		return err
	}
	c.record(ctx, journal.KindFinalized, map[string]string{"reason": c.reason.String()})
	c.book.Info("finalized after %d iterations (%d discoveries)", c.iteration, c.history.TotalDiscoveries())
	return nil
}
