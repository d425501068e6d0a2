package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kingrea/campaign-loop/internal/config"
	"github.com/kingrea/campaign-loop/internal/journal"
	"github.com/kingrea/campaign-loop/internal/logbook"
	"github.com/kingrea/campaign-loop/internal/logging"
	"github.com/kingrea/campaign-loop/internal/remote"
)

// DefaultLockTimeout is how long NewFromConfig waits for the directory lock.
const DefaultLockTimeout = 5 * time.Second

// NewFromConfig builds a campaign from a loaded config: it opens the log
// file and progress logbook, connects the remote syncer and the event
// journal when configured, and takes the directory lock. Options in opts
// are applied after the config-derived ones. Close releases everything.
func NewFromConfig(ctx context.Context, cfg *config.Config, collab Collaborators, opts ...Option) (*Campaign, error) {
	if cfg == nil {
		return nil, errMissing("config")
	}
	cc := cfg.Campaign
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	var owned []io.Closer
	fail := func(err error) (*Campaign, error) {
		for i := len(owned) - 1; i >= 0; i-- {
			_ = owned[i].Close()
		}
		return nil, err
	}

	logger, err := logging.New(cfg.WorkDir, logging.Options{Level: cc.Log.Level, Console: cc.Log.Console})
	if err != nil {
		return nil, err
	}
	owned = append(owned, logger)

	book, err := logbook.Open(cfg.LogsDir())
	if err != nil {
		return fail(err)
	}

	base := []Option{
		WithLogger(logger.Logger),
		WithLogbook(book),
		WithBootstrapSize(cc.BootstrapSize),
		WithFinalizeOnExhaustion(cc.ShouldFinalizeOnExhaustion()),
		WithLock(DefaultLockTimeout),
	}
	if cc.HeuristicStopperEnabled() {
		base = append(base, WithHeuristicStopper(*cc.HeuristicStopper))
	}
	if cc.Sync != nil {
		syncer, err := remote.NewGCSSyncer(ctx, remote.Config{
			Bucket:          cc.Sync.Bucket,
			Prefix:          cc.Sync.Prefix,
			CredentialsFile: cc.Sync.CredentialsFile,
			MinInterval:     cc.Sync.MinInterval,
			Concurrency:     cc.Sync.Concurrency,
		}, remote.WithLogger(logger.Logger))
		if err != nil {
			return fail(err)
		}
		owned = append(owned, syncer)
		base = append(base, WithSyncer(syncer))
	}

	c, err := New(ctx, cfg.WorkDir, collab, append(base, opts...)...)
	if err != nil {
		return fail(err)
	}
	for _, closer := range owned {
		c.AddCloser(closer)
	}

	if cc.Journal.Enabled && c.journal == nil {
		j, err := journal.Open(journal.Config{
			Path:   cfg.JournalDir(),
			Run:    c.RunID(),
			Logger: c.logger,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("campaign: %w", err), c.Close())
		}
		c.journal = j
		c.AddCloser(j)
	}
	return c, nil
}
