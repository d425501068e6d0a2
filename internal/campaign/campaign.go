package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/kingrea/campaign-loop/internal/checkpoint"
	"github.com/kingrea/campaign-loop/internal/journal"
	"github.com/kingrea/campaign-loop/internal/ledger"
	"github.com/kingrea/campaign-loop/internal/logbook"
	"github.com/kingrea/campaign-loop/internal/stopping"
)

var tracer = otel.Tracer("campaign-loop/campaign")

var (
	// ErrAlreadyInitialized is returned by Initialize on a campaign that has
	// already submitted work, including one resumed from disk.
	ErrAlreadyInitialized = errors.New("campaign: already initialized")
	// ErrNotInitialized is returned by Run and Finalize before Initialize.
	ErrNotInitialized = errors.New("campaign: not initialized")
	// ErrNoSeedSource is returned by Initialize when there is neither a seed
	// dataset nor a bootstrap size to produce the first batch from.
	ErrNoSeedSource = errors.New("campaign: no seed data available; supply a seed dataset or a bootstrap size")
	// ErrNoInitialWork is returned when the first batch comes back empty.
	ErrNoInitialWork = errors.New("campaign: initial hypotheses are empty")
)

func errMissing(what string) error {
	return fmt.Errorf("campaign: %s is required", what)
}

// EventJournal records lifecycle events. *journal.Journal satisfies it.
type EventJournal interface {
	Append(ctx context.Context, ev journal.Event) (journal.Event, error)
}

// Campaign drives the discovery loop for one working directory. It is not
// safe for concurrent use.
type Campaign struct {
	dir   string
	store *checkpoint.Store

	agent      Agent
	experiment Experiment
	analyzer   Analyzer

	bootstrapSize        int
	policy               stopping.Policy
	finalizeOnExhaustion bool

	iteration  int
	candidates ledger.Dataset
	seed       ledger.Dataset
	history    ledger.History
	consumed   ledger.Consumed
	jobStatus  JobStatus
	state      LoopState
	reason     stopping.Reason
	runID      string

	logger    *zap.Logger
	book      *logbook.Logbook
	journal   EventJournal
	metrics   *Metrics
	now       func() time.Time
	storeOpts []checkpoint.Option

	lockTimeout time.Duration
	lock        *checkpoint.DirLock
	closers     []io.Closer
}

// Option customizes a Campaign.
type Option func(*Campaign)

// WithSeed supplies the initial labeled dataset. Its IDs are removed from
// the candidate space.
func WithSeed(seed ledger.Dataset) Option {
	return func(c *Campaign) {
		c.seed = seed.Clone()
	}
}

// WithBootstrapSize asks Initialize to submit a random sample of size k.
// Ignored when resuming.
func WithBootstrapSize(k int) Option {
	return func(c *Campaign) {
		c.bootstrapSize = k
	}
}

// WithHeuristicStopper stops the loop once the iteration counter exceeds
// threshold and the trailing window of history holds no discoveries.
func WithHeuristicStopper(threshold int) Option {
	return func(c *Campaign) {
		c.policy = stopping.New(threshold)
	}
}

// WithStoppingPolicy replaces the whole stopping policy.
func WithStoppingPolicy(p stopping.Policy) Option {
	return func(c *Campaign) {
		c.policy = p
	}
}

// WithFinalizeOnExhaustion controls whether running out of candidates
// finalizes the campaign immediately. Defaults to true.
func WithFinalizeOnExhaustion(enabled bool) Option {
	return func(c *Campaign) {
		c.finalizeOnExhaustion = enabled
	}
}

// WithSyncer mirrors the working directory after each checkpoint save.
func WithSyncer(s checkpoint.Syncer) Option {
	return func(c *Campaign) {
		if s != nil {
			c.storeOpts = append(c.storeOpts, checkpoint.WithSyncer(s))
		}
	}
}

// WithLogger routes structured diagnostics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Campaign) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithLogbook appends human-readable progress lines to book.
func WithLogbook(book *logbook.Logbook) Option {
	return func(c *Campaign) {
		c.book = book
	}
}

// WithJournal records lifecycle events. Journal failures are logged only.
func WithJournal(j EventJournal) Option {
	return func(c *Campaign) {
		c.journal = j
	}
}

// WithMetrics registers campaign and checkpoint metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Campaign) {
		c.metrics = NewMetrics(reg)
		c.storeOpts = append(c.storeOpts, checkpoint.WithMetrics(checkpoint.NewMetrics(reg)))
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Campaign) {
		if clock != nil {
			c.now = clock
			c.storeOpts = append(c.storeOpts, checkpoint.WithClock(clock))
		}
	}
}

// WithLock holds the working-directory lock for the campaign's lifetime,
// waiting up to timeout for another holder to release it.
func WithLock(timeout time.Duration) Option {
	return func(c *Campaign) {
		c.lockTimeout = timeout
	}
}

// WithSchemaVersion stamps and checks the blob schema version.
func WithSchemaVersion(version int) Option {
	return func(c *Campaign) {
		c.storeOpts = append(c.storeOpts, checkpoint.WithSchemaVersion(version))
	}
}

// New opens a campaign in dir. If the iteration marker exists the campaign
// resumes from the checkpoints; otherwise it starts fresh and must be
// initialized.
func New(ctx context.Context, dir string, collab Collaborators, opts ...Option) (*Campaign, error) {
	if err := collab.validate(); err != nil {
		return nil, err
	}
	c := &Campaign{
		agent:                collab.Agent,
		experiment:           collab.Experiment,
		analyzer:             collab.Analyzer,
		policy:               stopping.Disabled(),
		finalizeOnExhaustion: true,
		jobStatus:            JobStatus{},
		state:                StateUnstarted,
		logger:               zap.NewNop(),
		metrics:              NewMetrics(nil),
		now:                  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	storeOpts := append([]checkpoint.Option{checkpoint.WithLogger(c.logger)}, c.storeOpts...)
	if c.lockTimeout > 0 {
		storeOpts = append(storeOpts, checkpoint.WithLockFile("", c.lockTimeout))
	}
	store, err := checkpoint.New(dir, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("campaign: %w", err)
	}
	c.store = store
	c.dir = store.Dir()

	if c.lockTimeout > 0 {
		lock, err := store.Lock(ctx)
		if err != nil {
			return nil, fmt.Errorf("campaign: %w", err)
		}
		c.lock = lock
	}

	c.candidates = collab.Candidates.Without(c.seed.IDs())

	prior, err := store.HasPriorRun()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("campaign: %w", err)
	}
	if prior {
		if err := c.resume(ctx); err != nil {
			c.Close()
			return nil, err
		}
	} else {
		c.runID = uuid.NewString()
	}
	c.logger = c.logger.With(zap.String("run_id", c.runID))
	c.metrics.Candidates.Set(float64(c.candidates.Len()))

	c.logger.Info("campaign opened",
		zap.String("dir", c.dir),
		zap.Bool("resumed", prior),
		zap.String("state", string(c.state)),
		zap.Int("iteration", c.iteration),
		zap.Int("candidates", c.candidates.Len()),
		zap.Int("seed", c.seed.Len()),
	)
	return c, nil
}

func (c *Campaign) resume(ctx context.Context) error {
	for _, f := range resumeOrder {
		if err := c.load(ctx, f); err != nil {
			return err
		}
		if f == fieldJobStatus {
			if restorer, ok := c.experiment.(JobStatusRestorer); ok {
				restorer.RestoreJobStatus(c.jobStatus.Clone())
			}
		}
	}
	if c.state == "" || c.state == StateUnstarted {
		c.state = StateRunning
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	c.bootstrapSize = 0
	c.candidates = c.candidates.Without(c.seed.IDs())
	c.book.Info("resumed at iteration %d (%s)", c.iteration, c.state)
	return nil
}

// Close releases the working-directory lock and any resources handed to the
// campaign with AddCloser. Safe to call more than once.
func (c *Campaign) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if err := c.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	c.lock = nil
	return errors.Join(errs...)
}

// AddCloser ties the lifetime of r to the campaign. Closers run in reverse
// order of registration.
func (c *Campaign) AddCloser(r io.Closer) {
	if r != nil {
		c.closers = append(c.closers, r)
	}
}

// Dir returns the absolute working directory.
func (c *Campaign) Dir() string { return c.dir }

// RunID identifies this campaign across restarts.
func (c *Campaign) RunID() string { return c.runID }

// Iteration returns the number of completed submitting iterations.
func (c *Campaign) Iteration() int { return c.iteration }

// State returns the lifecycle state.
func (c *Campaign) State() LoopState { return c.state }

// StopReason returns why the campaign stopped, if it has.
func (c *Campaign) StopReason() stopping.Reason { return c.reason }

// Candidates returns a copy of the remaining candidate set.
func (c *Campaign) Candidates() ledger.Dataset { return c.candidates.Clone() }

// Seed returns a copy of the accumulated seed dataset.
func (c *Campaign) Seed() ledger.Dataset { return c.seed.Clone() }

// History returns a copy of the iteration summaries.
func (c *Campaign) History() ledger.History { return slices.Clone(c.history) }

// Consumed returns the submitted candidate IDs in submission order.
func (c *Campaign) Consumed() []string { return c.consumed.IDs() }

// JobStatus returns a copy of the last job status.
func (c *Campaign) JobStatus() JobStatus { return c.jobStatus.Clone() }

// Store exposes the checkpoint store backing the campaign.
func (c *Campaign) Store() *checkpoint.Store { return c.store }

func zapEntity(name string) zap.Field {
	return zap.String("entity", name)
}
