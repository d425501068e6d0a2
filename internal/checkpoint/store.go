package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("campaign-loop/checkpoint")

var (
	// ErrCheckpointMissing is returned when a required checkpoint file does not exist.
	ErrCheckpointMissing = errors.New("checkpoint: missing checkpoint")
	// ErrUnknownEncoding is returned for an encoding the store does not implement.
	ErrUnknownEncoding = errors.New("checkpoint: unknown encoding")
	// ErrCorrupted is returned when a blob fails its magic, size or CRC check.
	ErrCorrupted = errors.New("checkpoint: corrupted checkpoint")
	// ErrSchemaMismatch is returned when a blob was written for another schema or type.
	ErrSchemaMismatch = errors.New("checkpoint: schema mismatch")
	// ErrLocked is returned when another process holds the working directory lock.
	ErrLocked = errors.New("checkpoint: working directory locked")
)

// IterationMarker names the checkpoint whose presence marks a prior run.
const IterationMarker = "iteration"

const (
	filePerm           = 0o644
	defaultLockTimeout = 5 * time.Second
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Encoding selects how a value is serialized on disk.
type Encoding string

const (
	// JSON is the structured, human-inspectable encoding for simple values.
	JSON Encoding = "json"
	// Blob is the opaque encoding for collaborator objects and datasets.
	Blob Encoding = "blob"
)

// Suffix returns the file extension for the encoding.
func (e Encoding) Suffix() (string, error) {
	switch e {
	case JSON:
		return ".json", nil
	case Blob:
		return ".blob", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, string(e))
	}
}

// Syncer mirrors the working directory somewhere else after a save.
type Syncer interface {
	Sync(ctx context.Context, dir string) error
}

// ForceSyncer is implemented by syncers that throttle Sync but can be asked
// to upload unconditionally.
type ForceSyncer interface {
	ForceSync(ctx context.Context, dir string) error
}

// Store reads and writes named state entities in one working directory.
type Store struct {
	dir           string
	logger        *zap.Logger
	syncer        Syncer
	metrics       *Metrics
	now           func() time.Time
	schemaVersion int
	lockPath      string
	lockTimeout   time.Duration
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger routes store diagnostics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSyncer installs the post-save remote sync hook.
func WithSyncer(syncer Syncer) Option {
	return func(s *Store) {
		s.syncer = syncer
	}
}

// WithMetrics records store traffic into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithSchemaVersion stamps blobs with version and rejects blobs written with
// any other version. Zero disables the check.
func WithSchemaVersion(version int) Option {
	return func(s *Store) {
		s.schemaVersion = version
	}
}

// WithLockFile overrides where the advisory lock lives and how long Lock waits.
func WithLockFile(path string, timeout time.Duration) Option {
	return func(s *Store) {
		if path != "" {
			s.lockPath = path
		}
		if timeout > 0 {
			s.lockTimeout = timeout
		}
	}
}

// New returns a store rooted at dir. The directory is created on first save.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint: directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: resolve %s: %w", dir, err)
	}
	s := &Store{
		dir:         abs,
		logger:      zap.NewNop(),
		metrics:     NewMetrics(nil),
		now:         time.Now,
		lockPath:    filepath.Join(abs, ".campaign", "campaign.lock"),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the absolute working directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file a named entity is stored in.
func (s *Store) Path(name string, enc Encoding) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("checkpoint: invalid entity name %q", name)
	}
	suffix, err := enc.Suffix()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name+suffix), nil
}

// Save durably writes value under name. A failed sync hook is logged and
// counted but does not fail the save.
func (s *Store) Save(ctx context.Context, name string, value any, enc Encoding) (err error) {
	ctx, span := tracer.Start(ctx, "checkpoint.save",
		trace.WithAttributes(
			attribute.String("checkpoint.entity", name),
			attribute.String("checkpoint.encoding", string(enc)),
		),
	)
	defer span.End()
	start := s.now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.SavesTotal.WithLabelValues(name, string(enc), status).Inc()
	}()

	path, err := s.Path(name, enc)
	if err != nil {
		return err
	}
	data, err := s.encode(value, enc)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", name, err)
	}
	dirErr, err := writeFileAtomic(path, data, filePerm)
	if err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", name, err)
	}
	if dirErr != nil {
		s.logger.Warn("checkpoint directory sync failed",
			zap.String("entity", name),
			zap.Error(dirErr),
		)
	}
	s.metrics.SaveDuration.WithLabelValues(string(enc)).Observe(s.now().Sub(start).Seconds())
	s.metrics.BytesWritten.WithLabelValues(string(enc)).Add(float64(len(data)))
	s.logger.Debug("checkpoint saved",
		zap.String("entity", name),
		zap.String("encoding", string(enc)),
		zap.Int("bytes", len(data)),
	)

	if s.syncer != nil {
		if syncErr := s.syncer.Sync(ctx, s.dir); syncErr != nil {
			s.metrics.SyncFailures.Inc()
			s.logger.Warn("remote sync failed",
				zap.String("entity", name),
				zap.Error(syncErr),
			)
		}
	}
	return nil
}

func (s *Store) encode(value any, enc Encoding) ([]byte, error) {
	switch enc {
	case JSON:
		encoded, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(encoded, '\n'), nil
	case Blob:
		return encodeBlob(value, s.schemaVersion, s.now())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, string(enc))
	}
}

// Load reads name into dst. When the file does not exist Load returns
// found=false, or ErrCheckpointMissing if required is set.
func (s *Store) Load(ctx context.Context, name string, enc Encoding, dst any, required bool) (found bool, err error) {
	_, span := tracer.Start(ctx, "checkpoint.load",
		trace.WithAttributes(
			attribute.String("checkpoint.entity", name),
			attribute.String("checkpoint.encoding", string(enc)),
			attribute.Bool("checkpoint.required", required),
		),
	)
	defer span.End()
	outcome := "ok"
	defer func() {
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.LoadsTotal.WithLabelValues(name, string(enc), outcome).Inc()
	}()

	path, err := s.Path(name, enc)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if required {
				return false, fmt.Errorf("%w: %s", ErrCheckpointMissing, filepath.Base(path))
			}
			outcome = "absent"
			return false, nil
		}
		return false, fmt.Errorf("checkpoint: read %s: %w", name, err)
	}

	switch enc {
	case JSON:
		if err := json.Unmarshal(data, dst); err != nil {
			return false, fmt.Errorf("checkpoint: decode %s: %w", name, err)
		}
	case Blob:
		if err := decodeBlob(data, dst, s.schemaVersion); err != nil {
			return false, fmt.Errorf("checkpoint: decode %s: %w", name, err)
		}
	}
	return true, nil
}

// Exists reports whether name has been saved with enc.
func (s *Store) Exists(name string, enc Encoding) (bool, error) {
	path, err := s.Path(name, enc)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checkpoint: stat %s: %w", name, err)
	}
	return info.Mode().IsRegular(), nil
}

// HasPriorRun reports whether the iteration marker exists. Nothing else is
// consulted when deciding between resume and a fresh start.
func (s *Store) HasPriorRun() (bool, error) {
	return s.Exists(IterationMarker, JSON)
}

// Inspect decodes the header of a blob checkpoint without its payload.
func (s *Store) Inspect(name string) (BlobInfo, error) {
	path, err := s.Path(name, Blob)
	if err != nil {
		return BlobInfo{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BlobInfo{}, fmt.Errorf("%w: %s", ErrCheckpointMissing, filepath.Base(path))
		}
		return BlobInfo{}, fmt.Errorf("checkpoint: read %s: %w", name, err)
	}
	header, _, err := readBlobHeader(data)
	if err != nil {
		return BlobInfo{}, err
	}
	return BlobInfo{
		SchemaVersion: header.SchemaVersion,
		Type:          header.Type,
		CreatedAt:     header.CreatedAt,
		Size:          header.Size,
	}, nil
}

// SyncNow uploads the working directory immediately, bypassing any throttling
// the syncer applies. Failures are logged and returned for the caller to
// ignore or surface.
func (s *Store) SyncNow(ctx context.Context) error {
	if s.syncer == nil {
		return nil
	}
	var err error
	if forcer, ok := s.syncer.(ForceSyncer); ok {
		err = forcer.ForceSync(ctx, s.dir)
	} else {
		err = s.syncer.Sync(ctx, s.dir)
	}
	if err != nil {
		s.metrics.SyncFailures.Inc()
		s.logger.Warn("forced remote sync failed", zap.Error(err))
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	return nil
}

// Lock takes the advisory working-directory lock.
func (s *Store) Lock(ctx context.Context) (*DirLock, error) {
	return AcquireLock(ctx, s.lockPath, s.lockTimeout)
}
