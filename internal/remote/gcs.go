// Package remote mirrors a campaign working directory into Google Cloud
// Storage. It implements checkpoint.Syncer and checkpoint.ForceSyncer.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

const defaultConcurrency = 4

// ObjectWriter opens a writer for one object in the target bucket.
type ObjectWriter interface {
	NewWriter(ctx context.Context, object string) io.WriteCloser
}

// Config describes where and how often to upload.
type Config struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// MinInterval throttles Sync; zero uploads on every call.
	MinInterval time.Duration
	Concurrency int
}

// GCSSyncer uploads the top-level regular files of a directory.
type GCSSyncer struct {
	bucket      string
	prefix      string
	writer      ObjectWriter
	limiter     *rate.Limiter
	concurrency int
	logger      *zap.Logger
	closer      io.Closer
}

// Option customizes a GCSSyncer.
type Option func(*GCSSyncer)

// WithLogger routes upload diagnostics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *GCSSyncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObjectWriter replaces the GCS bucket handle, for tests or other stores.
func WithObjectWriter(w ObjectWriter) Option {
	return func(s *GCSSyncer) {
		s.writer = w
	}
}

// NewGCSSyncer connects to GCS unless WithObjectWriter supplies the bucket.
func NewGCSSyncer(ctx context.Context, cfg Config, opts ...Option) (*GCSSyncer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("remote: bucket is required")
	}
	s := &GCSSyncer{
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		concurrency: cfg.Concurrency,
		logger:      zap.NewNop(),
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if cfg.MinInterval > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.writer != nil {
		return s, nil
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("remote: credentials file %s: %w", cfg.CredentialsFile, err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("remote: create storage client: %w", err)
	}
	s.writer = bucketWriter{bucket: client.Bucket(cfg.Bucket)}
	s.closer = client
	return s, nil
}

// Sync uploads dir unless the throttle denies it, in which case the call is
// skipped rather than queued.
func (s *GCSSyncer) Sync(ctx context.Context, dir string) error {
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Debug("remote sync throttled", zap.String("bucket", s.bucket))
		return nil
	}
	return s.upload(ctx, dir)
}

// ForceSync uploads dir regardless of the throttle.
func (s *GCSSyncer) ForceSync(ctx context.Context, dir string) error {
	return s.upload(ctx, dir)
}

// Close releases the storage client when the syncer created it.
func (s *GCSSyncer) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ObjectName returns the object a local file name is uploaded to.
func (s *GCSSyncer) ObjectName(file string) string {
	if s.prefix == "" {
		return file
	}
	return path.Join(s.prefix, file)
}

func (s *GCSSyncer) upload(ctx context.Context, dir string) error {
	files, err := topLevelFiles(dir)
	if err != nil {
		return fmt.Errorf("remote: list %s: %w", dir, err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, name := range files {
		g.Go(func() error {
			return s.uploadFile(gctx, filepath.Join(dir, name), s.ObjectName(name))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Debug("remote sync complete",
		zap.String("bucket", s.bucket),
		zap.String("prefix", s.prefix),
		zap.Int("files", len(files)),
	)
	return nil
}

func (s *GCSSyncer) uploadFile(ctx context.Context, localPath, object string) (err error) {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("remote: open %s: %w", localPath, err)
	}
	defer src.Close()

	w := s.writer.NewWriter(ctx, object)
	if _, err := io.Copy(w, src); err != nil {
		closeErr := w.Close()
		return fmt.Errorf("remote: copy %s to gs://%s/%s: %w", localPath, s.bucket, object, errors.Join(err, closeErr))
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("remote: close gs://%s/%s: %w", s.bucket, object, err)
	}
	return nil
}

// topLevelFiles lists regular files directly inside dir, skipping hidden
// temp files and subdirectories such as backups.
func topLevelFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if name := entry.Name(); name[0] != '.' {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

type bucketWriter struct {
	bucket *storage.BucketHandle
}

func (b bucketWriter) NewWriter(ctx context.Context, object string) io.WriteCloser {
	w := b.bucket.Object(object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	return w
}
