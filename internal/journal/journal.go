// Package journal keeps an append-only audit trail of campaign lifecycle
// events in BadgerDB. It is advisory: the checkpoint files remain the source
// of truth and the journal is never read back to restore state.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/campaign-loop/internal/logging"
)

var tracer = otel.Tracer("campaign-loop/journal")

var (
	// ErrClosed is returned by operations on a closed journal.
	ErrClosed = errors.New("journal: closed")
	// ErrCorrupted is returned when an entry fails its CRC check.
	ErrCorrupted = errors.New("journal: corrupted entry")
)

// Kind names a lifecycle event.
type Kind string

const (
	KindInitialized        Kind = "initialized"
	KindIterationCompleted Kind = "iteration_completed"
	KindStopped            Kind = "stopped"
	KindFinalized          Kind = "finalized"
	KindBackupTaken        Kind = "backup_taken"
)

// Event is one journal entry. Seq and Run are assigned by Append.
type Event struct {
	Seq       uint64            `json:"seq"`
	Run       string            `json:"run"`
	Kind      Kind              `json:"kind"`
	Iteration int               `json:"iteration"`
	At        time.Time         `json:"at"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Config selects where the journal lives.
type Config struct {
	Path     string
	InMemory bool
	// Run scopes keys so several runs can share one database.
	Run    string
	Logger *zap.Logger
}

// Journal is safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	db     *badger.DB
	run    string
	seq    uint64
	logger *zap.Logger
	closed bool
	now    func() time.Time
}

// Open opens or creates a journal and resumes its sequence counter.
func Open(cfg Config) (*Journal, error) {
	if cfg.Run == "" {
		return nil, fmt.Errorf("journal: run id is required")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("journal: path is required for a persistent journal")
	}
	logger := logging.OrNop(cfg.Logger).With(zap.String("component", "journal"), zap.String("run", cfg.Run))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("journal: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}
	j := &Journal{db: db, run: cfg.Run, logger: logger, now: time.Now}
	if err := j.loadSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: resume sequence: %w", err)
	}
	return j, nil
}

func (j *Journal) prefix() []byte {
	return []byte("event:" + j.run + ":")
}

func (j *Journal) key(seq uint64) []byte {
	return fmt.Appendf(j.prefix(), "%016d", seq)
}

func (j *Journal) loadSeq() error {
	prefix := j.prefix()
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		var seq uint64
		if _, err := fmt.Sscanf(string(it.Item().Key()[len(prefix):]), "%016d", &seq); err != nil {
			return fmt.Errorf("malformed key %q: %w", it.Item().Key(), err)
		}
		j.seq = seq
		return nil
	})
}

// Append stores ev with the next sequence number and returns it as written.
func (j *Journal) Append(ctx context.Context, ev Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	_, span := tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("journal.run", j.run),
			attribute.String("journal.kind", string(ev.Kind)),
		),
	)
	defer span.End()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Event{}, ErrClosed
	}

	ev.Seq = j.seq + 1
	ev.Run = j.run
	if ev.At.IsZero() {
		ev.At = j.now().UTC()
	}
	data, err := encodeEntry(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return Event{}, fmt.Errorf("journal: encode: %w", err)
	}
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(j.key(ev.Seq), data)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return Event{}, fmt.Errorf("journal: write: %w", err)
	}
	j.seq = ev.Seq
	span.SetAttributes(attribute.Int64("journal.seq", int64(ev.Seq)))
	j.logger.Debug("event appended",
		zap.Uint64("seq", ev.Seq),
		zap.String("kind", string(ev.Kind)),
		zap.Int("iteration", ev.Iteration),
	)
	return ev, nil
}

// Replay returns every event of this run in sequence order.
func (j *Journal) Replay(ctx context.Context) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	var events []Event
	prefix := j.prefix()
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				ev, err := decodeEntry(val)
				if err != nil {
					return err
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: replay: %w", err)
	}
	return events, nil
}

// LastSeq returns the sequence number of the most recent event.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the database. Safe to call more than once.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

// encodeEntry frames the JSON event with a CRC32 prefix.
func encodeEntry(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, crc32.ChecksumIEEE(body))
	return append(out, body...), nil
}

func decodeEntry(data []byte) (Event, error) {
	if len(data) < 4 {
		return Event{}, fmt.Errorf("%w: short entry", ErrCorrupted)
	}
	body := data[4:]
	if stored, computed := binary.BigEndian.Uint32(data[:4]), crc32.ChecksumIEEE(body); stored != computed {
		return Event{}, fmt.Errorf("%w: crc32 stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return ev, nil
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
