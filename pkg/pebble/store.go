package pebblestore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/dmitrymomot/rollout/pkg/rollout"
)

// ErrDataDirRequired is returned by Open when Options.DataDir is empty.
var ErrDataDirRequired = errors.New("pebble: data dir is required")

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on every write.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever never forces a WAL sync from the application.
	FsyncModeNever
)

// ParseFsyncMode maps "always", "interval" or "never" to a FsyncMode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "always":
		return FsyncModeAlways, nil
	case "interval", "":
		return FsyncModeInterval, nil
	case "never":
		return FsyncModeNever, nil
	default:
		return FsyncModeUnspecified, errors.New("pebble: fsync mode must be always, interval or never")
	}
}

// Options configures the Pebble store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Metrics observes read and write latencies and sizes. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int) {}
func (NoopMetrics) ObserveRead(time.Duration, int)  {}

// Store is a rollout.Store over a Pebble database.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	metrics   MetricsHook
}

// Open creates or opens the database in opts.DataDir.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, ErrDataDirRequired
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	writeOpts := pebble.NoSync
	switch opts.Fsync {
	case FsyncModeAlways:
		writeOpts = pebble.Sync
	case FsyncModeNever:
	default:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
		writeOpts = pebble.Sync
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &Store{db: db, writeOpts: writeOpts, metrics: metrics}, nil
}

// Close closes the Pebble database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Conn returns a connection to the embedded database. Closing it is a no-op;
// the database stays open until Store.Close.
func (s *Store) Conn(ctx context.Context) (rollout.Conn, error) {
	return &conn{s: s}, nil
}

type conn struct {
	s *Store
}

func (c *conn) Get(ctx context.Context, key string) (string, error) {
	return c.s.get(c.s.db, key)
}

func (c *conn) Set(ctx context.Context, key, value string) error {
	start := time.Now()
	if err := c.s.db.Set([]byte(key), []byte(value), c.s.writeOpts); err != nil {
		return err
	}
	c.s.metrics.ObserveWrite(time.Since(start), len(key)+len(value))
	return nil
}

func (c *conn) MultiGet(ctx context.Context, keys ...string) ([]string, error) {
	snap := c.s.db.NewSnapshot()
	defer snap.Close()

	out := make([]string, len(keys))
	for i, key := range keys {
		val, err := c.s.get(snap, key)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

func (c *conn) Delete(ctx context.Context, key string) error {
	start := time.Now()
	if err := c.s.db.Delete([]byte(key), c.s.writeOpts); err != nil {
		return err
	}
	c.s.metrics.ObserveWrite(time.Since(start), len(key))
	return nil
}

func (c *conn) Exists(ctx context.Context, key string) (bool, error) {
	_, closer, err := c.s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (c *conn) Close() error { return nil }

// reader is satisfied by both *pebble.DB and *pebble.Snapshot.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

// get copies the value for key out of r. Missing keys read as "".
func (s *Store) get(r reader, key string) (string, error) {
	start := time.Now()
	val, closer, err := r.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	out := string(val)
	if err := closer.Close(); err != nil {
		return "", err
	}
	s.metrics.ObserveRead(time.Since(start), len(out))
	return out, nil
}
