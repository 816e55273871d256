package kvdisk

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvdisk/kvdisk/internal/diskfs"
)

const (
	dbFileName            = "cache.sqlite3"
	defaultOperationTimeout = 60 * time.Second
)

// Cache is a persistent, process-safe key/value disk cache. See the
// package doc comment for an overview; a zero Cache is not usable, use
// [Open].
type Cache struct {
	dir     string
	db      *sql.DB
	files   *fileStore
	fsys    diskfs.FS
	settings *settings
	closed  atomic.Bool

	// indexMu guards lazy creation of the policy-specific and tag indexes
	// so concurrent goroutines in this process don't race to create the
	// same index; CREATE INDEX IF NOT EXISTS is itself safe across
	// processes.
	indexMu          sync.Mutex
	policyIndexReady string // policy name the index was last created for
	tagIndexReady    bool
}

// Open opens (creating if necessary) the cache rooted at dir.
func Open(ctx context.Context, dir string, opts ...Option) (*Cache, error) {
	cfg := &openConfig{settings: map[string]string{}, timeout: defaultOperationTimeout}
	for _, opt := range opts {
		opt(cfg)
	}

	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDirUnavailable, dir, err)
	}

	bootstrapTuning := storeTuning{
		synchronous:   "NORMAL",
		journalMode:   "WAL",
		cacheSize:     "8192",
		mmapSize:      "134217728",
		busyTimeoutMS: cfg.timeout.Milliseconds(),
	}

	dbPath := filepath.Join(dir, dbFileName)

	db, err := openSQLite(ctx, dbPath, bootstrapTuning)
	if err != nil {
		return nil, err
	}

	st, err := loadSettings(ctx, db, cfg.timeout)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	for name, value := range cfg.settings {
		err = st.set(ctx, name, value)
		if err != nil {
			_ = db.Close()

			return nil, err
		}
	}

	err = applyTuningPragmas(ctx, db, st.tuning())
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	fsys := diskfs.NewReal()

	c := &Cache{
		dir:      dir,
		db:       db,
		files:    newFileStore(dir, fsys),
		fsys:     fsys,
		settings: st,
	}

	err = c.ensurePolicyIndex(ctx)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return c, nil
}

// Close releases the underlying SQLite handle. Close is idempotent.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := c.db.Close()
	if err != nil {
		return fmt.Errorf("close cache: %w", err)
	}

	return nil
}

func (c *Cache) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}

	return nil
}

// Len returns the number of committed entries (Settings.count).
func (c *Cache) Len(ctx context.Context) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	var count int64

	row := c.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE name = 'count'")

	var s string

	err := row.Scan(&s)
	if err != nil {
		return 0, fmt.Errorf("read count: %w", err)
	}

	_, err = fmt.Sscanf(s, "%d", &count)
	if err != nil {
		return 0, fmt.Errorf("parse count: %w", err)
	}

	return int(count), nil
}

// Stats returns the current hit/miss counters. If enable is true,
// statistics collection is turned on (or left on); if reset is true, the
// counters are zeroed after being read.
func (c *Cache) Stats(ctx context.Context, enable, reset bool) (hits, misses int64, err error) {
	if err := c.checkOpen(); err != nil {
		return 0, 0, err
	}

	if enable {
		err = c.settings.set(ctx, "statistics", "1")
		if err != nil {
			return 0, 0, err
		}
	}

	hits = c.readCounter(ctx, "hits")
	misses = c.readCounter(ctx, "misses")

	if reset {
		_, err = c.db.ExecContext(ctx, "UPDATE settings SET value = '0' WHERE name IN ('hits', 'misses')")
		if err != nil {
			return hits, misses, fmt.Errorf("reset stats: %w", err)
		}
	}

	return hits, misses, nil
}

func (c *Cache) readCounter(ctx context.Context, name string) int64 {
	var s string

	row := c.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE name = ?", name)

	err := row.Scan(&s)
	if err != nil {
		return 0
	}

	var v int64

	_, _ = fmt.Sscanf(s, "%d", &v)

	return v
}

func (c *Cache) recordHitMiss(ctx context.Context, hit bool) {
	if !c.settings.statisticsEnabled() {
		return
	}

	column := "misses"
	if hit {
		column = "hits"
	}

	_, _ = c.db.ExecContext(ctx, fmt.Sprintf("UPDATE settings SET value = CAST(value AS INTEGER) + 1 WHERE name = '%s'", column))
}

// Set stores value under key, running the write protocol and cull
// pipeline described in SPEC_FULL.md section 4.1.
func (c *Cache) Set(ctx context.Context, key, value any, opts ...SetOption) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	cfg := &setConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	encodedKey, raw, err := encodeKey(key)
	if err != nil {
		return err
	}

	threshold := c.settings.getInt64("large_value_threshold")
	if threshold < 8 {
		threshold = 8
	}

	var enc encodedValue

	if reader, ok := value.(io.Reader); ok {
		rel, n, putErr := c.files.putStream(reader)
		if putErr != nil {
			return putErr
		}

		enc = encodedValue{mode: ModeBinary, payload: nil, size: n}
		enc.filenameSet = true
		enc.filename = rel
	} else {
		enc, err = encodeValue(value, threshold)
		if err != nil {
			return err
		}
	}

	return c.commitSet(ctx, encodedKey, raw, enc, cfg)
}

// encodedValue.filename/filenameSet let Set carry a path that was already
// written by a streaming put, bypassing the normal payload-bytes path.
