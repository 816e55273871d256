package kvdisk

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// openSQLite opens the cache's SQLite database, applies the configured
// store-tuning PRAGMAs, creates the schema if absent, and checks the
// stored schema generation against currentSchemaVersion.
func openSQLite(ctx context.Context, path string, tuning storeTuning) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Single-writer access through database/sql's pool avoids SQLITE_BUSY
	// from this process's own concurrent goroutines; cross-process
	// contention is still bounded by busy_timeout.
	db.SetMaxOpenConns(1)

	err = applyTuningPragmas(ctx, db, tuning)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	version, err := storedSchemaVersion(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	if version != 0 && version > currentSchemaVersion {
		_ = db.Close()

		return nil, fmt.Errorf("%w: stored version %d, supported %d", ErrSchemaVersion, version, currentSchemaVersion)
	}

	_, err = db.ExecContext(ctx, createSchema)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create schema: %w", err)
	}

	if version == 0 {
		err = seedSettings(ctx, db)
		if err != nil {
			_ = db.Close()

			return nil, err
		}

		err = setSchemaVersion(ctx, db, currentSchemaVersion)
		if err != nil {
			_ = db.Close()

			return nil, err
		}
	}

	return db, nil
}

// storeTuning carries the four store-level PRAGMA settings applied at
// open, plus the busy_timeout derived from the configured operation
// timeout.
type storeTuning struct {
	synchronous string
	journalMode string
	cacheSize   string
	mmapSize    string
	busyTimeoutMS int64
}

func applyTuningPragmas(ctx context.Context, db *sql.DB, t storeTuning) error {
	stmt := fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = %s;
		PRAGMA synchronous = %s;
		PRAGMA cache_size = %s;
		PRAGMA mmap_size = %s;
		PRAGMA temp_store = MEMORY;
	`, t.busyTimeoutMS, t.journalMode, t.synchronous, t.cacheSize, t.mmapSize)

	_, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

func storedSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, "PRAGMA user_version")

	var version int

	err := row.Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}

	return version, nil
}

func setSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
	if err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func seedSettings(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed settings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO settings (name, value) VALUES (?, ?)")
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("prepare seed settings: %w", err)
	}

	defer func() { _ = stmt.Close() }()

	for name, value := range defaultSettings {
		_, err = stmt.ExecContext(ctx, name, value)
		if err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("seed setting %s: %w", name, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit seed settings: %w", err)
	}

	return nil
}
