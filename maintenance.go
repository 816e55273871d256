package kvdisk

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Expire chunks through rows whose expire_time has passed, deleting them
// in batches of cull_limit, and returns the total number removed. The
// lower bound advances with the last seen (expire_time, rowid) pair so the
// scan makes progress under concurrent inserts rather than restarting from
// the same cursor, while rows sharing an expire_time are not skipped.
func (c *Cache) Expire(ctx context.Context) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	limit := c.settings.getInt64("cull_limit")
	if limit <= 0 {
		limit = 10
	}

	var (
		total      int
		lastSeen   int64 = -1
		lastSeenID int64 = -1
	)

	for {
		rows, err := c.db.QueryContext(ctx, `
			SELECT id, version, filename, expire_time FROM cache
			WHERE expire_time IS NOT NULL AND expire_time < ?
				AND (expire_time > ? OR (expire_time = ? AND id > ?))
			ORDER BY expire_time ASC, id ASC LIMIT ?`,
			time.Now().Unix(), lastSeen, lastSeen, lastSeenID, limit)
		if err != nil {
			return total, fmt.Errorf("select expired: %w", err)
		}

		type candidate struct {
			id         int64
			version    int64
			filename   string
			expireTime int64
		}

		var batch []candidate

		for rows.Next() {
			var (
				id       int64
				version  int64
				filename sql.NullString
				expire   int64
			)

			err = rows.Scan(&id, &version, &filename, &expire)
			if err != nil {
				_ = rows.Close()

				return total, fmt.Errorf("scan expired: %w", err)
			}

			batch = append(batch, candidate{id: id, version: version, filename: filename.String, expireTime: expire})
		}

		err = rows.Err()
		if err != nil {
			return total, fmt.Errorf("select expired: %w", err)
		}

		_ = rows.Close()

		if len(batch) == 0 {
			return total, nil
		}

		for _, cand := range batch {
			deleted, err := c.deleteRow(ctx, cand.id, cand.version, cand.filename)
			if err != nil {
				return total, err
			}

			if deleted {
				total++
			}
			// Whether or not the row was still at this version, a
			// concurrent writer has already observed and handled it;
			// advance the cursor past it either way.
			lastSeen = cand.expireTime
			lastSeenID = cand.id
		}
	}
}

// Evict deletes every entry carrying tag, chunking through matches ordered
// by rowid in batches of cull_limit, and returns the total number removed.
func (c *Cache) Evict(ctx context.Context, tag []byte) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	err := c.ensureTagIndex(ctx)
	if err != nil {
		return 0, err
	}

	limit := c.settings.getInt64("cull_limit")
	if limit <= 0 {
		limit = 10
	}

	var total int

	for {
		n, err := c.evictBatch(ctx, tag, limit)
		if err != nil {
			return total, err
		}

		total += n

		if n == 0 {
			return total, nil
		}
	}
}

func (c *Cache) evictBatch(ctx context.Context, tag []byte, limit int64) (int, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT id, version, filename FROM cache WHERE tag = ? ORDER BY id ASC LIMIT ?", tag, limit)
	if err != nil {
		return 0, fmt.Errorf("select tagged: %w", err)
	}

	n, err := c.deleteRowBatch(ctx, rows)

	return int(n), err
}

func (c *Cache) ensureTagIndex(ctx context.Context) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	if c.tagIndexReady {
		return nil
	}

	_, err := c.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_cache_tag_id ON cache(tag, id)")
	if err != nil {
		return fmt.Errorf("create tag index: %w", err)
	}

	c.tagIndexReady = true

	return nil
}

// Clear deletes every entry in the cache, chunking through all rows by
// rowid in batches of cull_limit, and returns the total number removed.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	limit := c.settings.getInt64("cull_limit")
	if limit <= 0 {
		limit = 10
	}

	var total int

	for {
		rows, err := c.db.QueryContext(ctx, "SELECT id, version, filename FROM cache ORDER BY id ASC LIMIT ?", limit)
		if err != nil {
			return total, fmt.Errorf("select all: %w", err)
		}

		n, err := c.deleteRowBatch(ctx, rows)
		total += int(n)

		if err != nil {
			return total, err
		}

		if n == 0 {
			return total, nil
		}
	}
}

// Check runs the consistency checker described in SPEC_FULL.md section
// 4.5: store integrity check, counter reconciliation, reservation-row
// detection, a walk of the Cache table verifying each filename exists, and
// a walk of the directory tree reporting unreferenced files and empty
// directories. When fix is true, problems found are repaired and the
// store is compacted.
func (c *Cache) Check(ctx context.Context, fix bool) (Report, error) {
	if err := c.checkOpen(); err != nil {
		return Report{}, err
	}

	var report Report

	err := c.checkIntegrity(ctx, &report)
	if err != nil {
		return report, err
	}

	err = c.checkCounters(ctx, &report)
	if err != nil {
		return report, err
	}

	err = c.checkReservations(ctx, &report, fix)
	if err != nil {
		return report, err
	}

	err = c.checkFiles(ctx, &report, fix)
	if err != nil {
		return report, err
	}

	if fix {
		err = c.fixCounters(ctx, &report)
		if err != nil {
			return report, err
		}

		_, err = c.db.ExecContext(ctx, "VACUUM")
		if err != nil {
			return report, fmt.Errorf("vacuum: %w", err)
		}

		report.Fixed = true
	}

	return report, nil
}

func (c *Cache) checkIntegrity(ctx context.Context, report *Report) error {
	rows, err := c.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var msg string

		err = rows.Scan(&msg)
		if err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}

		report.IntegrityMessages = append(report.IntegrityMessages, msg)
	}

	report.IntegrityOK = len(report.IntegrityMessages) == 1 && report.IntegrityMessages[0] == "ok"

	return rows.Err()
}

func (c *Cache) checkCounters(ctx context.Context, report *Report) error {
	var actualCount int64

	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache WHERE store_time IS NOT NULL").Scan(&actualCount)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}

	recordedCount := c.readCounter(ctx, "count")
	if recordedCount != actualCount {
		report.CountMismatch = &CountMismatch{Recorded: recordedCount, Actual: actualCount}
	}

	var actualSize sql.NullInt64

	err = c.db.QueryRowContext(ctx, "SELECT SUM(size) FROM cache").Scan(&actualSize)
	if err != nil {
		return fmt.Errorf("sum size: %w", err)
	}

	recordedSize := c.readCounter(ctx, "size")
	if recordedSize != actualSize.Int64 {
		report.SizeMismatch = &SizeMismatch{Recorded: recordedSize, Actual: actualSize.Int64}
	}

	return nil
}

func (c *Cache) checkReservations(ctx context.Context, report *Report, fix bool) error {
	rows, err := c.db.QueryContext(ctx, "SELECT id, version FROM cache WHERE store_time IS NULL")
	if err != nil {
		return fmt.Errorf("select reservations: %w", err)
	}

	type reservation struct {
		id      int64
		version int64
	}

	var reservations []reservation

	for rows.Next() {
		var r reservation

		err = rows.Scan(&r.id, &r.version)
		if err != nil {
			_ = rows.Close()

			return fmt.Errorf("scan reservation: %w", err)
		}

		reservations = append(reservations, r)
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("select reservations: %w", err)
	}

	_ = rows.Close()

	ids := make([]int64, 0, len(reservations))
	for _, r := range reservations {
		ids = append(ids, r.id)
	}

	report.ReservationRows = ids

	if !fix {
		return nil
	}

	for _, r := range reservations {
		// A reservation a concurrent Set has since committed is no
		// longer a reservation; deleteRow's version guard leaves it
		// alone rather than deleting the now-live row.
		_, err = c.deleteRow(ctx, r.id, r.version, "")
		if err != nil {
			return fmt.Errorf("delete reservation %d: %w", r.id, err)
		}
	}

	return nil
}

func (c *Cache) checkFiles(ctx context.Context, report *Report, fix bool) error {
	rows, err := c.db.QueryContext(ctx, "SELECT id, version, filename FROM cache WHERE filename IS NOT NULL")
	if err != nil {
		return fmt.Errorf("select filenames: %w", err)
	}

	referenced := make(map[string]bool)
	// versions tracks each missing row's version alongside report.MissingFiles,
	// which stays a public (RowID, Filename) pair — the version gates the
	// fix-mode delete below without growing the public Report surface.
	versions := make(map[int64]int64)

	for rows.Next() {
		var (
			id       int64
			version  int64
			filename string
		)

		err = rows.Scan(&id, &version, &filename)
		if err != nil {
			_ = rows.Close()

			return fmt.Errorf("scan filename: %w", err)
		}

		referenced[filepath.Clean(filename)] = true

		exists, existsErr := c.files.exists(filename)
		if existsErr != nil {
			_ = rows.Close()

			return existsErr
		}

		if !exists {
			report.MissingFiles = append(report.MissingFiles, MissingFile{RowID: id, Filename: filename})
			versions[id] = version
		}
	}

	err = rows.Err()
	if err != nil {
		return fmt.Errorf("select filenames: %w", err)
	}

	_ = rows.Close()

	if fix {
		for _, m := range report.MissingFiles {
			// A row a concurrent writer has since rewritten with a fresh
			// file is no longer dangling; deleteRow's version guard skips it.
			_, err = c.deleteRow(ctx, m.RowID, versions[m.RowID], "")
			if err != nil {
				return fmt.Errorf("delete dangling row %d: %w", m.RowID, err)
			}
		}
	}

	return c.walkDirectoryTree(report, referenced, fix)
}

// walkDirectoryTree finds .val files with no referencing row and
// hex-prefix subdirectories left empty, reporting both. The cache's own
// database file is ignored.
func (c *Cache) walkDirectoryTree(report *Report, referenced map[string]bool, fix bool) error {
	entries, err := c.fsys.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("walk cache dir: %w", err)
	}

	for _, top := range entries {
		if !top.IsDir() {
			continue
		}

		topPath := filepath.Join(c.dir, top.Name())

		subs, err := c.fsys.ReadDir(topPath)
		if err != nil {
			return fmt.Errorf("walk %s: %w", topPath, err)
		}

		for _, sub := range subs {
			if !sub.IsDir() {
				continue
			}

			subPath := filepath.Join(topPath, sub.Name())

			files, err := c.fsys.ReadDir(subPath)
			if err != nil {
				return fmt.Errorf("walk %s: %w", subPath, err)
			}

			remaining := 0

			for _, f := range files {
				if f.IsDir() || !strings.HasSuffix(f.Name(), ".val") {
					continue
				}

				rel := filepath.Join(top.Name(), sub.Name(), f.Name())

				if !referenced[filepath.Clean(rel)] {
					report.UnreferencedFiles = append(report.UnreferencedFiles, rel)

					if fix {
						_ = c.fsys.Remove(filepath.Join(c.dir, rel))

						continue
					}
				}

				remaining++
			}

			if remaining == 0 {
				report.EmptyDirectories = append(report.EmptyDirectories, filepath.Join(top.Name(), sub.Name()))
			}
		}
	}

	if fix {
		for _, dir := range report.EmptyDirectories {
			_ = c.fsys.Remove(filepath.Join(c.dir, dir))
		}
	}

	return nil
}

func (c *Cache) fixCounters(ctx context.Context, report *Report) error {
	if report.CountMismatch != nil {
		_, err := c.db.ExecContext(ctx,
			"UPDATE settings SET value = ? WHERE name = 'count'",
			fmt.Sprint(report.CountMismatch.Actual))
		if err != nil {
			return fmt.Errorf("fix count: %w", err)
		}
	}

	if report.SizeMismatch != nil {
		_, err := c.db.ExecContext(ctx,
			"UPDATE settings SET value = ? WHERE name = 'size'",
			fmt.Sprint(report.SizeMismatch.Actual))
		if err != nil {
			return fmt.Errorf("fix size: %w", err)
		}
	}

	return nil
}
