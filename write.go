package kvdisk

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// commitSet executes the write protocol described in SPEC_FULL.md section
// 4.1: reserve-if-absent, stage the new payload, then attempt a versioned
// update gated on the version token observed at lookup time. A lost race
// is not an error — the loser cleans up its staged file and returns.
func (c *Cache) commitSet(ctx context.Context, encodedKey []byte, raw bool, enc encodedValue, cfg *setConfig) error {
	id, version, oldFilename, err := c.reserveRow(ctx, encodedKey, raw)
	if err != nil {
		return err
	}

	if oldFilename != "" {
		err = c.files.remove(oldFilename)
		if err != nil {
			return err
		}
	}

	filename := ""

	switch {
	case enc.filenameSet:
		filename = enc.filename
	case enc.payload != nil:
		filename, err = c.files.put(enc.payload)
		if err != nil {
			return err
		}
	}

	var storeTime int64 = time.Now().Unix()

	var expireTime any

	if cfg.expire != nil {
		expireTime = time.Now().Add(*cfg.expire).Unix()
	}

	var tag any
	if cfg.tag != nil {
		tag = cfg.tag
	}

	var filenameArg any
	if filename != "" {
		filenameArg = filename
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE cache SET
			version = version + 1,
			store_time = ?,
			expire_time = ?,
			tag = ?,
			size = ?,
			mode = ?,
			filename = ?,
			value = ?
		WHERE id = ? AND version = ?`,
		storeTime, expireTime, tag, enc.size, int(enc.mode), filenameArg, enc.inline,
		id, version,
	)
	if err != nil {
		_ = c.files.remove(filename)

		return fmt.Errorf("commit set: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit set: %w", err)
	}

	if affected == 0 {
		// Another writer won the race for this version. Undo our own
		// side effect and leave the winner's row untouched.
		return c.files.remove(filename)
	}

	return c.runCull(ctx)
}

// reserveRow looks up the row for (encodedKey, raw), inserting a
// reservation if absent, and returns the row's id, observed version, and
// previously stored filename (empty if none / this is a fresh reservation).
func (c *Cache) reserveRow(ctx context.Context, encodedKey []byte, raw bool) (id, version int64, filename string, err error) {
	id, version, filename, found, err := c.lookupRow(ctx, encodedKey, raw)
	if err != nil {
		return 0, 0, "", err
	}

	if found {
		return id, version, filename, nil
	}

	_, err = c.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO cache (key, raw, version, store_time, mode) VALUES (?, ?, 0, NULL, ?)",
		encodedKey, boolToInt(raw), int(ModeNone))
	if err != nil {
		return 0, 0, "", fmt.Errorf("reserve row: %w", err)
	}

	id, version, filename, found, err = c.lookupRow(ctx, encodedKey, raw)
	if err != nil {
		return 0, 0, "", err
	}

	if !found {
		return 0, 0, "", fmt.Errorf("reserve row: row vanished after insert")
	}

	return id, version, filename, nil
}

func (c *Cache) lookupRow(ctx context.Context, encodedKey []byte, raw bool) (id, version int64, filename string, found bool, err error) {
	var nullableFilename sql.NullString

	row := c.db.QueryRowContext(ctx,
		"SELECT id, version, filename FROM cache WHERE key = ? AND raw = ?",
		encodedKey, boolToInt(raw))

	err = row.Scan(&id, &version, &nullableFilename)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, "", false, nil
		}

		return 0, 0, "", false, fmt.Errorf("lookup row: %w", err)
	}

	return id, version, nullableFilename.String, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
