package kvdisk

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"
)

// Get returns the value stored under key, or a zero [Result] with Found
// false on a miss: absent key, uncommitted reservation, expiry, or a row
// whose backing file has disappeared (per SPEC_FULL.md section 4.1 read
// protocol).
func (c *Cache) Get(ctx context.Context, key any, opts ...GetOption) (Result, error) {
	if err := c.checkOpen(); err != nil {
		return Result{}, err
	}

	cfg := &getConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	encodedKey, raw, err := encodeKey(key)
	if err != nil {
		return Result{}, err
	}

	e, found, err := c.loadEntry(ctx, encodedKey, raw)
	if err != nil {
		return Result{}, err
	}

	if !found || e.storeTime == nil {
		c.recordHitMiss(ctx, false)

		return Result{Found: false}, nil
	}

	if e.expireTime != nil && *e.expireTime < time.Now().Unix() {
		c.recordHitMiss(ctx, false)

		return Result{Found: false}, nil
	}

	value, miss, err := c.fetchPayload(e, cfg.stream)
	if err != nil {
		return Result{}, err
	}

	if miss {
		c.recordHitMiss(ctx, false)

		return Result{Found: false}, nil
	}

	c.recordHitMiss(ctx, true)

	err = c.applyReadSideEffect(ctx, e)
	if err != nil {
		return Result{}, err
	}

	res := Result{Value: value, Found: true}

	if cfg.withExpire {
		res.ExpireTime = e.expireTime
	}

	if cfg.withTag {
		res.Tag = e.tag
	}

	return res, nil
}

// Fetch is the indexed-read equivalent of Get: it returns [ErrKeyNotFound]
// instead of a default value on any kind of miss.
func (c *Cache) Fetch(ctx context.Context, key any) (any, error) {
	res, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if !res.Found {
		return nil, ErrKeyNotFound
	}

	return res.Value, nil
}

// fetchPayload materializes an entry's value via the Codec, opening a file
// through the File Store when the entry is file-backed. A missing file is
// reported as a miss (miss=true, err=nil), matching the read protocol's
// treatment of file-not-found as a cache miss rather than an error.
func (c *Cache) fetchPayload(e *entry, stream bool) (value any, miss bool, err error) {
	if e.filename == "" {
		value, err = decodeInline(e.mode, e.value)
		if err != nil {
			return nil, false, err
		}

		return value, false, nil
	}

	if stream && e.mode == ModeBinary {
		f, openErr := c.files.open(e.filename)
		if openErr != nil {
			if os.IsNotExist(openErr) {
				return nil, true, nil
			}

			return nil, false, fmt.Errorf("open value file: %w", openErr)
		}

		return io.ReadCloser(f), false, nil
	}

	data, err := c.files.read(e.filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, nil
		}

		return nil, false, fmt.Errorf("read value file: %w", err)
	}

	value, err = decodeFile(e.mode, data)
	if err != nil {
		return nil, false, err
	}

	return value, false, nil
}

func (c *Cache) applyReadSideEffect(ctx context.Context, e *entry) error {
	switch c.settings.policy() {
	case PolicyLeastRecentlyUsed:
		_, err := c.db.ExecContext(ctx, "UPDATE cache SET access_time = ? WHERE id = ?", time.Now().Unix(), e.rowID)
		if err != nil {
			return fmt.Errorf("update access_time: %w", err)
		}
	case PolicyLeastFrequentlyUsed:
		_, err := c.db.ExecContext(ctx, "UPDATE cache SET access_count = access_count + 1 WHERE id = ?", e.rowID)
		if err != nil {
			return fmt.Errorf("update access_count: %w", err)
		}
	}

	return nil
}

func (c *Cache) loadEntry(ctx context.Context, encodedKey []byte, raw bool) (*entry, bool, error) {
	var (
		e           entry
		storeTime   sql.NullInt64
		expireTime  sql.NullInt64
		tag         []byte
		filename    sql.NullString
		mode        int
	)

	row := c.db.QueryRowContext(ctx, `
		SELECT id, version, store_time, expire_time, access_time, access_count, tag, size, mode, filename, value
		FROM cache WHERE key = ? AND raw = ?`,
		encodedKey, boolToInt(raw))

	err := row.Scan(&e.rowID, &e.version, &storeTime, &expireTime, &e.accessTime, &e.accessCount,
		&tag, &e.size, &mode, &filename, &e.value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("load entry: %w", err)
	}

	if storeTime.Valid {
		v := storeTime.Int64
		e.storeTime = &v
	}

	if expireTime.Valid {
		v := expireTime.Int64
		e.expireTime = &v
	}

	e.tag = tag
	e.mode = Mode(mode)
	e.filename = filename.String

	return &e, true, nil
}

// Delete removes the entry for key, if present. It is idempotent: deleting
// an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	encodedKey, raw, err := encodeKey(key)
	if err != nil {
		return err
	}

	return c.deleteByKey(ctx, encodedKey, raw)
}

// Remove is the indexed-delete equivalent of Delete: it returns
// [ErrKeyNotFound] if the key is absent instead of silently succeeding.
func (c *Cache) Remove(ctx context.Context, key any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	encodedKey, raw, err := encodeKey(key)
	if err != nil {
		return err
	}

	for {
		id, version, filename, found, err := c.lookupRow(ctx, encodedKey, raw)
		if err != nil {
			return err
		}

		if !found {
			return ErrKeyNotFound
		}

		deleted, err := c.deleteRow(ctx, id, version, filename)
		if err != nil {
			return err
		}

		if deleted {
			return nil
		}
		// lost the race to a concurrent writer; re-read and retry
	}
}

// deleteByKey deletes the row for (encodedKey, raw) if present, retrying
// on a version conflict (a concurrent writer committed between our lookup
// and delete), matching the versioned-delete guard from SPEC_FULL.md
// section 4.1.
func (c *Cache) deleteByKey(ctx context.Context, encodedKey []byte, raw bool) error {
	for {
		id, version, filename, found, err := c.lookupRow(ctx, encodedKey, raw)
		if err != nil {
			return err
		}

		if !found {
			return nil
		}

		deleted, err := c.deleteRow(ctx, id, version, filename)
		if err != nil {
			return err
		}

		if deleted {
			return nil
		}
		// lost the race; re-read and retry
	}
}

// deleteRow deletes the row id, gated on the version observed at lookup
// time, and removes its backing file only if the delete actually took
// effect. Reports deleted=false (not an error) when a concurrent writer
// already changed the row's version, so every caller can re-read and
// retry or move on to its next candidate instead of destroying a write it
// never observed.
func (c *Cache) deleteRow(ctx context.Context, id, version int64, filename string) (deleted bool, err error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM cache WHERE id = ? AND version = ?", id, version)
	if err != nil {
		return false, fmt.Errorf("delete row: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete row: %w", err)
	}

	if affected == 0 {
		return false, nil
	}

	return true, c.files.remove(filename)
}
