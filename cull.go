package kvdisk

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// policyOrderColumn maps an eviction policy to the column its eviction
// order and supporting index are built on.
func policyOrderColumn(policy EvictionPolicy) string {
	switch policy {
	case PolicyLeastRecentlyUsed:
		return "access_time"
	case PolicyLeastFrequentlyUsed:
		return "access_count"
	default:
		return "store_time"
	}
}

// ensurePolicyIndex lazily creates the index backing the configured
// eviction policy's ordering, matching SPEC_FULL.md's "each policy lazily
// creates its supporting index on engine initialization".
func (c *Cache) ensurePolicyIndex(ctx context.Context) error {
	policy := c.settings.policy()

	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	if c.policyIndexReady == string(policy) {
		return nil
	}

	column := policyOrderColumn(policy)
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_cache_policy_%s ON cache(%s)", column, column)

	_, err := c.db.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("create policy index: %w", err)
	}

	c.policyIndexReady = string(policy)

	return nil
}

// runCull executes one bounded cull pass after a successful commit: an
// expiry sweep, then (if quota remains and the cache is over its size
// limit) policy-ordered eviction, each capped by cull_limit.
func (c *Cache) runCull(ctx context.Context) error {
	limit := c.settings.getInt64("cull_limit")
	if limit <= 0 {
		return nil
	}

	expired, err := c.cullExpired(ctx, limit)
	if err != nil {
		return err
	}

	remaining := limit - expired
	if remaining <= 0 {
		return nil
	}

	over, err := c.overSizeLimit(ctx)
	if err != nil {
		return err
	}

	if !over {
		return nil
	}

	return c.cullByPolicy(ctx, remaining)
}

// cullExpired deletes up to limit rows whose expire_time has passed,
// oldest-expiring first, returning how many were deleted.
func (c *Cache) cullExpired(ctx context.Context, limit int64) (int64, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, version, filename FROM cache
		WHERE expire_time IS NOT NULL AND expire_time < ?
		ORDER BY expire_time ASC LIMIT ?`,
		time.Now().Unix(), limit)
	if err != nil {
		return 0, fmt.Errorf("select expired: %w", err)
	}

	return c.deleteRowBatch(ctx, rows)
}

// overSizeLimit reports whether the cache's total footprint is at or
// above size_limit. Total is Settings.size plus the store's own page
// footprint, matching the cull pipeline's "total = page_size * page_count
// + Settings.size" comparison.
func (c *Cache) overSizeLimit(ctx context.Context) (bool, error) {
	var pageSize, pageCount int64

	err := c.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return false, fmt.Errorf("read page_size: %w", err)
	}

	err = c.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return false, fmt.Errorf("read page_count: %w", err)
	}

	size := c.readCounter(ctx, "size")
	limit := c.settings.getInt64("size_limit")

	total := pageSize*pageCount + size

	return total >= limit, nil
}

// cullByPolicy deletes up to limit rows ordered by the configured
// eviction policy's column, least-favored first.
func (c *Cache) cullByPolicy(ctx context.Context, limit int64) error {
	column := policyOrderColumn(c.settings.policy())

	rows, err := c.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, version, filename FROM cache ORDER BY %s ASC LIMIT ?", column),
		limit)
	if err != nil {
		return fmt.Errorf("select eviction candidates: %w", err)
	}

	_, err = c.deleteRowBatch(ctx, rows)

	return err
}

// deleteRowBatch consumes a *sql.Rows of (id, version, filename), deleting
// each row gated on the version observed in this same SELECT. A candidate
// a concurrent writer has since updated is skipped, not deleted out from
// under that write — see deleteRow. Returns the number of rows actually
// deleted.
func (c *Cache) deleteRowBatch(ctx context.Context, rows *sql.Rows) (int64, error) {
	type candidate struct {
		id       int64
		version  int64
		filename string
	}

	var candidates []candidate

	for rows.Next() {
		var (
			id       int64
			version  int64
			filename sql.NullString
		)

		err := rows.Scan(&id, &version, &filename)
		if err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("scan eviction candidate: %w", err)
		}

		candidates = append(candidates, candidate{id: id, version: version, filename: filename.String})
	}

	err := rows.Err()
	if err != nil {
		return 0, fmt.Errorf("eviction candidates: %w", err)
	}

	err = rows.Close()
	if err != nil {
		return 0, fmt.Errorf("eviction candidates: %w", err)
	}

	var deleted int64

	for _, cand := range candidates {
		ok, err := c.deleteRow(ctx, cand.id, cand.version, cand.filename)
		if err != nil {
			return deleted, err
		}

		if ok {
			deleted++
		}
	}

	return deleted, nil
}
