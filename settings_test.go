package kvdisk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_LoadSettings_SeesDefaultsAfterOpen(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)

	require.Equal(t, string(PolicyLeastRecentlyStored), string(c.settings.policy()))
	require.False(t, c.settings.statisticsEnabled())
	require.Equal(t, int64(10), c.settings.getInt64("cull_limit"))
}

func Test_Settings_Set_WritesThroughAndIsObservedImmediately(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.settings.set(ctx, "cull_limit", "42"))
	require.Equal(t, int64(42), c.settings.getInt64("cull_limit"))

	var stored string

	row := c.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE name = 'cull_limit'")
	require.NoError(t, row.Scan(&stored))
	require.Equal(t, "42", stored)
}

func Test_Settings_Set_StoreTuningKeyIssuesPragma(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.settings.set(ctx, "sqlite_cache_size", "4096"))

	var cacheSize string

	row := c.db.QueryRowContext(ctx, "PRAGMA cache_size")
	require.NoError(t, row.Scan(&cacheSize))
	require.Equal(t, "4096", cacheSize)
}

func Test_Settings_Set_UnknownNameIsAcceptedWithoutPragma(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.settings.set(ctx, "custom_flag", "on"))
	require.Equal(t, "on", c.settings.get("custom_flag"))
}

func Test_WithSetting_AppliesAtOpenTime(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, WithSetting("eviction_policy", string(PolicyLeastFrequentlyUsed)))

	require.Equal(t, PolicyLeastFrequentlyUsed, c.settings.policy())
}

func Test_WithOperationTimeout_ConfiguresRetryDeadline(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, WithOperationTimeout(250*time.Millisecond))

	require.Equal(t, 250*time.Millisecond, c.settings.timeout)
}
