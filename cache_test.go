package kvdisk

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T, opts ...Option) *Cache {
	t.Helper()

	c, err := Open(t.Context(), t.TempDir(), opts...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	return c
}

func Test_Open_CreatesDirectoryAndDatabase(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)

	n, err := c.Len(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func Test_Cache_SetGet_RoundTripsNativeTypes(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	testCases := []struct {
		name  string
		key   any
		value any
	}{
		{name: "Int", key: "int-key", value: 42},
		{name: "Float", key: "float-key", value: 3.25},
		{name: "String", key: "string-key", value: "hello world"},
		{name: "Bytes", key: "bytes-key", value: []byte{1, 2, 3, 4}},
		{name: "IntKey", key: 99, value: "value for int key"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			require.NoError(t, c.Set(ctx, testCase.key, testCase.value))

			res, err := c.Get(ctx, testCase.key)
			require.NoError(t, err)
			require.True(t, res.Found)

			switch want := testCase.value.(type) {
			case int:
				require.Equal(t, int64(want), res.Value)
			default:
				require.Equal(t, testCase.value, res.Value)
			}
		})
	}
}

func Test_Cache_SetGet_ArbitraryStructUsesGobPickle(t *testing.T) {
	t.Parallel()

	type record struct {
		Name  string
		Count int
	}

	c := openTestCache(t)
	ctx := t.Context()

	want := record{Name: "widget", Count: 7}

	require.NoError(t, c.Set(ctx, "rec", want))

	res, err := c.Get(ctx, "rec")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, want, res.Value)
}

func Test_Cache_SetGet_LargeValueIsFileBacked(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, WithSetting("large_value_threshold", "16"))
	ctx := t.Context()

	large := bytes.Repeat([]byte("z"), 4096)

	require.NoError(t, c.Set(ctx, "large", large))

	res, err := c.Get(ctx, "large")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, large, res.Value)
}

func Test_Cache_Set_StreamingReaderIsStoredAsBinary(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	payload := bytes.Repeat([]byte("s"), 1<<20)

	require.NoError(t, c.Set(ctx, "streamed", bytes.NewReader(payload)))

	res, err := c.Get(ctx, "streamed", WithStream())
	require.NoError(t, err)
	require.True(t, res.Found)

	rc, ok := res.Value.(io.ReadCloser)
	require.True(t, ok)

	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func Test_Cache_Get_MissOnAbsentKey(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)

	res, err := c.Get(t.Context(), "missing")
	require.NoError(t, err)
	require.False(t, res.Found)
	require.Nil(t, res.Value)
}

func Test_Cache_Fetch_ReturnsErrKeyNotFoundOnMiss(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)

	_, err := c.Fetch(t.Context(), "missing")
	require.True(t, errors.Is(err, ErrKeyNotFound))
}

func Test_Cache_Fetch_ReturnsStoredValue(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v"))

	v, err := c.Fetch(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}

func Test_Cache_Delete_IsIdempotentOnAbsentKey(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)

	require.NoError(t, c.Delete(t.Context(), "never-existed"))
}

func Test_Cache_Delete_RemovesEntry(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v"))
	require.NoError(t, c.Delete(ctx, "k"))

	res, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Found)
}

func Test_Cache_Remove_ReturnsErrKeyNotFoundOnAbsentKey(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)

	err := c.Remove(t.Context(), "missing")
	require.True(t, errors.Is(err, ErrKeyNotFound))
}

func Test_Cache_Set_WithExpire_EntryIsNotReturnedAfterExpiry(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v", Expire(-time.Second)))

	res, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Found)
}

func Test_Cache_Get_WithExpireOption_ReturnsExpiryTime(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v", Expire(time.Hour)))

	res, err := c.Get(ctx, "k", WithExpire())
	require.NoError(t, err)
	require.True(t, res.Found)
	require.NotNil(t, res.ExpireTime)
}

func Test_Cache_Get_WithTagOption_ReturnsTag(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v", Tag([]byte("group-a"))))

	res, err := c.Get(ctx, "k", WithTag())
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, []byte("group-a"), res.Tag)
}

func Test_Cache_Len_ReflectsCommittedEntries(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "b", 2))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, c.Delete(ctx, "a"))

	n, err = c.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func Test_Cache_Stats_TracksHitsAndMisses(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, WithSetting("statistics", "1"))
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", "v"))

	_, err := c.Get(ctx, "k")
	require.NoError(t, err)

	_, err = c.Get(ctx, "missing")
	require.NoError(t, err)

	hits, misses, err := c.Stats(ctx, false, false)
	require.NoError(t, err)
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)

	hits, misses, err = c.Stats(ctx, false, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)

	hits, misses, err = c.Stats(ctx, false, false)
	require.NoError(t, err)
	require.Zero(t, hits)
	require.Zero(t, misses)
}

func Test_Cache_Set_OverwriteReclaimsOldFile(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, WithSetting("large_value_threshold", "8"))
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", bytes.Repeat([]byte("a"), 64)))
	require.NoError(t, c.Set(ctx, "k", bytes.Repeat([]byte("b"), 64)))

	res, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, res.Found)
	require.Equal(t, bytes.Repeat([]byte("b"), 64), res.Value)

	report, err := c.Check(ctx, false)
	require.NoError(t, err)
	require.Empty(t, report.UnreferencedFiles)
}

func Test_Cache_Close_IsIdempotent(t *testing.T) {
	t.Parallel()

	c, err := Open(t.Context(), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func Test_Cache_OperationAfterClose_ReturnsErrClosed(t *testing.T) {
	t.Parallel()

	c, err := Open(t.Context(), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Get(t.Context(), "k")
	require.True(t, errors.Is(err, ErrClosed))
}

func Test_Cache_ConcurrentSet_LostWriteLeavesOneConsistentValue(t *testing.T) {
	t.Parallel()

	c := openTestCache(t)
	ctx := t.Context()

	const writers = 8

	var wg sync.WaitGroup

	wg.Add(writers)

	for i := 0; i < writers; i++ {
		i := i

		go func() {
			defer wg.Done()

			err := c.Set(ctx, "shared", i)
			require.NoError(t, err)
		}()
	}

	wg.Wait()

	n, err := c.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := c.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, res.Found)

	report, err := c.Check(ctx, false)
	require.NoError(t, err)
	require.Empty(t, report.UnreferencedFiles)
}

func Test_Open_RejectsNewerSchemaVersion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	c, err := Open(t.Context(), dir)
	require.NoError(t, err)

	_, execErr := c.db.ExecContext(t.Context(), "PRAGMA user_version = 999")
	require.NoError(t, execErr)
	require.NoError(t, c.Close())

	_, err = Open(t.Context(), dir)
	require.True(t, errors.Is(err, ErrSchemaVersion))
}

func Test_Open_WithOperationTimeout_IsHonoredOnSettingsFacade(t *testing.T) {
	t.Parallel()

	c := openTestCache(t, WithOperationTimeout(5*time.Second))

	require.NotZero(t, c.settings.timeout)
}
