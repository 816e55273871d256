package kvdisk

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvdisk/kvdisk/internal/diskfs"
)

func Test_FileStore_Put_WritesUnderHexPrefixFanOut(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fs := newFileStore(root, diskfs.NewReal())

	rel, err := fs.put([]byte("payload"))
	require.NoError(t, err)

	parts := strings.Split(filepath.ToSlash(rel), "/")
	require.Len(t, parts, 3)
	require.Len(t, parts[0], 2)
	require.Len(t, parts[1], 2)
	require.True(t, strings.HasSuffix(parts[2], ".val"))

	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func Test_FileStore_PutStream_WritesChunkedPayload(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fs := newFileStore(root, diskfs.NewReal())

	src := bytes.Repeat([]byte("x"), streamChunkSize+1024)

	rel, n, err := fs.putStream(bytes.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, int64(len(src)), n)

	data, err := fs.read(rel)
	require.NoError(t, err)
	require.Equal(t, src, data)
}

func Test_FileStore_Remove_IsIdempotentOnMissingFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fs := newFileStore(root, diskfs.NewReal())

	err := fs.remove("aa/bb/does-not-exist.val")
	require.NoError(t, err)
}

func Test_FileStore_Remove_EmptyFilenameIsNoOp(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fs := newFileStore(root, diskfs.NewReal())

	require.NoError(t, fs.remove(""))
}

func Test_FileStore_Exists_ReflectsPresence(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fs := newFileStore(root, diskfs.NewReal())

	rel, err := fs.put([]byte("v"))
	require.NoError(t, err)

	exists, err := fs.exists(rel)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, fs.remove(rel))

	exists, err = fs.exists(rel)
	require.NoError(t, err)
	require.False(t, exists)
}

func Test_NewRelPath_GeneratesDistinctPaths(t *testing.T) {
	t.Parallel()

	a := newRelPath()
	b := newRelPath()

	require.NotEqual(t, a, b)
	require.NotContains(t, a, "-")
}
