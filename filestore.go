package kvdisk

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/kvdisk/kvdisk/internal/diskfs"
)

// fileStore allocates, writes, and removes value files under the cache
// directory, using a two-level hex-prefix directory fan-out to bound the
// number of entries per directory.
type fileStore struct {
	root string
	fsys diskfs.FS
}

func newFileStore(root string, fsys diskfs.FS) *fileStore {
	return &fileStore{root: root, fsys: fsys}
}

// newRelPath allocates a fresh relative path of the form <cc>/<dd>/<rest>.val
// where ccdd<rest> is a 128-bit random identifier rendered as 32 hex
// characters, matching the source implementation's uuid4().hex naming.
func newRelPath() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")

	return filepath.Join(hex[0:2], hex[2:4], hex[4:]+".val")
}

// put writes payload to a freshly allocated file and returns its
// cache-relative path. Intermediate directories are created as needed;
// EEXIST racing with another writer is benign.
func (fs *fileStore) put(payload []byte) (string, error) {
	rel := newRelPath()

	err := fs.ensureDir(rel)
	if err != nil {
		return "", err
	}

	abs := filepath.Join(fs.root, rel)

	err = atomic.WriteFile(abs, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("write value file: %w", err)
	}

	return rel, nil
}

// putStream writes src to a freshly allocated file in bounded chunks and
// returns the relative path plus the number of bytes written.
func (fs *fileStore) putStream(src io.Reader) (string, int64, error) {
	rel := newRelPath()

	err := fs.ensureDir(rel)
	if err != nil {
		return "", 0, err
	}

	abs := filepath.Join(fs.root, rel)

	tmp := abs + ".tmp"

	f, err := fs.fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create value file: %w", err)
	}

	n, copyErr := copyStream(f, src)

	closeErr := f.Close()

	if copyErr != nil {
		_ = fs.fsys.Remove(tmp)

		return "", 0, copyErr
	}

	if closeErr != nil {
		_ = fs.fsys.Remove(tmp)

		return "", 0, fmt.Errorf("close value file: %w", closeErr)
	}

	err = fs.fsys.Rename(tmp, abs)
	if err != nil {
		_ = fs.fsys.Remove(tmp)

		return "", 0, fmt.Errorf("rename value file: %w", err)
	}

	return rel, n, nil
}

func (fs *fileStore) ensureDir(rel string) error {
	dir := filepath.Join(fs.root, filepath.Dir(rel))

	err := fs.fsys.MkdirAll(dir, 0o700)
	if err != nil {
		return fmt.Errorf("create value directory: %w", err)
	}

	return nil
}

// read returns the full contents of the file at rel.
func (fs *fileStore) read(rel string) ([]byte, error) {
	data, err := fs.fsys.ReadFile(filepath.Join(fs.root, rel))
	if err != nil {
		return nil, err
	}

	return data, nil
}

// open returns an open handle to the file at rel, for streaming reads.
func (fs *fileStore) open(rel string) (diskfs.File, error) {
	return fs.fsys.Open(filepath.Join(fs.root, rel))
}

// exists reports whether the file at rel exists.
func (fs *fileStore) exists(rel string) (bool, error) {
	return fs.fsys.Exists(filepath.Join(fs.root, rel))
}

// remove deletes the file at rel. A missing file is not an error: two
// processes may race to unlink a shared orphan.
func (fs *fileStore) remove(rel string) error {
	if rel == "" {
		return nil
	}

	err := fs.fsys.Remove(filepath.Join(fs.root, rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove value file: %w", err)
	}

	return nil
}

// size stats the file at rel and returns its byte length.
func (fs *fileStore) size(rel string) (int64, error) {
	info, err := fs.fsys.Stat(filepath.Join(fs.root, rel))
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}
