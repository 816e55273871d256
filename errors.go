package kvdisk

import "errors"

// ErrDirUnavailable reports that the cache directory could not be created.
// Callers should use errors.Is(err, ErrDirUnavailable).
var ErrDirUnavailable = errors.New("kvdisk: cache directory unavailable")

// ErrStoreUnavailable wraps the last SQLite error observed after a PRAGMA
// assignment exhausted its retry timeout (or its context was canceled).
// Other store failures are returned wrapped with their own context, not
// with ErrStoreUnavailable.
// Callers should use errors.Is(err, ErrStoreUnavailable).
var ErrStoreUnavailable = errors.New("kvdisk: store unavailable")

// ErrKeyNotFound is returned by the indexed-access operations (Fetch,
// Remove) when the key is absent. It is distinct from a miss on Get, which
// returns a [Result] with Found false instead of an error.
// Callers should use errors.Is(err, ErrKeyNotFound).
var ErrKeyNotFound = errors.New("kvdisk: key not found")

// ErrSchemaVersion reports that the on-disk schema generation is newer than
// the one this version of the package knows how to read.
// Callers should use errors.Is(err, ErrSchemaVersion).
var ErrSchemaVersion = errors.New("kvdisk: incompatible schema version")

// ErrClosed is returned by any operation attempted on a [Cache] after
// [Cache.Close] has returned.
// Callers should use errors.Is(err, ErrClosed).
var ErrClosed = errors.New("kvdisk: cache is closed")
