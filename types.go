package kvdisk

// Mode identifies the storage discipline used to persist a single entry's
// value, mirroring the mode column of the Cache table.
type Mode int

const (
	// ModeNone marks a reservation row: a key claimed by a writer that has
	// not yet committed its payload. Never returned from a read.
	ModeNone Mode = iota

	// ModeRaw is a value SQLite can represent natively in a single column:
	// a small integer, a float, a short string, or a short byte slice. The
	// size column records 0 for numeric/text-native values and the byte
	// length for small byte-slice values (see codec.go).
	ModeRaw

	// ModeBinary is a byte slice (or streamed source) written to a file
	// because it reached the large-value threshold.
	ModeBinary

	// ModeText is a string written to a file as UTF-8 because it reached
	// the large-value threshold.
	ModeText

	// ModePickle is any value that isn't a native int/float/string/[]byte,
	// serialized with the opaque serializer (encoding/gob). Inline if the
	// serialized form is short, file-backed otherwise.
	ModePickle
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeRaw:
		return "RAW"
	case ModeBinary:
		return "BINARY"
	case ModeText:
		return "TEXT"
	case ModePickle:
		return "PICKLE"
	default:
		return "UNKNOWN"
	}
}

// EvictionPolicy selects which rows a size-triggered cull removes first.
type EvictionPolicy string

const (
	// PolicyLeastRecentlyStored orders eviction candidates by store_time
	// ascending. Reads have no side effect under this policy.
	PolicyLeastRecentlyStored EvictionPolicy = "least-recently-stored"

	// PolicyLeastRecentlyUsed orders eviction candidates by access_time
	// ascending. Every successful read sets access_time := now.
	PolicyLeastRecentlyUsed EvictionPolicy = "least-recently-used"

	// PolicyLeastFrequentlyUsed orders eviction candidates by access_count
	// ascending. Every successful read increments access_count.
	PolicyLeastFrequentlyUsed EvictionPolicy = "least-frequently-used"
)

// Result is the value returned by [Cache.Get], optionally extended with the
// entry's expiry time and tag when requested via [WithExpire] / [WithTag].
type Result struct {
	// Value holds the decoded payload, or nil on a miss. Its concrete type
	// is one of int64, float64, string, []byte, an io.ReadCloser (only
	// when WithStream was requested against a BINARY-mode entry), or the
	// gob-decoded concrete type stored under PICKLE mode.
	Value any

	// Found is false on a miss (absent key, reservation row, expired
	// entry, or a row whose backing file has disappeared).
	Found bool

	// ExpireTime is non-nil only when WithExpire was requested and the
	// entry carries an expiry.
	ExpireTime *int64

	// Tag is non-nil only when WithTag was requested and the entry carries
	// a tag.
	Tag []byte
}

// CountMismatch records a discrepancy between Settings.count and the
// Cache table's actual committed row count, found by [Cache.Check].
type CountMismatch struct {
	Recorded int64
	Actual   int64
}

// SizeMismatch records a discrepancy between Settings.size and the actual
// sum of Cache.size, found by [Cache.Check].
type SizeMismatch struct {
	Recorded int64
	Actual   int64
}

// MissingFile records a Cache row whose filename does not exist on disk.
type MissingFile struct {
	RowID    int64
	Filename string
}

// Report is the structured result of [Cache.Check], replacing a plain
// stream of warnings with a value callers can branch on (see SPEC_FULL.md
// design notes on check(fix)'s structured report).
type Report struct {
	// IntegrityOK is false if the store's own integrity check reported
	// any problem; IntegrityMessages then holds the raw messages.
	IntegrityOK      bool
	IntegrityMessages []string

	// CountMismatch and SizeMismatch are nil when the respective counter
	// matched the reconciled value.
	CountMismatch *CountMismatch
	SizeMismatch  *SizeMismatch

	// ReservationRows lists the row IDs of uncommitted reservations
	// found (store_time IS NULL).
	ReservationRows []int64

	// MissingFiles lists rows whose filename does not exist on disk.
	MissingFiles []MissingFile

	// UnreferencedFiles lists .val files on disk with no referencing row.
	UnreferencedFiles []string

	// EmptyDirectories lists hex-prefix subdirectories left empty after
	// files were removed.
	EmptyDirectories []string

	// Fixed is true when fix was requested and repairs were applied:
	// reservation rows deleted, counters corrected, unreferenced files
	// and empty directories removed, and the store compacted.
	Fixed bool
}

// entry is the in-process representation of one Cache row.
type entry struct {
	rowID       int64
	version     int64
	storeTime   *int64
	expireTime  *int64
	accessTime  int64
	accessCount int64
	tag         []byte
	size        int64
	mode        Mode
	filename    string
	value       any
}
