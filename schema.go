package kvdisk

// currentSchemaVersion is stored in SQLite's user_version pragma. Bump this
// when the schema changes shape; Open refuses to operate against a stored
// version newer than this one.
const currentSchemaVersion = 1

// createSchema defines the Settings and Cache tables plus the uniqueness
// index and the counter-maintaining triggers. The policy-specific index and
// the tag index are created lazily (see cull.go / maintenance.go) since
// most caches only ever need one of them.
const createSchema = `
CREATE TABLE IF NOT EXISTS settings (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cache (
	id           INTEGER PRIMARY KEY,
	key          BLOB NOT NULL,
	raw          INTEGER NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0,
	store_time   INTEGER,
	expire_time  INTEGER,
	access_time  INTEGER NOT NULL DEFAULT 0,
	access_count INTEGER NOT NULL DEFAULT 0,
	tag          BLOB,
	size         INTEGER NOT NULL DEFAULT 0,
	mode         INTEGER NOT NULL DEFAULT 0,
	filename     TEXT,
	value
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_cache_key_raw ON cache(key, raw);
CREATE INDEX IF NOT EXISTS idx_cache_expire_time ON cache(expire_time);

CREATE TRIGGER IF NOT EXISTS trg_cache_ai_size
AFTER INSERT ON cache
BEGIN
	UPDATE settings SET value = CAST(value AS INTEGER) + NEW.size WHERE name = 'size';
END;

CREATE TRIGGER IF NOT EXISTS trg_cache_ai_count
AFTER INSERT ON cache WHEN NEW.store_time IS NOT NULL
BEGIN
	UPDATE settings SET value = CAST(value AS INTEGER) + 1 WHERE name = 'count';
END;

CREATE TRIGGER IF NOT EXISTS trg_cache_ad_size
AFTER DELETE ON cache
BEGIN
	UPDATE settings SET value = CAST(value AS INTEGER) - OLD.size WHERE name = 'size';
END;

CREATE TRIGGER IF NOT EXISTS trg_cache_ad_count
AFTER DELETE ON cache WHEN OLD.store_time IS NOT NULL
BEGIN
	UPDATE settings SET value = CAST(value AS INTEGER) - 1 WHERE name = 'count';
END;

CREATE TRIGGER IF NOT EXISTS trg_cache_au_size
AFTER UPDATE ON cache WHEN NEW.size != OLD.size
BEGIN
	UPDATE settings SET value = CAST(value AS INTEGER) + (NEW.size - OLD.size) WHERE name = 'size';
END;

CREATE TRIGGER IF NOT EXISTS trg_cache_au_count
AFTER UPDATE ON cache WHEN (NEW.store_time IS NOT NULL) != (OLD.store_time IS NOT NULL)
BEGIN
	UPDATE settings SET value = CAST(value AS INTEGER) +
		(CASE WHEN NEW.store_time IS NOT NULL THEN 1 ELSE -1 END)
		WHERE name = 'count';
END;
`

// defaultSettings seeds the Settings table on first open. Values mirror
// the defaults named in SPEC_FULL.md section 6.
var defaultSettings = map[string]string{
	"statistics":             "0",
	"eviction_policy":        string(PolicyLeastRecentlyStored),
	"size_limit":             "1073741824", // 2^30
	"cull_limit":             "10",
	"large_value_threshold":  "1024", // 2^10
	"sqlite_synchronous":     "NORMAL",
	"sqlite_journal_mode":    "WAL",
	"sqlite_cache_size":      "8192",     // 2^13 pages
	"sqlite_mmap_size":       "134217728", // 2^27 bytes
	"count":                  "0",
	"size":                   "0",
	"hits":                   "0",
	"misses":                 "0",
}
