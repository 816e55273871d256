package kvdisk

import "time"

// Option configures a [Cache] at [Open] time.
type Option func(*openConfig)

type openConfig struct {
	settings map[string]string
	timeout  time.Duration
}

// WithSetting persists name=value to the Settings table at open time.
// Recognized names (statistics, eviction_policy, size_limit, cull_limit,
// large_value_threshold, sqlite_synchronous, sqlite_journal_mode,
// sqlite_cache_size, sqlite_mmap_size) take effect immediately; unknown
// names are accepted and persisted but have no runtime effect.
func WithSetting(name, value string) Option {
	return func(c *openConfig) {
		c.settings[name] = value
	}
}

// WithOperationTimeout bounds how long a PRAGMA assignment retries against
// a busy store before surfacing the last error. Default 60s.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *openConfig) {
		c.timeout = d
	}
}

// SetOption configures a single [Cache.Set] call.
type SetOption func(*setConfig)

type setConfig struct {
	expire *time.Duration
	tag    []byte
}

// Expire sets the entry's time-to-live. Absent, the entry never expires.
func Expire(d time.Duration) SetOption {
	return func(c *setConfig) { c.expire = &d }
}

// Tag attaches an opaque tag to the entry for later bulk eviction via
// [Cache.Evict].
func Tag(tag []byte) SetOption {
	return func(c *setConfig) { c.tag = tag }
}

// GetOption configures a single [Cache.Get] call.
type GetOption func(*getConfig)

type getConfig struct {
	withExpire bool
	withTag    bool
	stream     bool
}

// WithExpire requests that the returned [Result] carry the entry's expiry
// time, if any.
func WithExpire() GetOption {
	return func(c *getConfig) { c.withExpire = true }
}

// WithTag requests that the returned [Result] carry the entry's tag, if
// any.
func WithTag() GetOption {
	return func(c *getConfig) { c.withTag = true }
}

// WithStream requests that a BINARY-mode entry be returned as an open
// io.ReadCloser rather than materialized into memory. Ignored for other
// modes. The caller owns the returned stream and must close it.
func WithStream() GetOption {
	return func(c *getConfig) { c.stream = true }
}
