// Package kvdisk is a persistent, process-safe key/value disk cache.
//
// Metadata (expiry, tags, access stats, small inline payloads) lives in an
// embedded SQLite database; large values are written as files under a
// two-level hex-prefixed directory tree rooted at the cache directory.
// Multiple processes, and multiple goroutines, may open the same cache
// directory concurrently — cross-process coordination is provided entirely
// by SQLite's own write lock plus per-row optimistic version tokens, never
// by an in-process mutex guarding the whole cache.
//
// A [Cache] is opened with [Open] and closed with [Cache.Close]:
//
//	c, err := kvdisk.Open(ctx, "/var/cache/myapp")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "greeting", []byte("hello"))
//	res, err := c.Get(ctx, "greeting")
//
// The [kvdisk/stampede] subpackage wraps an expensive recomputation with a
// probabilistic early-refresh barrier on top of a [Cache].
package kvdisk
