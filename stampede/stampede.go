// Package stampede wraps an expensive, cacheable computation with a
// probabilistic early-recompute barrier (XFetch-style), reducing the
// number of concurrent callers that recompute the same value as it nears
// expiry.
package stampede

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kvdisk/kvdisk"
)

// entry is what Barrier stores under the caller's key: the computed
// result, the measured cost of producing it, and when it expires.
type entry struct {
	Value      any
	DeltaNanos int64
	ExpireUnix int64
}

// Barrier caches the result of an expensive function against a [kvdisk.Cache]
// and decides, on each call, whether to serve the cached value or
// recompute — recomputing becomes more likely the closer the entry is to
// its expiry, weighted by how expensive the last computation was.
type Barrier struct {
	cache  *kvdisk.Cache
	expire time.Duration
	rand   func() float64
}

// New returns a Barrier that caches results in cache with time-to-live
// expire.
func New(cache *kvdisk.Cache, expire time.Duration) *Barrier {
	return &Barrier{cache: cache, expire: expire, rand: rand.Float64}
}

// Fn is the signature of the wrapped computation: it takes the arguments
// the caller supplied to the wrapped call and returns the value to cache.
type Fn func(ctx context.Context, args ...any) (any, error)

// Wrap returns a function with the same calling convention as fn that
// transparently caches fn's result under the key formed by args, applying
// the stampede barrier's early-recompute decision on every call.
//
// Unlike the source implementation this was distilled from — whose
// decorator-application line was a no-op, so wrapping never actually
// took effect — Wrap always returns a genuinely new closure.
//
// The underlying cache keys and values are serialized with encoding/gob.
// Wrap registers each top-level arg's and fn's result's concrete type
// automatically; if an arg or result is itself a struct with a field typed
// as an interface (including any), register that field's concrete type
// once with [kvdisk.RegisterValueType] before the first call.
func (b *Barrier) Wrap(fn Fn) Fn {
	return func(ctx context.Context, args ...any) (any, error) {
		for _, a := range args {
			kvdisk.RegisterValueType(a)
		}

		key := barrierKey(args)

		res, err := b.cache.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("stampede: read barrier entry: %w", err)
		}

		if res.Found {
			e, ok := res.Value.(entry)
			if ok && b.shouldServeCached(e) {
				return e.Value, nil
			}
		}

		start := time.Now()

		value, err := fn(ctx, args...)
		if err != nil {
			return nil, err
		}

		delta := time.Since(start)

		// The cache's gob codec needs the concrete type of value
		// registered before it can round-trip inside entry.Value's
		// interface field.
		kvdisk.RegisterValueType(value)

		newEntry := entry{
			Value:      value,
			DeltaNanos: int64(delta),
			ExpireUnix: time.Now().Add(b.expire).Unix(),
		}

		err = b.cache.Set(ctx, key, newEntry, kvdisk.Expire(b.expire))
		if err != nil {
			return nil, fmt.Errorf("stampede: write barrier entry: %w", err)
		}

		return value, nil
	}
}

// shouldServeCached implements the XFetch decision: recompute early with
// probability that rises as the entry nears expiry, scaled by how costly
// the last computation was. A fresh draw U from (0,1] is compared against
// -delta * ln(U) < ttl; serve cached when the inequality holds.
func (b *Barrier) shouldServeCached(e entry) bool {
	ttl := time.Until(time.Unix(e.ExpireUnix, 0))
	if ttl <= 0 {
		return false
	}

	u := b.rand()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}

	delta := time.Duration(e.DeltaNanos)

	threshold := -float64(delta) * math.Log(u)

	return threshold < float64(ttl)
}

// barrierKey derives a cache key from the wrapped call's arguments. Python
// kwargs have no Go equivalent; callers needing named-parameter semantics
// should pass a single struct argument, which gob (via the underlying
// Cache's opaque key encoding) encodes deterministically field by field.
func barrierKey(args []any) any {
	return struct{ Args []any }{Args: args}
}
