package realtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-messaging/core/user"
)

// ErrMiss is returned by Cache.Get for missing keys.
var ErrMiss = errors.New("cache: miss")

// Cache is a minimal string key-value store.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	// Incr increments the counter at key (0 when missing) and resets its ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetIfEqual sets key only while the counter at guardKey still equals guard, atomically.
	// It reports whether key was set.
	SetIfEqual(ctx context.Context, key, value string, ttl time.Duration, guardKey string, guard int64) (bool, error)
}

const (
	versionTTL    = 10 * time.Minute
	generationTTL = 24 * time.Hour
)

// VersionCache memoizes the version tags served to polling clients, so an unchanged
// resource can be answered with "not modified" without loading it.
//
// Every invalidation bumps a per-user generation. A tag computed from a read that started
// before an invalidation carries an older generation, and is never cached.
type VersionCache struct {
	cache Cache
}

func NewVersionCache(cache Cache) *VersionCache {
	return &VersionCache{cache: cache}
}

func userVersionKey(ref user.Ref) string    { return "masomo:version:" + UserTopic(ref) }
func userGenerationKey(ref user.Ref) string { return "masomo:generation:" + UserTopic(ref) }

// UserVersion returns the cached notifications tag of ref, or ErrMiss.
func (vc *VersionCache) UserVersion(ctx context.Context, ref user.Ref) (string, error) {
	return vc.cache.Get(ctx, userVersionKey(ref))
}

// Generation returns the invalidation generation of ref. Read it before loading the state a tag is computed from.
func (vc *VersionCache) Generation(ctx context.Context, ref user.Ref) (int64, error) {
	v, err := vc.cache.Get(ctx, userGenerationKey(ref))
	if errors.Cause(err) == ErrMiss {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	gen, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing generation of %s", ref)
	}
	return gen, nil
}

// SetUserVersion caches tag unless ref was invalidated since gen was read. It reports whether tag was cached.
func (vc *VersionCache) SetUserVersion(ctx context.Context, ref user.Ref, tag string, gen int64) (bool, error) {
	return vc.cache.SetIfEqual(ctx, userVersionKey(ref), tag, versionTTL, userGenerationKey(ref), gen)
}

// Invalidate drops the cached tags of every recipient of evt.
func (vc *VersionCache) Invalidate(ctx context.Context, evt Event) error {
	if len(evt.Recipients) == 0 {
		return nil
	}
	keys := make([]string, 0, len(evt.Recipients))
	for _, r := range evt.Recipients {
		// bump first: a tag being computed right now must not be cached after the Del
		if _, err := vc.cache.Incr(ctx, userGenerationKey(r), generationTTL); err != nil {
			return err
		}
		keys = append(keys, userVersionKey(r))
	}
	_, err := vc.cache.Del(ctx, keys...)
	return err
}

// MemoryCache is an in-process Cache, used when no redis is configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	nowFunc func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), nowFunc: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.get(key); ok {
		return v, nil
	}
	return "", ErrMiss
}

func (c *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, value, ttl)
	return nil
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := c.entries[k]; ok {
			delete(c.entries, k)
			n++
		}
	}
	return n, nil
}

func (c *MemoryCache) get(key string) (string, bool) {
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && c.nowFunc().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *MemoryCache) set(key, value string, ttl time.Duration) {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = c.nowFunc().Add(ttl)
	}
	c.entries[key] = e
}

func (c *MemoryCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if v, ok := c.get(key); ok {
		var err error
		if n, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, errors.Wrapf(err, "cache: %s is not a counter", key)
		}
	}
	n++
	c.set(key, strconv.FormatInt(n, 10), ttl)
	return n, nil
}

func (c *MemoryCache) SetIfEqual(_ context.Context, key, value string, ttl time.Duration, guardKey string, guard int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.get(guardKey)
	if !ok {
		cur = "0"
	}
	if cur != strconv.FormatInt(guard, 10) {
		return false, nil
	}
	c.set(key, value, ttl)
	return true, nil
}
