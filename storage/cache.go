package storage

import (
	"context"
	"time"

	ristr "github.com/dgraph-io/ristretto/v2"
)

// CacheTTL is the read-through cache lifetime. Certificates are read
// far more often than they change, but a renewed chain must not be
// served stale for long.
const CacheTTL = 10 * time.Second

// Cached wraps a backend KV with an in-process read-through cache on
// Read, invalidated on any Write/Delete to the same key.
type Cached struct {
	backend KV
	cache   *ristr.Cache[string, []byte]
}

var _ KV = (*Cached)(nil)

// NewCached builds a Cached KV in front of backend.
func NewCached(backend KV) (*Cached, error) {
	c, err := ristr.NewCache[string, []byte](&ristr.Config[string, []byte]{
		NumCounters: 1e5,
		MaxCost:     1 << 26, // 64MB
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{backend: backend, cache: c}, nil
}

func (c *Cached) Exists(ctx context.Context, path string) bool {
	path = Join(path)
	if _, ok := c.cache.Get(path); ok {
		return true
	}
	return c.backend.Exists(ctx, path)
}

func (c *Cached) Read(ctx context.Context, path string) ([]byte, error) {
	path = Join(path)
	if v, ok := c.cache.Get(path); ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}

	v, err := c.backend.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(path, v, int64(len(v)), CacheTTL)
	return v, nil
}

func (c *Cached) Write(ctx context.Context, path string, value []byte) error {
	path = Join(path)
	if err := c.backend.Write(ctx, path, value); err != nil {
		return err
	}
	// Invalidate rather than populate: the next Read must observe the
	// write through the backend.
	c.cache.Del(path)
	return nil
}

func (c *Cached) List(ctx context.Context, path string) ([]string, error) {
	// Directory listings are not cached: invalidating them on every write
	// under an arbitrary descendant is not worth the bookkeeping for a
	// 10s TTL.
	return c.backend.List(ctx, Join(path))
}

func (c *Cached) Delete(ctx context.Context, path string) error {
	path = Join(path)
	if err := c.backend.Delete(ctx, path); err != nil {
		return err
	}
	c.cache.Del(path)
	return nil
}
