package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

const sharedLookupTimeout = 15 * time.Second

// CachedStore fronts a Store with the Redis cache and coalesces concurrent
// lookups of the same product.
type CachedStore struct {
	origin Store
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachedStore wires the cache in front of origin. A nil cache passes through.
func NewCachedStore(origin Store, cache *Cache, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{origin: origin, cache: cache, logger: logger}
}

// LookupProduct resolves id through the cache. Cache failures degrade to a
// direct lookup. The shared lookup is detached from the first caller's ctx so
// that one abandoned scan does not fail the others waiting on it.
func (s *CachedStore) LookupProduct(ctx context.Context, id string) (Product, error) {
	shared := context.WithoutCancel(ctx)
	resultChan := s.group.DoChan(id, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(shared, sharedLookupTimeout)
		defer cancel()
		return s.lookup(lookupCtx, id)
	})
	select {
	case <-ctx.Done():
		return Product{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Product{}, res.Err
		}
		return res.Val.(Product), nil
	}
}

func (s *CachedStore) lookup(ctx context.Context, id string) (Product, error) {
	key, err := s.cache.BuildKey(ctx, "catalog", "product", id)
	if err != nil {
		s.logger.Warn("catalog cache key", slog.String("product_id", id), slog.Any("error", err))
		return s.origin.LookupProduct(ctx, id)
	}
	var product Product
	err = s.cache.FetchJSON(ctx, key, &product, func(ctx context.Context) (interface{}, error) {
		p, err := s.origin.LookupProduct(ctx, id)
		if err != nil {
			return nil, lookupError{err: err}
		}
		return p, nil
	})
	if err == nil {
		return product, nil
	}
	var lerr lookupError
	if errors.As(err, &lerr) {
		return Product{}, lerr.err
	}
	s.logger.Warn("catalog cache fetch", slog.String("product_id", id), slog.Any("error", err))
	return s.origin.LookupProduct(ctx, id)
}

// Invalidate drops every cached product.
func (s *CachedStore) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

// lookupError marks failures that came from the origin rather than Redis.
type lookupError struct{ err error }

func (e lookupError) Error() string { return e.err.Error() }
