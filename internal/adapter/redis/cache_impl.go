package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/user/price-tracker/internal/entity"
)

const cachedResponsePrefix = "fetch:cache:"

// CacheRepoImpl provides a concrete implementation for the ResponseCache interface using Redis.
type CacheRepoImpl struct {
	client redis.UniversalClient
}

// NewCacheRepo creates a new instance of CacheRepoImpl.
func NewCacheRepo(client redis.UniversalClient) *CacheRepoImpl {
	return &CacheRepoImpl{client: client}
}

// generateKey creates a consistent Redis key for a request hash.
func (r *CacheRepoImpl) generateKey(requestHash string) string {
	return fmt.Sprintf("%s%s", cachedResponsePrefix, requestHash)
}

// Get returns the cached response for the hash, or nil on a miss.
func (r *CacheRepoImpl) Get(ctx context.Context, requestHash string) (*entity.FetchResult, error) {
	raw, err := r.client.Get(ctx, r.generateKey(requestHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cached response")
	}
	var result entity.FetchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "failed to decode cached response")
	}
	return &result, nil
}

// Put stores a response with an expiry time.
func (r *CacheRepoImpl) Put(ctx context.Context, requestHash string, result entity.FetchResult, expiry time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "failed to encode response")
	}
	// SET with EX is atomic.
	return errors.Wrap(r.client.Set(ctx, r.generateKey(requestHash), payload, expiry).Err(), "failed to cache response")
}

// Remove drops a cached response.
func (r *CacheRepoImpl) Remove(ctx context.Context, requestHash string) error {
	return r.client.Del(ctx, r.generateKey(requestHash)).Err()
}
