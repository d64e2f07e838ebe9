package repository

import (
	"context"
	"time"

	"github.com/user/price-tracker/internal/entity"
)

// ResponseCache remembers fetched pages by request hash so a worker can serve
// a job whose time window admits an earlier fetch.
type ResponseCache interface {
	// Get returns the cached response, or nil, nil on a miss.
	Get(ctx context.Context, requestHash string) (*entity.FetchResult, error)
	// Put stores a response with an expiry time.
	Put(ctx context.Context, requestHash string, result entity.FetchResult, expiry time.Duration) error
	// Remove drops a cached response.
	Remove(ctx context.Context, requestHash string) error
}
