package repository

import (
	"context"

	"github.com/user/price-tracker/internal/entity"
)

// FetchCorrelator issues page fetches and later collects their results.
// Callers should issue every key of a batch before collecting any of them.
type FetchCorrelator interface {
	// Issue starts a fetch and returns its correlation key.
	Issue(ctx context.Context, req entity.FetchRequest) (entity.CorrelationKey, error)
	// Collect returns the result for key and forgets it.
	Collect(ctx context.Context, key entity.CorrelationKey) (*entity.FetchResult, error)
}

// Fetcher performs a single network fetch. It reports the status code
// without judging it; transport failures are returned as errors.
type Fetcher interface {
	Fetch(ctx context.Context, req entity.FetchRequest) (*entity.FetchResult, error)
}
