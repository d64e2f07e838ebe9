package repository

import (
	"context"
	"time"

	"github.com/user/price-tracker/internal/entity"
)

// JobQueue is a FIFO queue of deferred fetch jobs.
type JobQueue interface {
	// Push adds a job to the end of the queue.
	Push(ctx context.Context, job entity.FetchJob) error
	// Pop removes and returns the job at the front of the queue, waiting up
	// to timeout. It returns nil, nil when no job arrived in time.
	Pop(ctx context.Context, timeout time.Duration) (*entity.FetchJob, error)
	// Size returns the current number of jobs in the queue.
	Size(ctx context.Context) (int64, error)
}

// ResultQueue carries outcomes from workers back to the correlator.
type ResultQueue interface {
	// Publish stores the outcome for key; unclaimed outcomes expire after ttl.
	Publish(ctx context.Context, key entity.CorrelationKey, outcome entity.FetchOutcome, ttl time.Duration) error
	// Await blocks until the outcome for key arrives or ctx ends.
	Await(ctx context.Context, key entity.CorrelationKey) (*entity.FetchOutcome, error)
}
