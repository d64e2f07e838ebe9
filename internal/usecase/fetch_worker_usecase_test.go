package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/pkg/utils"
)

type sliceQueue struct {
	mu   sync.Mutex
	jobs []entity.FetchJob
}

func (q *sliceQueue) Push(_ context.Context, job entity.FetchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *sliceQueue) Pop(_ context.Context, _ time.Duration) (*entity.FetchJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return &job, nil
}

func (q *sliceQueue) Size(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

type outcomeLog struct {
	mu       sync.Mutex
	outcomes map[entity.CorrelationKey]entity.FetchOutcome
}

func (o *outcomeLog) Publish(_ context.Context, key entity.CorrelationKey, outcome entity.FetchOutcome, _ time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[entity.CorrelationKey]entity.FetchOutcome)
	}
	o.outcomes[key] = outcome
	return nil
}

func (o *outcomeLog) Await(context.Context, entity.CorrelationKey) (*entity.FetchOutcome, error) {
	return nil, errors.New("not used")
}

func (o *outcomeLog) get(key entity.CorrelationKey) (entity.FetchOutcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out, ok := o.outcomes[key]
	return out, ok
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]entity.FetchResult
}

func (c *mapCache) Get(_ context.Context, hash string) (*entity.FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[hash]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (c *mapCache) Put(_ context.Context, hash string, result entity.FetchResult, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]entity.FetchResult)
	}
	c.entries[hash] = result
	return nil
}

func (c *mapCache) Remove(_ context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hash)
	return nil
}

type countingFetcher struct {
	calls  atomic.Int32
	status int
	err    error
}

func (f *countingFetcher) Fetch(_ context.Context, req entity.FetchRequest) (*entity.FetchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &entity.FetchResult{URL: req.URL, StatusCode: f.status, Content: []byte("page"), FetchedAt: time.Now().UTC()}, nil
}

func newTestWorker(t *testing.T, fetcher *countingFetcher) (*FetchWorker, *sliceQueue, *outcomeLog, *mapCache) {
	q, out, cache := &sliceQueue{}, &outcomeLog{}, &mapCache{}
	w := NewFetchWorker(q, out, cache, fetcher, WorkerConfig{ResultTTL: time.Minute, CacheTTL: time.Hour}, zaptest.NewLogger(t))
	return w, q, out, cache
}

func TestFetchWorkerEmptyQueue(t *testing.T) {
	w, _, _, _ := newTestWorker(t, &countingFetcher{status: 200})
	took, err := w.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, took)
}

func TestFetchWorkerCachesInsideWindow(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{status: 200}
	w, q, out, _ := newTestWorker(t, fetcher)

	now := time.Now().UTC()
	req := entity.FetchRequest{URL: "https://catalog.test/a", Window: entity.NewTimeWindow(now, time.Hour, time.Time{})}
	require.NoError(t, q.Push(ctx, entity.FetchJob{Key: "k1", Request: req}))
	require.NoError(t, q.Push(ctx, entity.FetchJob{Key: "k2", Request: req}))

	for i := 0; i < 2; i++ {
		took, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, took)
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())

	first, ok := out.get("k1")
	require.True(t, ok)
	assert.False(t, first.Cached)
	second, ok := out.get("k2")
	require.True(t, ok)
	assert.True(t, second.Cached)
	assert.Equal(t, "page", string(second.Result.Content))
}

func TestFetchWorkerRefetchesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{status: 200}
	w, q, out, cache := newTestWorker(t, fetcher)

	req := entity.FetchRequest{URL: "https://catalog.test/a"}
	stale := entity.FetchResult{URL: req.URL, StatusCode: 200, Content: []byte("old"), FetchedAt: time.Now().Add(-48 * time.Hour)}
	require.NoError(t, cache.Put(ctx, utils.HashRequest(req.URL, req.Header), stale, time.Hour))

	req.Window = entity.NewTimeWindow(time.Now(), time.Hour, time.Time{})
	require.NoError(t, q.Push(ctx, entity.FetchJob{Key: "k1", Request: req}))

	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	o, _ := out.get("k1")
	assert.False(t, o.Cached)
	assert.Equal(t, "page", string(o.Result.Content))
}

func TestFetchWorkerPublishesTransportErrors(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{err: errors.New("connection refused")}
	w, q, out, cache := newTestWorker(t, fetcher)

	require.NoError(t, q.Push(ctx, entity.FetchJob{Key: "k1", Request: entity.FetchRequest{URL: "https://catalog.test/a"}}))
	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)

	o, ok := out.get("k1")
	require.True(t, ok)
	assert.Nil(t, o.Result)
	assert.Contains(t, o.Error, "connection refused")
	assert.Empty(t, cache.entries)
}

func TestFetchWorkerDoesNotCacheRejectedStatus(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{status: 429}
	w, q, out, cache := newTestWorker(t, fetcher)

	require.NoError(t, q.Push(ctx, entity.FetchJob{Key: "k1", Request: entity.FetchRequest{URL: "https://catalog.test/a"}}))
	_, err := w.ProcessNext(ctx)
	require.NoError(t, err)

	o, _ := out.get("k1")
	assert.Equal(t, 429, o.Result.StatusCode, "the correlator judges the status")
	assert.Empty(t, cache.entries)
}

func TestFetchWorkerRunDrainsQueue(t *testing.T) {
	fetcher := &countingFetcher{status: 200}
	q, out := &sliceQueue{}, &outcomeLog{}
	w := NewFetchWorker(q, out, nil, fetcher, WorkerConfig{Concurrency: 3, PollTimeout: 10 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 10; i++ {
		key := entity.CorrelationKey(string(rune('a' + i)))
		require.NoError(t, q.Push(ctx, entity.FetchJob{Key: key, Request: entity.FetchRequest{URL: "https://catalog.test/" + string(key)}}))
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		out.mu.Lock()
		defer out.mu.Unlock()
		return len(out.outcomes) == 10
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
