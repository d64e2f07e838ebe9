package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
)

type memQueue struct {
	mu   sync.Mutex
	jobs []entity.FetchJob
}

func (q *memQueue) Push(_ context.Context, job entity.FetchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Pop(_ context.Context, _ time.Duration) (*entity.FetchJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return &job, nil
}

func (q *memQueue) Size(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

type memResults struct {
	mu    sync.Mutex
	lists map[entity.CorrelationKey]chan entity.FetchOutcome
}

func newMemResults() *memResults {
	return &memResults{lists: make(map[entity.CorrelationKey]chan entity.FetchOutcome)}
}

func (r *memResults) list(key entity.CorrelationKey) chan entity.FetchOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.lists[key]
	if !ok {
		ch = make(chan entity.FetchOutcome, 1)
		r.lists[key] = ch
	}
	return ch
}

func (r *memResults) Publish(_ context.Context, key entity.CorrelationKey, outcome entity.FetchOutcome, _ time.Duration) error {
	r.list(key) <- outcome
	return nil
}

func (r *memResults) Await(ctx context.Context, key entity.CorrelationKey) (*entity.FetchOutcome, error) {
	select {
	case o := <-r.list(key):
		return &o, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCorrelatorIssueDoesNotWait(t *testing.T) {
	ctx := context.Background()
	q, res := &memQueue{}, newMemResults()
	c := NewCorrelator(q, res, zaptest.NewLogger(t))

	k1, err := c.Issue(ctx, entity.FetchRequest{URL: "https://shop.example/a"})
	require.NoError(t, err)
	k2, err := c.Issue(ctx, entity.FetchRequest{URL: "https://shop.example/a"})
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	size, _ := q.Size(ctx)
	assert.Equal(t, int64(2), size)
	assert.Equal(t, 2, c.Pending())

	job, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, k1, job.Key)
	assert.Equal(t, "https://shop.example/a", job.Request.URL)
}

func TestCorrelatorCollect(t *testing.T) {
	ctx := context.Background()
	q, res := &memQueue{}, newMemResults()
	c := NewCorrelator(q, res, zaptest.NewLogger(t))

	ok, _ := c.Issue(ctx, entity.FetchRequest{URL: "https://shop.example/ok"})
	gone, _ := c.Issue(ctx, entity.FetchRequest{URL: "https://shop.example/gone"})
	moved, _ := c.Issue(ctx, entity.FetchRequest{URL: "https://shop.example/moved", Accept: []int{200, 301}})
	broken, _ := c.Issue(ctx, entity.FetchRequest{URL: "https://shop.example/broken"})

	require.NoError(t, res.Publish(ctx, ok, entity.FetchOutcome{Result: &entity.FetchResult{StatusCode: 200, Content: []byte("hi")}}, 0))
	require.NoError(t, res.Publish(ctx, gone, entity.FetchOutcome{Result: &entity.FetchResult{StatusCode: 404}}, 0))
	require.NoError(t, res.Publish(ctx, moved, entity.FetchOutcome{Result: &entity.FetchResult{StatusCode: 301}}, 0))
	require.NoError(t, res.Publish(ctx, broken, entity.FetchOutcome{Error: "connection reset"}, 0))

	r, err := c.Collect(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(r.Content))

	_, err = c.Collect(ctx, gone)
	var fe *repository.FetchStatusError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 404, fe.StatusCode)

	r, err = c.Collect(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, 301, r.StatusCode)

	_, err = c.Collect(ctx, broken)
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 0, fe.StatusCode)
	assert.Contains(t, fe.Error(), "connection reset")

	_, err = c.Collect(ctx, ok)
	assert.True(t, errors.Is(err, repository.ErrUnknownKey))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelatorCollectHonoursCancel(t *testing.T) {
	q, res := &memQueue{}, newMemResults()
	c := NewCorrelator(q, res, zaptest.NewLogger(t))

	key, err := c.Issue(context.Background(), entity.FetchRequest{URL: "https://shop.example/slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Collect(ctx, key)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, c.Pending())

	_, err = c.Collect(context.Background(), key)
	assert.True(t, errors.Is(err, repository.ErrUnknownKey))
}
