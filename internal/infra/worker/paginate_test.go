package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"testing"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pageJob(t *testing.T) (*memory.JobStore, *model.Job) {
	t.Helper()
	store := memory.NewJobStore()
	job, err := model.NewJob("kream_products", model.JobModePaginate, []model.Target{{ID: "1"}})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), job))
	return store, job
}

// pageExec returns {"page": n, "has_more": n < last} for target id n.
func pageExec(last int, calls *atomic.Int32, onCall func(n int)) execFunc {
	return func(_ context.Context, tg model.Target) model.TargetOutcome {
		calls.Add(1)
		n, _ := strconv.Atoi(tg.ID)
		if onCall != nil {
			onCall(n)
		}
		body, _ := json.Marshal(map[string]any{"page": n, "has_more": n < last})
		o := model.Succeeded(tg, "page "+tg.ID)
		o.Data = body
		return o
	}
}

func nextPage(last model.TargetOutcome) (model.Target, bool) {
	var body struct {
		Page    int  `json:"page"`
		HasMore bool `json:"has_more"`
	}
	if last.Error != nil || json.Unmarshal(last.Data, &body) != nil || !body.HasMore {
		return model.Target{}, false
	}
	return model.Target{ID: strconv.Itoa(body.Page + 1)}, true
}

func TestRunPaginated_StopsWhenNoMorePages(t *testing.T) {
	store, job := pageJob(t)
	r := NewBatchRunner(store, NewRateLimiter(LimiterConfig{Concurrency: 1}, nil), nil)

	var calls atomic.Int32
	res := r.RunPaginated(context.Background(), job, pageExec(3, &calls, nil), nextPage)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, model.Counts{Succeeded: 3}, res.Counts())

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Len(t, got.Targets, 3)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 3, got.Current)
}

func TestRunPaginated_MaxPages(t *testing.T) {
	store, job := pageJob(t)
	r := NewBatchRunner(store, NewRateLimiter(LimiterConfig{Concurrency: 1}, nil), nil, WithMaxPages(2))

	var calls atomic.Int32
	r.RunPaginated(context.Background(), job, pageExec(1000, &calls, nil), nextPage)

	assert.Equal(t, int32(2), calls.Load())
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, "stopped after 2 pages", got.Message)
}

func TestRunPaginated_CancelBetweenPages(t *testing.T) {
	store, job := pageJob(t)
	r := NewBatchRunner(store, NewRateLimiter(LimiterConfig{Concurrency: 1}, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	res := r.RunPaginated(ctx, job, pageExec(10, &calls, func(n int) {
		if n == 2 {
			cancel()
		}
	}), nextPage)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, model.Counts{Succeeded: 2}, res.Counts())
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
	assert.Empty(t, got.Pending())
}

func TestRunPaginated_CancelledBeforeFirstPage(t *testing.T) {
	store, job := pageJob(t)
	r := NewBatchRunner(store, NewRateLimiter(LimiterConfig{Concurrency: 1}, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	res := r.RunPaginated(ctx, job, pageExec(3, &calls, nil), nextPage)
	assert.Zero(t, calls.Load())
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "1", res.Skipped[0].Target.ID)
}

func TestRunPaginated_LoopingContinuationStops(t *testing.T) {
	store, job := pageJob(t)
	r := NewBatchRunner(store, NewRateLimiter(LimiterConfig{Concurrency: 1}, nil), nil)

	var calls atomic.Int32
	r.RunPaginated(context.Background(), job, pageExec(10, &calls, nil), func(model.TargetOutcome) (model.Target, bool) {
		return model.Target{ID: "1"}, true
	})

	assert.Equal(t, int32(1), calls.Load())
	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Contains(t, got.Message, domain.ErrAlreadyExists.Error())
}

func TestRunPaginated_NoStartPage(t *testing.T) {
	store := memory.NewJobStore()
	job, err := model.NewJob("kream_products", model.JobModePaginate, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), job))
	r := NewBatchRunner(store, NewRateLimiter(LimiterConfig{Concurrency: 1}, nil), nil)

	var calls atomic.Int32
	r.RunPaginated(context.Background(), job, pageExec(3, &calls, nil), nextPage)
	st, err := store.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, st.Status)
}
