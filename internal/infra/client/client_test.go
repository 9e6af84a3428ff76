//go:build !integration

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/infra/adapters/executor"
	"bizdash-jobs/internal/infra/api"
	"bizdash-jobs/internal/infra/memory"
	"bizdash-jobs/internal/infra/sched"
	"bizdash-jobs/internal/infra/worker"
	"bizdash-jobs/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T) *Client {
	t.Helper()
	store := memory.NewJobStore()
	pool := worker.NewPool(1, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	exec := executor.Func(func(_ context.Context, tg model.Target) model.TargetOutcome {
		return model.Succeeded(tg, "synced")
	})
	lim := worker.NewRateLimiter(worker.LimiterConfig{Name: "codef_sync", Concurrency: 1}, nil)
	kinds := map[string]*usecase.Kind{
		"codef_sync": {
			Name:     "codef_sync",
			Mode:     model.JobModeBatch,
			Executor: exec,
			Runner:   worker.NewBatchRunner(store, lim, nil),
		},
	}
	jobs := usecase.NewJobUseCase(store, kinds, pool, nil, nil)
	handoff := usecase.NewHandoffService(memory.NewHandoffTokenRepo(0), store, usecase.HandoffOptions{Secret: []byte("s")}, nil)
	srv := httptest.NewServer(api.NewServer(jobs, handoff, config.HTTPConfig{}, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		pool.Stop()
	})
	return New(srv.URL, srv.Client())
}

func TestClient_SubmitAndWatch(t *testing.T) {
	c := newAPI(t)
	ctx := context.Background()

	id, err := c.Submit(ctx, "codef_sync", []model.Target{{ID: "org-1"}, {ID: "org-2"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st, err := sched.NewPollWatcher(c, nil).Await(ctx, id, 10*time.Millisecond, 200)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, st.Status)
	assert.Equal(t, 2, st.Total)

	res, err := c.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, res.ID)
	assert.Equal(t, model.Counts{Succeeded: 2}, res.Counts)
	assert.Len(t, res.Result.Succeeded, 2)

	err = c.Cancel(ctx, id)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "terminal")
}

func TestClient_Errors(t *testing.T) {
	c := newAPI(t)
	ctx := context.Background()

	_, err := c.Status(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.Submit(ctx, "codef_sync", []model.Target{{ID: "x"}, {ID: "x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = c.Resume(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClient_WatchUnknownJob(t *testing.T) {
	c := newAPI(t)
	got := 0
	for range sched.NewPollWatcher(c, nil).Watch(context.Background(), "missing", 10*time.Millisecond, 5) {
		got++
	}
	assert.Zero(t, got)
}
