//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/adapter"
	"bizdash-jobs/internal/infra/adapters/executor"
	"bizdash-jobs/internal/infra/memory"
	"bizdash-jobs/internal/infra/worker"
	"bizdash-jobs/internal/usecase"

	"github.com/stretchr/testify/require"
)

// --- Executors

// failing succeeds every target except the listed ids, which fail with class.
func failing(class domain.ErrorClass, ids ...string) executor.Func {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(_ context.Context, t model.Target) model.TargetOutcome {
		if !set[t.ID] {
			return model.Succeeded(t, "ok")
		}
		err := fmt.Errorf("downstream refused %s", t.ID)
		if class == domain.ClassTransient {
			return model.Failed(t, domain.Transient(err))
		}
		return model.Failed(t, domain.Permanent(err))
	}
}

// gate blocks every call until release is closed and reports each start.
type gate struct {
	started chan string
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan string, 64), release: make(chan struct{})}
}

func (g *gate) Execute(_ context.Context, t model.Target) model.TargetOutcome {
	g.started <- t.ID
	<-g.release
	return model.Succeeded(t, "released")
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

// --- Fixture

type fixture struct {
	store   *memory.JobStore
	pool    *worker.Pool
	cancels *usecase.CancellationController
	kinds   map[string]*usecase.Kind
}

func newFixture(t *testing.T, workers, queue int) *fixture {
	t.Helper()
	pool := worker.NewPool(workers, queue, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
	return &fixture{
		store:   memory.NewJobStore(),
		pool:    pool,
		cancels: usecase.NewCancellationController(),
		kinds:   map[string]*usecase.Kind{},
	}
}

func (f *fixture) addKind(name string, mode model.JobMode, exec adapter.TargetExecutor, concurrency int) *usecase.Kind {
	k := &usecase.Kind{Name: name, Mode: mode, Executor: exec}
	if mode != model.JobModeHandoff {
		lim := worker.NewRateLimiter(worker.LimiterConfig{Name: name, Concurrency: concurrency}, nil)
		k.Runner = worker.NewBatchRunner(f.store, lim, nil, worker.WithCallTimeout(2*time.Second), worker.WithMaxPages(20))
	}
	if mode == model.JobModePaginate {
		k.Start = model.Target{ID: "1"}
		k.Next = executor.NextPage("", "")
	}
	f.kinds[name] = k
	return k
}

func (f *fixture) useCase() usecase.JobUseCase {
	return usecase.NewJobUseCase(f.store, f.kinds, f.pool, f.cancels, nil)
}

func ids(n int) []model.Target {
	out := make([]model.Target, n)
	for i := range out {
		out[i] = model.Target{ID: fmt.Sprintf("t%d", i)}
	}
	return out
}

func waitTerminal(t *testing.T, uc usecase.JobUseCase, id string) *model.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := uc.Status(context.Background(), id)
		return err == nil && st.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	job, err := uc.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func waitStatus(t *testing.T, uc usecase.JobUseCase, id string, want model.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := uc.Status(context.Background(), id)
		return err == nil && st.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

// clock is a settable time source for token expiry tests.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
