package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/adapter"
)

var _ adapter.TargetExecutor = (*NoopExecutor)(nil)

// NoopExecutor simulates a downstream for local/dev runs. Listed ids fail
// permanently; with pages > 0 numeric ids answer like a paginated listing.
type NoopExecutor struct {
	delay time.Duration
	fail  map[string]struct{}
	pages int
}

func NewNoopExecutor(cfg config.ExecutorConfig) *NoopExecutor {
	fail := make(map[string]struct{}, len(cfg.NoopFailIDs))
	for _, id := range cfg.NoopFailIDs {
		fail[id] = struct{}{}
	}
	return &NoopExecutor{delay: cfg.NoopDelay, fail: fail, pages: cfg.NoopPages}
}

func (n *NoopExecutor) Execute(ctx context.Context, t model.Target) model.TargetOutcome {
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return model.Failed(t, ctx.Err())
		}
	}
	if _, ok := n.fail[t.ID]; ok {
		return model.Failed(t, domain.Permanent(errors.New("noop: configured to fail")))
	}
	o := model.Succeeded(t, "noop")
	if n.pages > 0 {
		page, _ := strconv.Atoi(t.ID)
		next := ""
		if page < n.pages {
			next = strconv.Itoa(page + 1)
		}
		o.Data, _ = json.Marshal(map[string]any{"page": page, "has_more": next != "", "next": next})
	}
	return o
}

// Func adapts a plain function to adapter.TargetExecutor.
type Func func(ctx context.Context, t model.Target) model.TargetOutcome

func (f Func) Execute(ctx context.Context, t model.Target) model.TargetOutcome { return f(ctx, t) }
