package usecase

import (
	"fmt"
	"net/http"
	"sort"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/adapter"
	"bizdash-jobs/internal/domain/ports/repository"
	"bizdash-jobs/internal/infra/adapters/executor"
	"bizdash-jobs/internal/infra/worker"

	"github.com/rs/zerolog"
)

// Kind is one configured bulk operation with its own limiter, so every job
// of the kind shares a single downstream budget.
type Kind struct {
	Name     string
	Mode     model.JobMode
	Runner   *worker.BatchRunner
	Executor adapter.TargetExecutor
	// Universe expands an empty batch submission; nil means empty batch.
	Universe adapter.UniverseResolver
	// Start and Next drive paginate kinds.
	Start model.Target
	Next  adapter.NextTargetFunc
}

// BuildKinds wires every kind in cfg. gate may be nil when no kind uses a
// shared limit.
func BuildKinds(cfg *config.Config, store repository.JobStore, gate worker.Gate, client *http.Client, logger *zerolog.Logger) (map[string]*Kind, error) {
	names := make([]string, 0, len(cfg.Kinds))
	for name := range cfg.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	kinds := make(map[string]*Kind, len(names))
	for _, name := range names {
		kc := cfg.Kinds[name]
		k := &Kind{Name: name, Mode: model.JobMode(kc.Mode)}
		if !k.Mode.IsValid() {
			return nil, fmt.Errorf("kind %s: unsupported mode %q", name, kc.Mode)
		}
		if k.Mode == model.JobModeHandoff {
			kinds[name] = k
			continue
		}

		lc := worker.LimiterConfig{
			Name:           name,
			Concurrency:    kc.Concurrency,
			InterCallDelay: kc.InterCallDelay,
			RatePerSec:     kc.RatePerSec,
		}
		if kc.SharedLimit.Key != "" {
			if gate == nil {
				return nil, fmt.Errorf("kind %s: shared_limit needs redis", name)
			}
			lc.Gate = gate
			lc.GateKey = kc.SharedLimit.Key
			lc.GateLimit = kc.SharedLimit.Limit
			lc.GateWindow = kc.SharedLimit.Window
		}
		limiter := worker.NewRateLimiter(lc, logger)
		k.Runner = worker.NewBatchRunner(store, limiter, logger,
			worker.WithCallTimeout(kc.Executor.Timeout),
			worker.WithMaxPages(kc.Paginate.MaxPages),
		)

		exec, err := executor.New(name, kc.Executor, client, logger)
		if err != nil {
			return nil, err
		}
		k.Executor = exec

		switch k.Mode {
		case model.JobModeBatch:
			u, err := executor.NewUniverse(kc.Universe, client)
			if err != nil {
				return nil, fmt.Errorf("kind %s universe: %w", name, err)
			}
			k.Universe = u
		case model.JobModePaginate:
			start, err := executor.StartPage(kc.Paginate)
			if err != nil {
				return nil, fmt.Errorf("kind %s start page: %w", name, err)
			}
			k.Start = start
			k.Next = executor.NextPage(kc.Paginate.HasMorePath, kc.Paginate.NextPath)
		}
		kinds[name] = k
	}
	return kinds, nil
}
