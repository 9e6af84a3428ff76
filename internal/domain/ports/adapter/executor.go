package adapter

import (
	"context"

	"bizdash-jobs/internal/domain/model"
)

// TargetExecutor performs one downstream call for one target. It never
// panics across the runner boundary and reports every failure as a typed
// TargetOutcome.Error (transient or permanent).
type TargetExecutor interface {
	Execute(ctx context.Context, target model.Target) model.TargetOutcome
}

// UniverseResolver expands "no explicit targets" into the full known set
// (every account, every organization) before a batch runs.
type UniverseResolver interface {
	Resolve(ctx context.Context) ([]model.Target, error)
}

// NextTargetFunc is the pagination continuation: given the last page's
// outcome it returns the next page target and whether there is one.
type NextTargetFunc func(last model.TargetOutcome) (next model.Target, hasMore bool)
