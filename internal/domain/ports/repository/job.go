package repository

import (
	"context"
	"time"

	"bizdash-jobs/internal/domain/model"
)

// JobStore owns jobs and their batch results. Every mutation is
// linearizable per job id; different jobs may be mutated concurrently.
// Mutating a terminal job returns domain.ErrJobTerminal.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	// Get returns a deep copy including the result.
	Get(ctx context.Context, id string) (*model.Job, error)
	// Status returns the polled snapshot without copying targets/results.
	Status(ctx context.Context, id string) (model.Status, error)

	// MarkRunning moves created -> running and stamps started_at.
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, current, total int, message string) error
	// RecordOutcome appends the outcome to its bucket and bumps current.
	// The target must belong to the job and must not have an outcome yet.
	RecordOutcome(ctx context.Context, id string, outcome model.TargetOutcome) error
	// AddTarget appends a target discovered while running (next page,
	// handoff submission) and bumps total.
	AddTarget(ctx context.Context, id string, target model.Target) error
	// AppendOutcome adds outcome.Target to the job and records its outcome
	// in one step, so a failure leaves neither behind.
	AppendOutcome(ctx context.Context, id string, outcome model.TargetOutcome) error

	// Complete requires every target to have an outcome.
	Complete(ctx context.Context, id string, message string) error
	// Cancel and Fail record a skipped outcome for each pending target first.
	Cancel(ctx context.Context, id string, message string) error
	// CancelCreated cancels the job only while it is still created. It
	// reports false once a runner has marked it running.
	CancelCreated(ctx context.Context, id string, message string) (bool, error)
	Fail(ctx context.Context, id string, message string) error

	// PurgeFinished deletes terminal jobs finished before the cutoff.
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
}
