package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/worker"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ JobUseCase = (*jobUC)(nil)

type JobUseCase interface {
	// Submit creates a job of kind and schedules its runner. Empty targets
	// mean the kind's full universe (batch) or its start page (paginate).
	Submit(ctx context.Context, kind string, targets []model.Target) (*model.Job, error)
	Status(ctx context.Context, id string) (model.Status, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Cancel(ctx context.Context, id string) error
	// Complete closes a handoff job once the caller has every result.
	Complete(ctx context.Context, id string) error
	// Resume retries a finished job's transient failures and cancelled skips
	// as a new job of the same kind.
	Resume(ctx context.Context, id string) (*model.Job, error)
	Kinds() []string
	// Shutdown cancels every runner and waits for them to drain.
	Shutdown(ctx context.Context) error
}

const (
	msgQueued         = "queued"
	msgCancelled      = "cancelled by user"
	msgShutdown       = "cancelled: service shutting down"
	msgAwaitingUpload = "waiting for results"
)

type jobUC struct {
	store   repository.JobStore
	kinds   map[string]*Kind
	pool    *worker.Pool
	cancels *CancellationController
	log     *zerolog.Logger
}

func NewJobUseCase(store repository.JobStore, kinds map[string]*Kind, pool *worker.Pool, cancels *CancellationController, logger *zerolog.Logger) *jobUC {
	if cancels == nil {
		cancels = NewCancellationController()
	}
	return &jobUC{
		store:   store,
		kinds:   kinds,
		pool:    pool,
		cancels: cancels,
		log:     logging.Component(logger, "JobUseCase"),
	}
}

func (uc *jobUC) Kinds() []string {
	out := make([]string, 0, len(uc.kinds))
	for name := range uc.kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (uc *jobUC) kind(name string) (*Kind, error) {
	k, ok := uc.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, domain.ErrUnknownKind)
	}
	return k, nil
}

func (uc *jobUC) Submit(ctx context.Context, kindName string, targets []model.Target) (*model.Job, error) {
	k, err := uc.kind(kindName)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithKind(ctx, k.Name)

	switch k.Mode {
	case model.JobModeBatch:
		if len(targets) == 0 && k.Universe != nil {
			targets, err = k.Universe.Resolve(ctx)
			if err != nil {
				return nil, fmt.Errorf("resolve universe: %w", err)
			}
		}
	case model.JobModePaginate:
		switch len(targets) {
		case 0:
			targets = []model.Target{k.Start}
		case 1:
		default:
			return nil, fmt.Errorf("paginate jobs take a single start page: %w", domain.ErrInvalidArgument)
		}
	case model.JobModeHandoff:
		if len(targets) > 0 {
			return nil, fmt.Errorf("handoff jobs collect their targets: %w", domain.ErrInvalidArgument)
		}
	}

	job, err := model.NewJob(k.Name, k.Mode, targets)
	if err != nil {
		return nil, err
	}
	if err := uc.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := uc.launch(ctx, k, job); err != nil {
		return nil, err
	}
	logging.With(logging.WithJobID(ctx, job.ID), uc.log).Info().
		Str("mode", string(job.Mode)).Int("targets", len(job.Targets)).Msg("job submitted")
	return job, nil
}

// launch hands the job to the pool, or opens it for uploads in handoff mode.
func (uc *jobUC) launch(ctx context.Context, k *Kind, job *model.Job) error {
	if k.Mode == model.JobModeHandoff {
		if err := uc.store.MarkRunning(ctx, job.ID); err != nil {
			return fmt.Errorf("open handoff job: %w", err)
		}
		return uc.store.UpdateProgress(ctx, job.ID, 0, 0, msgAwaitingUpload)
	}

	_ = uc.store.UpdateProgress(ctx, job.ID, 0, len(job.Targets), msgQueued)

	// The runner outlives the request; only the trace id carries over.
	base := logging.WithKind(logging.WithTraceID(context.Background(), logging.TraceID(ctx)), k.Name)
	runCtx, done := uc.cancels.Register(base, job.ID)
	err := uc.pool.Submit(func(context.Context) error {
		defer done()
		if k.Mode == model.JobModePaginate {
			k.Runner.RunPaginated(runCtx, job, k.Executor, k.Next)
		} else {
			k.Runner.Run(runCtx, job, k.Executor)
		}
		return nil
	})
	if err != nil {
		done()
		if ferr := uc.store.Fail(context.WithoutCancel(ctx), job.ID, err.Error()); ferr != nil {
			uc.log.Error().Err(ferr).Str("job_id", job.ID).Msg("failed to fail unscheduled job")
		}
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

func (uc *jobUC) Status(ctx context.Context, id string) (model.Status, error) {
	return uc.store.Status(ctx, id)
}

func (uc *jobUC) Get(ctx context.Context, id string) (*model.Job, error) {
	return uc.store.Get(ctx, id)
}

func (uc *jobUC) Cancel(ctx context.Context, id string) error {
	st, err := uc.store.Status(ctx, id)
	if err != nil {
		return err
	}
	if st.Terminal() {
		return fmt.Errorf("job %s is %s: %w", id, st.Status, domain.ErrJobTerminal)
	}
	if uc.cancels.Cancel(id) {
		logging.With(logging.WithJobID(ctx, id), uc.log).Info().Msg("cancel signalled to runner")
		// A queued job is finalized here. Once the runner has marked it
		// running, the runner records in-flight outcomes and finalizes.
		_, err := uc.store.CancelCreated(ctx, id, msgCancelled)
		return err
	}
	// Handoff or orphaned jobs have nobody to finalize them.
	return uc.store.Cancel(ctx, id, msgCancelled)
}

func (uc *jobUC) Complete(ctx context.Context, id string) error {
	job, err := uc.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Mode != model.JobModeHandoff {
		return fmt.Errorf("only handoff jobs are completed by hand: %w", domain.ErrInvalidArgument)
	}
	return uc.store.Complete(ctx, id, resultMessage(job.Result.Counts()))
}

func (uc *jobUC) Resume(ctx context.Context, id string) (*model.Job, error) {
	prev, err := uc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Status.Terminal() {
		return nil, fmt.Errorf("job %s is still %s: %w", id, prev.Status, domain.ErrInvalidArgument)
	}
	if prev.Mode == model.JobModeHandoff {
		return nil, fmt.Errorf("handoff jobs cannot be resumed: %w", domain.ErrInvalidArgument)
	}
	targets := prev.Result.Resumable()
	if len(targets) == 0 {
		return nil, domain.ErrNothingToResume
	}
	if prev.Mode == model.JobModePaginate {
		// The continuation rediscovers the rest from the first unfinished page.
		targets = targets[:1]
	}
	job, err := uc.Submit(ctx, prev.Kind, targets)
	if err != nil {
		return nil, err
	}
	logging.With(logging.WithJobID(ctx, job.ID), uc.log).Info().
		Str("resumed_from", id).Int("targets", len(targets)).Msg("job resumed")
	return job, nil
}

func (uc *jobUC) Shutdown(ctx context.Context) error {
	signalled := uc.cancels.CancelAll()
	uc.log.Info().Int("jobs", len(signalled)).Msg("shutting down runners")

	stopped := make(chan struct{})
	go func() {
		uc.pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return fmt.Errorf("runners still draining: %w", ctx.Err())
	}

	// Jobs still registered were queued but never picked up.
	var errs []error
	for _, id := range uc.cancels.Active() {
		if err := uc.store.Cancel(context.WithoutCancel(ctx), id, msgShutdown); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
			errs = append(errs, fmt.Errorf("cancel queued job %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func resultMessage(c model.Counts) string {
	return fmt.Sprintf("%d succeeded / %d failed / %d skipped", c.Succeeded, c.Failed, c.Skipped)
}
