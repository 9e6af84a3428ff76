package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/adapter"
	"bizdash-jobs/internal/domain/ports/repository"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultMaxPages    = 500
)

// BatchRunner fans a job's targets out through a RateLimiter and a
// TargetExecutor, recording every outcome in the JobStore as it lands.
type BatchRunner struct {
	store       repository.JobStore
	limiter     *RateLimiter
	callTimeout time.Duration
	maxPages    int
	log         *zerolog.Logger
}

type RunnerOption func(*BatchRunner)

// WithCallTimeout bounds each Execute call, including calls left draining
// after cancellation.
func WithCallTimeout(d time.Duration) RunnerOption {
	return func(r *BatchRunner) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithMaxPages bounds RunPaginated.
func WithMaxPages(n int) RunnerOption {
	return func(r *BatchRunner) {
		if n > 0 {
			r.maxPages = n
		}
	}
}

func NewBatchRunner(store repository.JobStore, limiter *RateLimiter, logger *zerolog.Logger, opts ...RunnerOption) *BatchRunner {
	r := &BatchRunner{
		store:       store,
		limiter:     limiter,
		callTimeout: defaultCallTimeout,
		maxPages:    defaultMaxPages,
		log:         logging.Component(logger, "BatchRunner"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes every target of job. Cancelling ctx stops new calls; calls
// already in flight finish and are recorded, untried targets are skipped.
// The targets must already be resolved: an empty set is an empty batch.
func (r *BatchRunner) Run(ctx context.Context, job *model.Job, exec adapter.TargetExecutor) model.BatchResult {
	log := logging.With(logging.WithJobID(ctx, job.ID), r.log)
	defer logging.TraceDuration(log, "BatchRunner.Run")()

	if err := r.store.MarkRunning(context.WithoutCancel(ctx), job.ID); err != nil {
		log.Warn().Err(err).Msg("job not runnable")
		return r.currentResult(ctx, job)
	}
	started := time.Now()
	metrics.JobStarted(job.Kind)
	if err := r.store.UpdateProgress(context.WithoutCancel(ctx), job.ID, 0, len(job.Targets), fmt.Sprintf("processing %d targets", len(job.Targets))); err != nil {
		log.Warn().Err(err).Msg("update progress")
	}
	log.Info().Int("targets", len(job.Targets)).Int("concurrency", r.limiter.Concurrency()).Msg("batch started")

	agg := newAggregator()
	var g errgroup.Group
	next := 0
	for ; next < len(job.Targets); next++ {
		if ctx.Err() != nil {
			break
		}
		release, err := r.limiter.Acquire(ctx)
		if err != nil {
			break
		}
		t := job.Targets[next]
		g.Go(func() error {
			defer release()
			r.record(ctx, job, agg, r.execute(ctx, exec, t))
			return nil
		})
	}
	_ = g.Wait()

	cancelled := false
	for _, t := range job.Targets[next:] {
		r.record(ctx, job, agg, model.Skipped(t, model.SkipReasonCancelled))
		cancelled = true
	}
	return r.finish(ctx, job, agg, cancelled, "", started)
}

// RunPaginated executes job.Targets[0] and keeps following next while it
// reports more pages. Every discovered page is appended to the job before it
// runs, so paginated jobs also end with an outcome per target. ctx is
// checked at every page boundary.
func (r *BatchRunner) RunPaginated(ctx context.Context, job *model.Job, exec adapter.TargetExecutor, next adapter.NextTargetFunc) model.BatchResult {
	log := logging.With(logging.WithJobID(ctx, job.ID), r.log)
	defer logging.TraceDuration(log, "BatchRunner.RunPaginated")()

	bg := context.WithoutCancel(ctx)
	if err := r.store.MarkRunning(bg, job.ID); err != nil {
		log.Warn().Err(err).Msg("job not runnable")
		return r.currentResult(ctx, job)
	}
	started := time.Now()
	metrics.JobStarted(job.Kind)

	agg := newAggregator()
	if len(job.Targets) == 0 {
		msg := "paginated job has no start page"
		if err := r.store.Fail(bg, job.ID, msg); err != nil {
			log.Error().Err(err).Msg("fail job")
		}
		metrics.JobFinished(job.Kind, string(model.JobStatusFailed), time.Since(started).Seconds())
		return agg.snapshot()
	}

	current := job.Targets[0]
	cancelled := false
	message := ""
	pages := 0
	for {
		if ctx.Err() != nil {
			r.record(ctx, job, agg, model.Skipped(current, model.SkipReasonCancelled))
			cancelled = true
			break
		}
		release, err := r.limiter.Acquire(ctx)
		if err != nil {
			r.record(ctx, job, agg, model.Skipped(current, model.SkipReasonCancelled))
			cancelled = true
			break
		}
		pages++
		c := agg.counts()
		if err := r.store.UpdateProgress(bg, job.ID, c.Total(), c.Total()+1, fmt.Sprintf("fetching page %s", current.ID)); err != nil {
			log.Warn().Err(err).Msg("update progress")
		}
		o := r.execute(ctx, exec, current)
		r.record(ctx, job, agg, o)
		release()

		if pages >= r.maxPages {
			message = fmt.Sprintf("stopped after %d pages", pages)
			log.Warn().Int("pages", pages).Msg("max pages reached")
			break
		}
		nt, more := next(o)
		if !more {
			break
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := r.store.AddTarget(bg, job.ID, nt); err != nil {
			// A repeated page id means the continuation is looping.
			message = fmt.Sprintf("pagination stopped at page %s: %v", nt.ID, err)
			log.Warn().Err(err).Str("page", nt.ID).Msg("cannot enqueue next page")
			break
		}
		current = nt
	}
	log.Info().Int("pages", pages).Bool("cancelled", cancelled).Msg("pagination finished")
	return r.finish(ctx, job, agg, cancelled, message, started)
}

// execute runs one call detached from cancellation but bounded by the
// per-call timeout, and converts a panic into a permanent failure.
func (r *BatchRunner) execute(ctx context.Context, exec adapter.TargetExecutor, t model.Target) (o model.TargetOutcome) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.callTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("target", t.ID).Msg("executor panic recovered")
			o = model.Failed(t, domain.Permanent(fmt.Errorf("executor panic: %v", rec)))
		}
	}()
	o = exec.Execute(callCtx, t)
	o.Target = t
	return o
}

func (r *BatchRunner) record(ctx context.Context, job *model.Job, agg *aggregator, o model.TargetOutcome) {
	agg.mu.Lock()
	defer agg.mu.Unlock()
	agg.result.Add(o)
	class := ""
	if o.Error != nil {
		class = string(o.Error.Class)
	}
	metrics.IncOutcome(job.Kind, string(o.Bucket()), class)
	if err := r.store.RecordOutcome(context.WithoutCancel(ctx), job.ID, o); err != nil {
		agg.storeErr = errors.Join(agg.storeErr, err)
		logging.With(ctx, r.log).Error().Err(err).Str("job_id", job.ID).Str("target", o.Target.ID).Msg("record outcome")
	}
}

func (r *BatchRunner) finish(ctx context.Context, job *model.Job, agg *aggregator, cancelled bool, message string, started time.Time) model.BatchResult {
	log := logging.With(logging.WithJobID(ctx, job.ID), r.log)
	bg := context.WithoutCancel(ctx)
	res := agg.snapshot()
	c := res.Counts()
	if message == "" {
		message = fmt.Sprintf("%d succeeded / %d failed / %d skipped", c.Succeeded, c.Failed, c.Skipped)
	}

	status := model.JobStatusCompleted
	var err error
	switch {
	case cancelled:
		status = model.JobStatusCancelled
		err = r.store.Cancel(bg, job.ID, message)
	default:
		err = r.store.Complete(bg, job.ID, message)
	}
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("finalize job")
		if !errors.Is(err, domain.ErrJobTerminal) {
			status = model.JobStatusFailed
			if ferr := r.store.Fail(bg, job.ID, fmt.Sprintf("finalize: %v", err)); ferr != nil {
				log.Error().Err(ferr).Msg("fail job")
			}
		}
	}
	metrics.JobFinished(job.Kind, string(status), time.Since(started).Seconds())
	log.Info().
		Str("status", string(status)).
		Int("succeeded", c.Succeeded).
		Int("failed", c.Failed).
		Int("skipped", c.Skipped).
		Dur("duration", time.Since(started)).
		Msg("job finished")
	return res
}

func (r *BatchRunner) currentResult(ctx context.Context, job *model.Job) model.BatchResult {
	j, err := r.store.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return model.NewBatchResult()
	}
	return j.Result
}

type aggregator struct {
	mu       sync.Mutex
	result   model.BatchResult
	storeErr error
}

func newAggregator() *aggregator { return &aggregator{result: model.NewBatchResult()} }

func (a *aggregator) counts() model.Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result.Counts()
}

func (a *aggregator) snapshot() model.BatchResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result.Clone()
}
