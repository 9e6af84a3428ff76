// Package memory holds process-local implementations of the repository
// ports. They are the default backends and the fakes used across tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"
)

// JobStore keeps jobs in a map. The map lock is only held to find an entry;
// each job is mutated under its own lock so jobs never contend.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobEntry
	now  func() time.Time
}

type jobEntry struct {
	mu      sync.Mutex
	job     *model.Job
	targets map[string]struct{}
	done    map[string]struct{}
}

var _ repository.JobStore = (*JobStore)(nil)

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*jobEntry), now: func() time.Time { return time.Now().UTC() }}
}

func (s *JobStore) Create(_ context.Context, job *model.Job) error {
	if job == nil || job.ID == "" {
		return domain.ErrInvalidArgument
	}
	if err := model.ValidateTargets(job.Targets); err != nil {
		return err
	}
	e := &jobEntry{
		job:     job.Clone(),
		targets: make(map[string]struct{}, len(job.Targets)),
		done:    make(map[string]struct{}),
	}
	for _, t := range job.Targets {
		e.targets[t.ID] = struct{}{}
	}
	for _, bucket := range [][]model.TargetOutcome{job.Result.Succeeded, job.Result.Failed, job.Result.Skipped} {
		for _, o := range bucket {
			e.done[o.Target.ID] = struct{}{}
		}
	}
	if e.job.Total < len(job.Targets) {
		e.job.Total = len(job.Targets)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.jobs[job.ID] = e
	return nil
}

func (s *JobStore) entry(id string) (*jobEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

// mutate runs fn under the job lock, rejecting terminal jobs.
func (s *JobStore) mutate(id string, fn func(e *jobEntry) error) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job.Status.Terminal() {
		return domain.ErrJobTerminal
	}
	return fn(e)
}

func (s *JobStore) Get(_ context.Context, id string) (*model.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (s *JobStore) Status(_ context.Context, id string) (model.Status, error) {
	e, err := s.entry(id)
	if err != nil {
		return model.Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Snapshot(), nil
}

func (s *JobStore) MarkRunning(_ context.Context, id string) error {
	return s.mutate(id, func(e *jobEntry) error {
		if e.job.Status != model.JobStatusCreated {
			return fmt.Errorf("job %s is %s: %w", id, e.job.Status, domain.ErrInvalidArgument)
		}
		now := s.now()
		e.job.Status = model.JobStatusRunning
		e.job.StartedAt = &now
		return nil
	})
}

func (s *JobStore) UpdateProgress(_ context.Context, id string, current, total int, message string) error {
	return s.mutate(id, func(e *jobEntry) error {
		if current < 0 || total < current {
			return domain.ErrInvalidArgument
		}
		e.job.Current = current
		e.job.Total = total
		e.job.Message = message
		return nil
	})
}

func (s *JobStore) RecordOutcome(_ context.Context, id string, o model.TargetOutcome) error {
	return s.mutate(id, func(e *jobEntry) error {
		return e.record(o)
	})
}

func (e *jobEntry) record(o model.TargetOutcome) error {
	if _, ok := e.targets[o.Target.ID]; !ok {
		return fmt.Errorf("target %q not in job: %w", o.Target.ID, domain.ErrNotFound)
	}
	if _, ok := e.done[o.Target.ID]; ok {
		return fmt.Errorf("target %q already has an outcome: %w", o.Target.ID, domain.ErrAlreadyExists)
	}
	e.done[o.Target.ID] = struct{}{}
	e.job.Result.Add(o)
	e.job.Current = len(e.done)
	return nil
}

func (s *JobStore) AddTarget(_ context.Context, id string, t model.Target) error {
	if t.ID == "" {
		return domain.ErrInvalidArgument
	}
	return s.mutate(id, func(e *jobEntry) error {
		if _, ok := e.targets[t.ID]; ok {
			return fmt.Errorf("target %q: %w", t.ID, domain.ErrAlreadyExists)
		}
		e.targets[t.ID] = struct{}{}
		e.job.Targets = append(e.job.Targets, t)
		if len(e.job.Targets) > e.job.Total {
			e.job.Total = len(e.job.Targets)
		}
		return nil
	})
}

func (s *JobStore) AppendOutcome(_ context.Context, id string, o model.TargetOutcome) error {
	if o.Target.ID == "" {
		return domain.ErrInvalidArgument
	}
	return s.mutate(id, func(e *jobEntry) error {
		if _, ok := e.targets[o.Target.ID]; ok {
			return fmt.Errorf("target %q: %w", o.Target.ID, domain.ErrAlreadyExists)
		}
		e.targets[o.Target.ID] = struct{}{}
		e.job.Targets = append(e.job.Targets, o.Target)
		if len(e.job.Targets) > e.job.Total {
			e.job.Total = len(e.job.Targets)
		}
		return e.record(o)
	})
}

func (s *JobStore) Complete(_ context.Context, id string, message string) error {
	return s.mutate(id, func(e *jobEntry) error {
		if len(e.done) < len(e.job.Targets) {
			return domain.ErrIncompleteResult
		}
		e.finish(model.JobStatusCompleted, message, s.now())
		return nil
	})
}

func (s *JobStore) Cancel(_ context.Context, id string, message string) error {
	return s.mutate(id, func(e *jobEntry) error {
		e.skipPending(model.SkipReasonCancelled)
		e.finish(model.JobStatusCancelled, message, s.now())
		return nil
	})
}

func (s *JobStore) CancelCreated(_ context.Context, id string, message string) (bool, error) {
	cancelled := false
	err := s.mutate(id, func(e *jobEntry) error {
		if e.job.Status != model.JobStatusCreated {
			return nil
		}
		e.skipPending(model.SkipReasonCancelled)
		e.finish(model.JobStatusCancelled, message, s.now())
		cancelled = true
		return nil
	})
	return cancelled, err
}

func (s *JobStore) Fail(_ context.Context, id string, message string) error {
	return s.mutate(id, func(e *jobEntry) error {
		e.skipPending(model.SkipReasonFailed)
		e.finish(model.JobStatusFailed, message, s.now())
		return nil
	})
}

func (e *jobEntry) skipPending(reason string) {
	for _, t := range e.job.Targets {
		if _, ok := e.done[t.ID]; ok {
			continue
		}
		_ = e.record(model.Skipped(t, reason))
	}
}

func (e *jobEntry) finish(status model.JobStatus, message string, now time.Time) {
	e.job.Status = status
	e.job.Message = message
	e.job.Current = len(e.done)
	e.job.Total = len(e.job.Targets)
	e.job.FinishedAt = &now
}

func (s *JobStore) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.jobs {
		e.mu.Lock()
		old := e.job.Status.Terminal() && e.job.FinishedAt != nil && e.job.FinishedAt.Before(before)
		e.mu.Unlock()
		if old {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
