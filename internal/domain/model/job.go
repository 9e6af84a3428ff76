package model

import (
	"strings"
	"time"

	"bizdash-jobs/internal/domain"

	"github.com/oklog/ulid/v2"
)

type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusCreated, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobMode selects how a job's targets are produced.
type JobMode string

const (
	// JobModeBatch runs a fixed target set.
	JobModeBatch JobMode = "batch"
	// JobModePaginate starts from one page and follows a continuation.
	JobModePaginate JobMode = "paginate"
	// JobModeHandoff collects targets submitted through a handoff token.
	JobModeHandoff JobMode = "handoff"
)

func (m JobMode) IsValid() bool {
	switch m {
	case JobModeBatch, JobModePaginate, JobModeHandoff:
		return true
	}
	return false
}

// Job is a long-running bulk operation. JobStore owns it for its lifetime.
type Job struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Mode       JobMode     `json:"mode"`
	Targets    []Target    `json:"targets"`
	Status     JobStatus   `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Current    int         `json:"current"`
	Total      int         `json:"total"`
	Message    string      `json:"message"`
	Result     BatchResult `json:"result"`
}

// NewJob creates a job in the created state with a fresh ULID.
func NewJob(kind string, mode JobMode, targets []Target) (*Job, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" || !mode.IsValid() {
		return nil, domain.ErrInvalidArgument
	}
	if err := ValidateTargets(targets); err != nil {
		return nil, err
	}
	cp := make([]Target, len(targets))
	copy(cp, targets)
	return &Job{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Mode:      mode,
		Targets:   cp,
		Status:    JobStatusCreated,
		CreatedAt: time.Now().UTC(),
		Total:     len(cp),
		Result:    NewBatchResult(),
	}, nil
}

// Snapshot returns the polled fields.
func (j *Job) Snapshot() Status {
	return Status{
		JobID:   j.ID,
		Kind:    j.Kind,
		Status:  j.Status,
		Current: j.Current,
		Total:   j.Total,
		Message: j.Message,
	}
}

// Pending returns targets that still lack an outcome, in target order.
func (j *Job) Pending() []Target {
	done := make(map[string]struct{}, j.Result.Counts().Total())
	for _, bucket := range [][]TargetOutcome{j.Result.Succeeded, j.Result.Failed, j.Result.Skipped} {
		for _, o := range bucket {
			done[o.Target.ID] = struct{}{}
		}
	}
	var out []Target
	for _, t := range j.Targets {
		if _, ok := done[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand out of a store.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Targets = append([]Target(nil), j.Targets...)
	if cp.Targets == nil {
		cp.Targets = []Target{}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	cp.Result = j.Result.Clone()
	return &cp
}

// Status is the polled view of a job. It carries no wall-clock "now", so
// identical state always serializes to identical bytes.
type Status struct {
	JobID   string    `json:"job_id"`
	Kind    string    `json:"kind"`
	Status  JobStatus `json:"status"`
	Current int       `json:"current"`
	Total   int       `json:"total"`
	Message string    `json:"message"`
}

// Terminal reports whether the job will not change any more.
func (s Status) Terminal() bool { return s.Status.Terminal() }
