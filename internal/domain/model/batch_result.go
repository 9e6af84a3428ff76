package model

import (
	"encoding/json"
	"errors"
	"time"

	"bizdash-jobs/internal/domain"
)

// Skip reasons recorded in OutcomeError.Message for skipped targets.
const (
	SkipReasonCancelled = "cancelled"
	SkipReasonFailed    = "job failed"
)

// OutcomeError is the typed failure of one target.
type OutcomeError struct {
	Class      domain.ErrorClass `json:"class"`
	Message    string            `json:"message"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
}

func (e *OutcomeError) Error() string { return string(e.Class) + ": " + e.Message }

// Unwrap lets errors.Is match the class sentinel (domain.ErrTransient ...).
func (e *OutcomeError) Unwrap() error { return e.Class.Sentinel() }

// NewOutcomeError converts an executor error into its typed form.
func NewOutcomeError(err error) *OutcomeError {
	if err == nil {
		return nil
	}
	var oe *OutcomeError
	if errors.As(err, &oe) {
		cp := *oe
		return &cp
	}
	return &OutcomeError{
		Class:      domain.ClassOf(err),
		Message:    err.Error(),
		RetryAfter: domain.RetryAfterOf(err),
	}
}

// Bucket names the BatchResult slice an outcome belongs to.
type Bucket string

const (
	BucketSucceeded Bucket = "succeeded"
	BucketFailed    Bucket = "failed"
	BucketSkipped   Bucket = "skipped"
)

// TargetOutcome is the result of executing (or skipping) one target.
type TargetOutcome struct {
	Target Target          `json:"target"`
	Detail string          `json:"detail,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *OutcomeError   `json:"error,omitempty"`
}

// Succeeded builds a success outcome.
func Succeeded(t Target, detail string) TargetOutcome {
	return TargetOutcome{Target: t, Detail: detail}
}

// Failed builds a failure outcome from an executor error.
func Failed(t Target, err error) TargetOutcome {
	return TargetOutcome{Target: t, Error: NewOutcomeError(err)}
}

// Skipped builds a skipped outcome with the given reason.
func Skipped(t Target, reason string) TargetOutcome {
	return TargetOutcome{
		Target: t,
		Error:  &OutcomeError{Class: domain.ClassCancelled, Message: reason},
	}
}

// Bucket reports where the outcome is aggregated.
func (o TargetOutcome) Bucket() Bucket {
	switch {
	case o.Error == nil:
		return BucketSucceeded
	case o.Error.Class == domain.ClassCancelled:
		return BucketSkipped
	default:
		return BucketFailed
	}
}

// Counts summarizes a BatchResult for "N succeeded / M failed / K skipped".
type Counts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Total is the number of targets with an outcome.
func (c Counts) Total() int { return c.Succeeded + c.Failed + c.Skipped }

// BatchResult aggregates per-target outcomes. Slices are append-only.
type BatchResult struct {
	Succeeded []TargetOutcome `json:"succeeded"`
	Failed    []TargetOutcome `json:"failed"`
	Skipped   []TargetOutcome `json:"skipped"`
}

// NewBatchResult returns a result with non-nil slices so JSON renders [].
func NewBatchResult() BatchResult {
	return BatchResult{
		Succeeded: []TargetOutcome{},
		Failed:    []TargetOutcome{},
		Skipped:   []TargetOutcome{},
	}
}

// Add appends o to its bucket.
func (r *BatchResult) Add(o TargetOutcome) {
	switch o.Bucket() {
	case BucketSucceeded:
		r.Succeeded = append(r.Succeeded, o)
	case BucketSkipped:
		r.Skipped = append(r.Skipped, o)
	default:
		r.Failed = append(r.Failed, o)
	}
}

// Counts returns the bucket sizes.
func (r BatchResult) Counts() Counts {
	return Counts{Succeeded: len(r.Succeeded), Failed: len(r.Failed), Skipped: len(r.Skipped)}
}

// Has reports whether targetID already has an outcome.
func (r BatchResult) Has(targetID string) bool {
	for _, bucket := range [][]TargetOutcome{r.Succeeded, r.Failed, r.Skipped} {
		for _, o := range bucket {
			if o.Target.ID == targetID {
				return true
			}
		}
	}
	return false
}

// Resumable returns the targets a follow-up job should retry: transient
// failures and targets skipped because of cancellation. Permanent failures
// are never retried automatically.
func (r BatchResult) Resumable() []Target {
	var out []Target
	for _, o := range r.Failed {
		if o.Error != nil && o.Error.Class == domain.ClassTransient {
			out = append(out, o.Target)
		}
	}
	for _, o := range r.Skipped {
		out = append(out, o.Target)
	}
	return out
}

// Clone deep-copies the slices (payload bytes are shared; they are immutable).
func (r BatchResult) Clone() BatchResult {
	cp := NewBatchResult()
	cp.Succeeded = append(cp.Succeeded, r.Succeeded...)
	cp.Failed = append(cp.Failed, r.Failed...)
	cp.Skipped = append(cp.Skipped, r.Skipped...)
	return cp
}
