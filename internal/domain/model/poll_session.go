package model

import "time"

// PollSession is the caller-owned state of one status-polling loop. It only
// ever reads job state.
type PollSession struct {
	JobID       string
	Interval    time.Duration
	Attempts    int
	MaxAttempts int
	Deadline    time.Time
}

// NewPollSession starts a session whose deadline is maxAttempts intervals away.
func NewPollSession(jobID string, interval time.Duration, maxAttempts int, now time.Time) *PollSession {
	return &PollSession{
		JobID:       jobID,
		Interval:    interval,
		MaxAttempts: maxAttempts,
		Deadline:    now.Add(time.Duration(maxAttempts) * interval),
	}
}

// Attempt consumes one attempt and reports whether it was allowed.
func (p *PollSession) Attempt(now time.Time) bool {
	if p.Exhausted(now) {
		return false
	}
	p.Attempts++
	return true
}

// Exhausted reports whether attempts or wall-clock budget ran out.
func (p *PollSession) Exhausted(now time.Time) bool {
	return p.Attempts >= p.MaxAttempts || !now.Before(p.Deadline)
}
