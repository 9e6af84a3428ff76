package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/infra/logging"

	"github.com/rs/zerolog"
)

// StatusReader is satisfied by repository.JobStore, usecase.JobUseCase and
// client.Client, so the same watcher polls in process or over HTTP.
type StatusReader interface {
	Status(ctx context.Context, id string) (model.Status, error)
}

var ErrPollExhausted = errors.New("poll attempts exhausted before the job finished")

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollMaxAttempts = 10
)

// PollWatcher turns a job's status into a finite stream of snapshots.
type PollWatcher struct {
	reader StatusReader
	log    *zerolog.Logger
	now    func() time.Time
}

func NewPollWatcher(reader StatusReader, logger *zerolog.Logger) *PollWatcher {
	return &PollWatcher{reader: reader, log: logging.Component(logger, "PollWatcher"), now: time.Now}
}

// Watch reads once immediately and then once per interval. The channel is
// closed when the job is terminal or unknown, when maxAttempts reads were
// made, or when ctx is cancelled. Reads and sends share the session
// deadline, so a stalled reader or consumer cannot keep it open longer than
// maxAttempts*interval. A failed read still uses up an attempt.
func (w *PollWatcher) Watch(ctx context.Context, jobID string, interval time.Duration, maxAttempts int) <-chan model.Status {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	out := make(chan model.Status)
	sess := model.NewPollSession(jobID, interval, maxAttempts, w.now())
	log := logging.With(logging.WithJobID(ctx, jobID), w.log)

	go func() {
		defer close(out)
		wctx, cancel := context.WithDeadline(ctx, sess.Deadline)
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for sess.Attempt(w.now()) {
			st, err := w.reader.Status(wctx, jobID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				log.Warn().Msg("job not found; stop watching")
				return
			case err != nil:
				if wctx.Err() != nil {
					w.stopped(ctx, log, sess)
					return
				}
				log.Warn().Err(err).Int("attempt", sess.Attempts).Msg("status read failed")
			default:
				select {
				case out <- st:
				case <-wctx.Done():
					w.stopped(ctx, log, sess)
					return
				}
				if st.Terminal() {
					return
				}
			}
			if sess.Exhausted(w.now()) {
				break
			}
			select {
			case <-wctx.Done():
				w.stopped(ctx, log, sess)
				return
			case <-ticker.C:
			}
		}
		log.Debug().Int("attempts", sess.Attempts).Msg("poll session exhausted")
	}()
	return out
}

func (w *PollWatcher) stopped(ctx context.Context, log *zerolog.Logger, sess *model.PollSession) {
	if ctx.Err() != nil {
		return
	}
	log.Debug().Int("attempts", sess.Attempts).Msg("poll deadline reached")
}

// Await drains Watch and returns the last snapshot seen. It returns
// ErrPollExhausted when no terminal snapshot arrived.
func (w *PollWatcher) Await(ctx context.Context, jobID string, interval time.Duration, maxAttempts int) (model.Status, error) {
	var (
		last model.Status
		seen bool
	)
	for st := range w.Watch(ctx, jobID, interval, maxAttempts) {
		last, seen = st, true
	}
	switch {
	case seen && last.Terminal():
		return last, nil
	case ctx.Err() != nil:
		return last, ctx.Err()
	}
	return last, fmt.Errorf("job %s: %w", jobID, ErrPollExhausted)
}
