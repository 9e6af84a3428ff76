package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/ports/repository"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/metrics"
	red "bizdash-jobs/internal/infra/redis"

	"github.com/rs/zerolog"
)

const janitorLockKey = "lock:janitor"

// Janitor removes finished jobs past retention and expired handoff tokens.
// With a Locker only one replica sweeps per tick.
type Janitor struct {
	jobs      repository.JobStore
	tokens    repository.HandoffTokenRepository
	locker    red.Locker
	retention time.Duration
	lockTTL   time.Duration
	now       func() time.Time
	log       *zerolog.Logger
}

// NewJanitor builds a janitor. locker may be nil for a single replica.
func NewJanitor(jobs repository.JobStore, tokens repository.HandoffTokenRepository, locker red.Locker, retention time.Duration, logger *zerolog.Logger) *Janitor {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Janitor{
		jobs:      jobs,
		tokens:    tokens,
		locker:    locker,
		retention: retention,
		lockTTL:   time.Minute,
		now:       time.Now,
		log:       logging.Component(logger, "Janitor"),
	}
}

// Sweep runs one pass and returns the number of removed records.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.locker != nil {
		token, err := j.locker.TryLock(ctx, janitorLockKey, j.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			j.log.Debug().Msg("another replica is sweeping")
			metrics.IncSweep("skipped")
			return 0, nil
		}
		if err != nil {
			metrics.IncSweep("error")
			return 0, fmt.Errorf("janitor lock: %w", err)
		}
		defer func() {
			if err := j.locker.Unlock(context.WithoutCancel(ctx), janitorLockKey, token); err != nil {
				j.log.Warn().Err(err).Msg("janitor unlock")
			}
		}()
	}

	now := j.now()
	var errs []error
	jobs, err := j.jobs.PurgeFinished(ctx, now.Add(-j.retention))
	if err != nil {
		errs = append(errs, fmt.Errorf("purge jobs: %w", err))
	}
	tokens, err := j.tokens.PurgeExpired(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge tokens: %w", err))
	}
	metrics.AddPurged("jobs", jobs)
	metrics.AddPurged("tokens", tokens)

	if err := errors.Join(errs...); err != nil {
		metrics.IncSweep("error")
		return jobs + tokens, err
	}
	metrics.IncSweep("ok")
	if jobs+tokens > 0 {
		j.log.Info().Int("jobs", jobs).Int("tokens", tokens).Msg("retention sweep")
	}
	return jobs + tokens, nil
}
