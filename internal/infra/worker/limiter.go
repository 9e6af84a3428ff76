package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrDoubleRelease is the panic value of a release func called twice.
var ErrDoubleRelease = errors.New("worker: rate limiter slot released twice")

// Gate is a shared fixed-window limiter (see redis.RateLimiter) consulted
// after a local slot is granted, so replicas respect one downstream quota.
type Gate interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LimiterConfig configures a RateLimiter.
type LimiterConfig struct {
	Name           string
	Concurrency    int
	InterCallDelay time.Duration
	// RatePerSec caps call starts per second; 0 disables.
	RatePerSec float64

	Gate       Gate
	GateKey    string
	GateLimit  int
	GateWindow time.Duration
}

// RateLimiter bounds in-flight downstream calls and keeps a released slot
// cooling down for InterCallDelay before it can be acquired again.
type RateLimiter struct {
	name     string
	slots    chan struct{}
	delay    time.Duration
	starts   *rate.Limiter
	cfg      LimiterConfig
	inFlight atomic.Int32
	log      *zerolog.Logger
}

func NewRateLimiter(cfg LimiterConfig, logger *zerolog.Logger) *RateLimiter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	l := &RateLimiter{
		name:  cfg.Name,
		slots: make(chan struct{}, cfg.Concurrency),
		delay: cfg.InterCallDelay,
		cfg:   cfg,
		log:   logging.Component(logger, "RateLimiter"),
	}
	for i := 0; i < cfg.Concurrency; i++ {
		l.slots <- struct{}{}
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		l.starts = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return l
}

// Concurrency is the configured slot count.
func (l *RateLimiter) Concurrency() int { return cap(l.slots) }

// InFlight is the number of acquired, unreleased slots.
func (l *RateLimiter) InFlight() int { return int(l.inFlight.Load()) }

// Acquire blocks until a slot is free or ctx is done. The returned release
// must be called exactly once; a second call panics with ErrDoubleRelease.
func (l *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, domain.Cancelled(err)
	}
	select {
	case <-l.slots:
	case <-ctx.Done():
		return nil, domain.Cancelled(ctx.Err())
	}
	// select picks randomly when both cases are ready.
	if err := ctx.Err(); err != nil {
		l.slots <- struct{}{}
		return nil, domain.Cancelled(err)
	}

	if l.starts != nil {
		if err := l.starts.Wait(ctx); err != nil {
			l.slots <- struct{}{}
			return nil, domain.Cancelled(err)
		}
	}
	if err := l.waitGate(ctx); err != nil {
		l.slots <- struct{}{}
		return nil, domain.Cancelled(err)
	}

	n := l.inFlight.Add(1)
	if int(n) > cap(l.slots) {
		// Unreachable unless slot accounting is broken.
		l.log.Error().Int32("in_flight", n).Int("concurrency", cap(l.slots)).Msg("rate limiter over capacity")
	}
	metrics.SetInFlight(l.name, int(n))
	metrics.ObserveAcquireWait(l.name, time.Since(start).Seconds())

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			l.log.Error().Str("limiter", l.name).Msg("slot released twice")
			panic(ErrDoubleRelease)
		}
		metrics.SetInFlight(l.name, int(l.inFlight.Add(-1)))
		l.returnSlot()
	}, nil
}

func (l *RateLimiter) returnSlot() {
	if l.delay <= 0 {
		l.slots <- struct{}{}
		return
	}
	time.AfterFunc(l.delay, func() { l.slots <- struct{}{} })
}

// waitGate polls the shared window until it admits the call. Gate errors fail
// open: a Redis outage must not stall every batch.
func (l *RateLimiter) waitGate(ctx context.Context) error {
	g := l.cfg
	if g.Gate == nil || g.GateKey == "" || g.GateLimit <= 0 {
		return nil
	}
	backoff := g.GateWindow / time.Duration(g.GateLimit)
	if backoff < 10*time.Millisecond {
		backoff = 10 * time.Millisecond
	}
	for {
		ok, err := g.Gate.Allow(ctx, g.GateKey, g.GateLimit, g.GateWindow)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn().Err(err).Str("key", g.GateKey).Msg("shared rate gate unavailable; continuing")
			return nil
		}
		if ok {
			return nil
		}
		metrics.IncGateDenied(l.name)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
