package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/infra/logging"

	"github.com/rs/zerolog"
)

// Pool bounds how many jobs run at once. Submitted jobs wait in a buffered
// queue in the created state until a worker picks them up.

type Task func(ctx context.Context) error

var ErrQueueFull = fmt.Errorf("worker queue full: %w", domain.ErrUnavailable)

type Pool struct {
	wg      sync.WaitGroup
	jobs    chan Task
	quit    chan struct{}
	n       int
	stopped sync.Once
	log     *zerolog.Logger
}

// NewPool creates a pool of workers with a queue of queueSize pending tasks
// (workers*4 when queueSize <= 0).
func NewPool(workers, queueSize int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	return &Pool{
		jobs: make(chan Task, queueSize),
		quit: make(chan struct{}),
		n:    workers,
		log:  logging.Component(logger, "Pool"),
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case task := <-p.jobs:
					p.run(ctx, id, task)
				}
			}
		}(i)
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	if task == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error().Int("worker", id).Interface("panic", rec).Msg("task panic recovered")
		}
	}()
	if err := task(ctx); err != nil {
		p.log.Error().Err(err).Int("worker", id).Msg("task error")
	}
}

// Stop signals workers to exit after their current task and waits for them.
// Tasks still queued are dropped; callers cancel them before stopping.
func (p *Pool) Stop() {
	p.stopped.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	select {
	case <-p.quit:
		return fmt.Errorf("pool stopped: %w", domain.ErrUnavailable)
	default:
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		return ErrQueueFull
	}
}
