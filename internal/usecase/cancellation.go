package usecase

import (
	"context"
	"sort"
	"sync"
)

// CancellationController tracks the cancel function of every job that has a
// runner attached (queued in the pool or executing).
type CancellationController struct {
	mu      sync.Mutex
	running map[string]*registration
}

type registration struct {
	cancel context.CancelFunc
}

func NewCancellationController() *CancellationController {
	return &CancellationController{running: make(map[string]*registration)}
}

// Register derives the runner context for jobID from parent. The returned
// done func must be called when the runner returns; it releases the context
// and forgets the job. Registering an id twice cancels the older context.
func (c *CancellationController) Register(parent context.Context, jobID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	reg := &registration{cancel: cancel}

	c.mu.Lock()
	if old, ok := c.running[jobID]; ok {
		old.cancel()
	}
	c.running[jobID] = reg
	c.mu.Unlock()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			c.mu.Lock()
			if c.running[jobID] == reg {
				delete(c.running, jobID)
			}
			c.mu.Unlock()
			cancel()
		})
	}
}

// Cancel signals the runner of jobID. It reports false when no runner is
// registered, in which case the caller cancels through the store.
func (c *CancellationController) Cancel(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.running[jobID]
	if !ok {
		return false
	}
	reg.cancel()
	return true
}

// CancelAll signals every registered runner and returns their job ids.
// Entries stay registered until each runner calls done.
func (c *CancellationController) CancelAll() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.running))
	for id, reg := range c.running {
		reg.cancel()
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active returns the ids of jobs whose runner has not called done yet.
func (c *CancellationController) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Running reports whether jobID has a registered runner.
func (c *CancellationController) Running(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[jobID]
	return ok
}
