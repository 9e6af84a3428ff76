package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"
	red "bizdash-jobs/internal/infra/redis"
)

var _ repository.JobStore = (*statusCacheDecorator)(nil)

// statusCacheDecorator answers polls for finished jobs from Redis. Only
// terminal snapshots are cached: they never change again, so no write path
// needs to invalidate anything.
type statusCacheDecorator struct {
	repository.JobStore
	cache red.RedisClient
	ttl   time.Duration
}

func NewStatusCacheDecorator(inner repository.JobStore, cache red.RedisClient, ttl time.Duration) repository.JobStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &statusCacheDecorator{JobStore: inner, cache: cache, ttl: ttl}
}

func statusKey(id string) string { return fmt.Sprintf("job_status:%s", id) }

func (d *statusCacheDecorator) Status(ctx context.Context, id string) (model.Status, error) {
	key := statusKey(id)
	// A miss or a Redis error both fall through to the database.
	if val, err := d.cache.Get(ctx, key); err == nil {
		var st model.Status
		if json.Unmarshal([]byte(val), &st) == nil {
			return st, nil
		}
	}

	st, err := d.JobStore.Status(ctx, id)
	if err != nil {
		return st, err
	}
	if st.Terminal() {
		if b, err := json.Marshal(st); err == nil {
			_ = d.cache.Set(ctx, key, b, d.ttl)
		}
	}
	return st, nil
}
