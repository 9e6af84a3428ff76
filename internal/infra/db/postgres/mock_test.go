//go:build !integration

package postgres

import (
	"context"
	"time"

	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"
	red "bizdash-jobs/internal/infra/redis"

	"github.com/go-redis/redis/v8"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerStore mocks the database store that the status decorator wraps.
// Only Status is exercised; the embedded nil interface panics on anything else.
type mockInnerStore struct {
	repository.JobStore
	StatusFunc func(ctx context.Context, id string) (model.Status, error)
}

func (m *mockInnerStore) Status(ctx context.Context, id string) (model.Status, error) {
	return m.StatusFunc(ctx, id)
}

// mockRedisClient mocks our Redis client wrapper.
type mockRedisClient struct {
	GetFunc func(ctx context.Context, key string) (string, error)
	SetFunc func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

var _ red.RedisClient = &mockRedisClient{}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc == nil {
		return "", redis.Nil
	}
	return m.GetFunc(ctx, key)
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc == nil {
		return nil
	}
	return m.SetFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) SetNX(context.Context, string, interface{}, time.Duration) (bool, error) {
	return true, nil
}
func (m *mockRedisClient) Del(context.Context, ...string) error                { return nil }
func (m *mockRedisClient) Ping(context.Context) error                          { return nil }
func (m *mockRedisClient) Incr(context.Context, string) (int64, error)         { return 1, nil }
func (m *mockRedisClient) Expire(context.Context, string, time.Duration) error { return nil }
func (m *mockRedisClient) HSet(context.Context, string, map[string]interface{}) error {
	return nil
}
func (m *mockRedisClient) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, redis.Nil
}
func (m *mockRedisClient) RunScript(context.Context, *redis.Script, []string, ...interface{}) (interface{}, error) {
	return nil, nil
}
func (m *mockRedisClient) Close() error { return nil }
