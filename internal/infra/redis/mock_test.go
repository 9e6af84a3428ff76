package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// fakeRedis is an in-process stand-in for the client wrapper. Scripts are
// emulated by identity since there is no Lua interpreter here.
type fakeRedis struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	ttls    map[string]time.Duration

	IncrErr error
}

var _ RedisClient = (*fakeRedis)(nil)

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		strings: map[string]string{},
		hashes:  map[string]map[string]string{},
		ttls:    map[string]time.Duration{},
	}
}

func (f *fakeRedis) Ping(context.Context) error { return nil }
func (f *fakeRedis) Close() error               { return nil }

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, exp time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = fmt.Sprint(value)
	f.ttls[key] = exp
	return nil
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.strings[key]; ok {
		return false, nil
	}
	f.strings[key] = fmt.Sprint(value)
	f.ttls[key] = exp
	return true, nil
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.strings[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeRedis) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IncrErr != nil {
		return 0, f.IncrErr
	}
	n, _ := strconv.ParseInt(f.strings[key], 10, 64)
	n++
	f.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeRedis) Expire(_ context.Context, key string, exp time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = exp
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.strings, k)
		delete(f.hashes, k)
	}
	return nil
}

func (f *fakeRedis) HSet(_ context.Context, key string, values map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hashes[key]
	if h == nil {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for k, v := range values {
		h[k] = fmt.Sprint(v)
	}
	return nil
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		return nil, redis.Nil
	}
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp, nil
}

func (f *fakeRedis) RunScript(_ context.Context, s *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch s {
	case luaUseToken:
		h, ok := f.hashes[keys[0]]
		if !ok {
			return int64(-1), nil
		}
		if h["revoked"] == "1" {
			return int64(-2), nil
		}
		used, _ := strconv.Atoi(h["used"])
		max, _ := strconv.Atoi(h["max"])
		if used >= max {
			return int64(-3), nil
		}
		used++
		h["used"] = strconv.Itoa(used)
		return int64(used), nil
	case luaReleaseToken:
		h, ok := f.hashes[keys[0]]
		if !ok {
			return int64(-1), nil
		}
		used, _ := strconv.Atoi(h["used"])
		if used > 0 {
			used--
			h["used"] = strconv.Itoa(used)
		}
		return int64(used), nil
	case luaRevokeToken:
		h, ok := f.hashes[keys[0]]
		if !ok {
			return int64(0), nil
		}
		h["revoked"] = "1"
		return int64(1), nil
	case luaUnlock:
		if f.strings[keys[0]] == fmt.Sprint(args[0]) {
			delete(f.strings, keys[0])
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("unexpected script %s", s.Hash())
}
