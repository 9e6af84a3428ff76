package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	f := newFakeRedis()
	rl := NewRateLimiter(f)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "codef", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "call %d within the window", i+1)
	}
	ok, err := rl.Allow(ctx, "codef", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Second, f.ttls[SharedLimitKey("codef")])

	f.IncrErr = errors.New("connection refused")
	_, err = rl.Allow(ctx, "other", 3, time.Second)
	assert.Error(t, err)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(newFakeRedis())
	l.backoff = time.Millisecond

	token, err := l.TryLock(ctx, "lock:janitor", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "lock:janitor", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, l.Unlock(ctx, "lock:janitor", "not-mine"))
	_, err = l.TryLock(ctx, "lock:janitor", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld, "a foreign token must not unlock")

	require.NoError(t, l.Unlock(ctx, "lock:janitor", token))
	_, err = l.TryLock(ctx, "lock:janitor", time.Minute)
	assert.NoError(t, err)
}

func TestHandoffTokenRepo(t *testing.T) {
	ctx := context.Background()
	f := newFakeRedis()
	repo := NewHandoffTokenRepo(f, time.Minute)
	issued := time.Now().UTC().Truncate(time.Millisecond)
	tok, err := model.NewHandoffToken("tid", "job-1", issued, 10*time.Minute, 3)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, tok))
	assert.ErrorIs(t, repo.Save(ctx, tok), domain.ErrAlreadyExists)

	t.Run("round trip", func(t *testing.T) {
		got, err := repo.Get(ctx, "tid")
		require.NoError(t, err)
		assert.Equal(t, "job-1", got.JobID)
		assert.True(t, issued.Equal(got.IssuedAt))
		assert.Equal(t, 10*time.Minute, got.TTL)
		assert.Equal(t, 3, got.MaxResults)
		assert.False(t, got.Revoked)
	})

	t.Run("key expires after the token", func(t *testing.T) {
		assert.Greater(t, f.ttls[tokenKey("tid")], 10*time.Minute)
	})

	t.Run("use is bounded under concurrency", func(t *testing.T) {
		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := repo.Use(ctx, "tid"); err == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(3), ok.Load())
		_, err := repo.Use(ctx, "tid")
		assert.ErrorIs(t, err, domain.ErrTokenExhausted)
	})

	t.Run("release gives a use back", func(t *testing.T) {
		require.NoError(t, repo.Release(ctx, "tid"))
		used, err := repo.Use(ctx, "tid")
		require.NoError(t, err)
		assert.Equal(t, 3, used.UsedCount)
		assert.ErrorIs(t, repo.Release(ctx, "missing"), domain.ErrNotFound)
	})

	t.Run("revoke", func(t *testing.T) {
		require.NoError(t, repo.Revoke(ctx, "tid"))
		_, err := repo.Use(ctx, "tid")
		assert.ErrorIs(t, err, domain.ErrTokenRevoked)
		assert.ErrorIs(t, repo.Revoke(ctx, "missing"), domain.ErrNotFound)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = repo.Use(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
