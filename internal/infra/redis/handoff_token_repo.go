package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
)

var _ repository.HandoffTokenRepository = (*HandoffTokenRepo)(nil)

// HandoffTokenRepo stores each token record as a hash that Redis expires a
// grace period after the token itself does. Use, Release and Revoke run as Lua so
// concurrent submissions from several devices cannot overshoot max_results.
type HandoffTokenRepo struct {
	client RedisClient
	grace  time.Duration
}

func NewHandoffTokenRepo(client RedisClient, grace time.Duration) *HandoffTokenRepo {
	if grace <= 0 {
		grace = time.Hour
	}
	return &HandoffTokenRepo{client: client, grace: grace}
}

func tokenKey(tokenID string) string { return fmt.Sprintf("handoff:%s", tokenID) }

// Use results: >0 new used count, -1 missing, -2 revoked, -3 exhausted.
var luaUseToken = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "used", "max", "revoked")
if not v[1] then return -1 end
if v[3] == "1" then return -2 end
if tonumber(v[1]) >= tonumber(v[2]) then return -3 end
return redis.call("HINCRBY", KEYS[1], "used", 1)`)

// Release results: new used count, or -1 missing.
var luaReleaseToken = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "used")
if not v then return -1 end
if tonumber(v) <= 0 then return 0 end
return redis.call("HINCRBY", KEYS[1], "used", -1)`)

var luaRevokeToken = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then return 0 end
redis.call("HSET", KEYS[1], "revoked", "1")
return 1`)

func (r *HandoffTokenRepo) Save(ctx context.Context, t *model.HandoffToken) error {
	if t == nil || t.TokenID == "" {
		return domain.ErrInvalidArgument
	}
	key := tokenKey(t.TokenID)
	ok, err := r.client.SetNX(ctx, key+":claim", t.JobID, t.TTL+r.grace)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAlreadyExists
	}
	revoked := "0"
	if t.Revoked {
		revoked = "1"
	}
	if err := r.client.HSet(ctx, key, map[string]interface{}{
		"job_id":    t.JobID,
		"issued_at": t.IssuedAt.UnixNano(),
		"ttl":       int64(t.TTL),
		"used":      t.UsedCount,
		"max":       t.MaxResults,
		"revoked":   revoked,
	}); err != nil {
		return err
	}
	return r.client.Expire(ctx, key, time.Until(t.ExpiresAt())+r.grace)
}

func (r *HandoffTokenRepo) Get(ctx context.Context, tokenID string) (*model.HandoffToken, error) {
	m, err := r.client.HGetAll(ctx, tokenKey(tokenID))
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeToken(tokenID, m)
}

func (r *HandoffTokenRepo) Use(ctx context.Context, tokenID string) (*model.HandoffToken, error) {
	res, err := r.client.RunScript(ctx, luaUseToken, []string{tokenKey(tokenID)})
	if err != nil {
		return nil, err
	}
	n, _ := res.(int64)
	switch n {
	case -1:
		return nil, domain.ErrNotFound
	case -2:
		return nil, domain.ErrTokenRevoked
	case -3:
		return nil, domain.ErrTokenExhausted
	}
	t, err := r.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	t.UsedCount = int(n)
	return t, nil
}

func (r *HandoffTokenRepo) Release(ctx context.Context, tokenID string) error {
	res, err := r.client.RunScript(ctx, luaReleaseToken, []string{tokenKey(tokenID)})
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n == -1 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *HandoffTokenRepo) Revoke(ctx context.Context, tokenID string) error {
	res, err := r.client.RunScript(ctx, luaRevokeToken, []string{tokenKey(tokenID)})
	if err != nil {
		return err
	}
	if n, _ := res.(int64); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// PurgeExpired is a no-op: Redis expires the hashes itself.
func (r *HandoffTokenRepo) PurgeExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func decodeToken(tokenID string, m map[string]string) (*model.HandoffToken, error) {
	issued, err1 := strconv.ParseInt(m["issued_at"], 10, 64)
	ttl, err2 := strconv.ParseInt(m["ttl"], 10, 64)
	used, err3 := strconv.Atoi(m["used"])
	max, err4 := strconv.Atoi(m["max"])
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, fmt.Errorf("decode handoff token %s: %w", tokenID, err)
	}
	return &model.HandoffToken{
		TokenID:    tokenID,
		JobID:      m["job_id"],
		IssuedAt:   time.Unix(0, issued).UTC(),
		TTL:        time.Duration(ttl),
		UsedCount:  used,
		MaxResults: max,
		Revoked:    m["revoked"] == "1",
	}, nil
}
