package memory

import (
	"context"
	"sync"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"
)

// HandoffTokenRepo keeps token records for a grace period past their expiry,
// matching the Redis repository so a late submit reports expired.
type HandoffTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]model.HandoffToken
	grace  time.Duration
}

var _ repository.HandoffTokenRepository = (*HandoffTokenRepo)(nil)

func NewHandoffTokenRepo(grace time.Duration) *HandoffTokenRepo {
	if grace <= 0 {
		grace = time.Hour
	}
	return &HandoffTokenRepo{tokens: make(map[string]model.HandoffToken), grace: grace}
}

func (r *HandoffTokenRepo) Save(_ context.Context, t *model.HandoffToken) error {
	if t == nil || t.TokenID == "" {
		return domain.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[t.TokenID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *t
	cp.Token = ""
	r.tokens[t.TokenID] = cp
	return nil
}

func (r *HandoffTokenRepo) Get(_ context.Context, tokenID string) (*model.HandoffToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (r *HandoffTokenRepo) Use(_ context.Context, tokenID string) (*model.HandoffToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	switch {
	case !ok:
		return nil, domain.ErrNotFound
	case t.Revoked:
		return nil, domain.ErrTokenRevoked
	case t.UsedCount >= t.MaxResults:
		return nil, domain.ErrTokenExhausted
	}
	t.UsedCount++
	r.tokens[tokenID] = t
	return &t, nil
}

func (r *HandoffTokenRepo) Release(_ context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	if t.UsedCount > 0 {
		t.UsedCount--
		r.tokens[tokenID] = t
	}
	return nil
}

func (r *HandoffTokenRepo) Revoke(_ context.Context, tokenID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	t.Revoked = true
	r.tokens[tokenID] = t
	return nil
}

func (r *HandoffTokenRepo) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, t := range r.tokens {
		if t.ExpiresAt().Add(r.grace).Before(now) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}
