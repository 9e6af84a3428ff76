package repository

import (
	"context"
	"time"

	"bizdash-jobs/internal/domain/model"
)

// HandoffTokenRepository persists token records keyed by token id.
type HandoffTokenRepository interface {
	Save(ctx context.Context, token *model.HandoffToken) error
	Get(ctx context.Context, tokenID string) (*model.HandoffToken, error)
	// Use atomically increments used_count if the token is not revoked and
	// below max_results. It returns the updated record, or
	// domain.ErrTokenRevoked / domain.ErrTokenExhausted.
	Use(ctx context.Context, tokenID string) (*model.HandoffToken, error)
	// Release gives back one use taken by Use when the submission it was
	// taken for could not be recorded. used_count never drops below zero.
	Release(ctx context.Context, tokenID string) error
	Revoke(ctx context.Context, tokenID string) error
	// PurgeExpired removes records that expired more than the repository's
	// grace period before now, so late requests still read as expired.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
