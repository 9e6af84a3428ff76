package model

import (
	"time"

	"bizdash-jobs/internal/domain"
)

// TokenState is the handoff token state machine:
// issued(valid) -> expired | revoked | exhausted.
type TokenState string

const (
	TokenStateValid     TokenState = "valid"
	TokenStateExpired   TokenState = "expired"
	TokenStateRevoked   TokenState = "revoked"
	TokenStateExhausted TokenState = "exhausted"
)

// HandoffToken lets an unauthenticated device (the mobile camera behind a QR
// code) submit results into exactly one running job.
type HandoffToken struct {
	Token      string        `json:"token,omitempty"` // signed form, never persisted
	TokenID    string        `json:"token_id"`
	JobID      string        `json:"job_id"`
	IssuedAt   time.Time     `json:"issued_at"`
	TTL        time.Duration `json:"ttl"`
	UsedCount  int           `json:"used_count"`
	MaxResults int           `json:"max_results"`
	Revoked    bool          `json:"revoked"`
}

// NewHandoffToken validates the issue parameters.
func NewHandoffToken(tokenID, jobID string, issuedAt time.Time, ttl time.Duration, maxResults int) (*HandoffToken, error) {
	if tokenID == "" || jobID == "" || ttl <= 0 || maxResults <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	return &HandoffToken{
		TokenID:    tokenID,
		JobID:      jobID,
		IssuedAt:   issuedAt,
		TTL:        ttl,
		MaxResults: maxResults,
	}, nil
}

// ExpiresAt is issued_at + ttl.
func (t *HandoffToken) ExpiresAt() time.Time { return t.IssuedAt.Add(t.TTL) }

// State evaluates the state machine at now. Revocation wins over expiry,
// expiry over exhaustion.
func (t *HandoffToken) State(now time.Time) TokenState {
	switch {
	case t.Revoked:
		return TokenStateRevoked
	case !now.Before(t.ExpiresAt()):
		return TokenStateExpired
	case t.UsedCount >= t.MaxResults:
		return TokenStateExhausted
	default:
		return TokenStateValid
	}
}

// Err maps a non-valid state to its domain error.
func (s TokenState) Err() error {
	switch s {
	case TokenStateExpired:
		return domain.ErrTokenExpired
	case TokenStateRevoked:
		return domain.ErrTokenRevoked
	case TokenStateExhausted:
		return domain.ErrTokenExhausted
	default:
		return nil
	}
}
