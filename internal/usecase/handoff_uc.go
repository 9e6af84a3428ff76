package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/metrics"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Compile-time check
var _ HandoffService = (*handoffUC)(nil)

// HandoffService issues job-scoped tokens that let a device without a
// session (the phone behind a QR code) submit results into one job.
type HandoffService interface {
	Issue(ctx context.Context, jobID string, ttl time.Duration, maxResults int) (*model.HandoffToken, error)
	// Validate returns the job id of a usable token, or the state error.
	Validate(ctx context.Context, token string) (jobID string, err error)
	Submit(ctx context.Context, token string, sub Submission) (*model.HandoffToken, error)
	Revoke(ctx context.Context, token string) error
}

// Submission is one result posted through a handoff token.
type Submission struct {
	// JobID, when set, must match the token's job.
	JobID    string
	TargetID string
	Payload  json.RawMessage
	Detail   string
	// Error marks the submission as a failed target (e.g. unreadable image).
	Error string
}

type HandoffOptions struct {
	Secret            []byte
	DefaultTTL        time.Duration
	MaxTTL            time.Duration
	DefaultMaxResults int
	Now               func() time.Time
}

type handoffClaims struct {
	JobID string `json:"job_id"`
	jwt.RegisteredClaims
}

type handoffUC struct {
	tokens repository.HandoffTokenRepository
	jobs   repository.JobStore
	opts   HandoffOptions
	log    *zerolog.Logger
}

func NewHandoffService(tokens repository.HandoffTokenRepository, jobs repository.JobStore, opts HandoffOptions, logger *zerolog.Logger) *handoffUC {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 10 * time.Minute
	}
	if opts.MaxTTL < opts.DefaultTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	if opts.DefaultMaxResults <= 0 {
		opts.DefaultMaxResults = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &handoffUC{tokens: tokens, jobs: jobs, opts: opts, log: logging.Component(logger, "HandoffService")}
}

func (s *handoffUC) Issue(ctx context.Context, jobID string, ttl time.Duration, maxResults int) (*model.HandoffToken, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrJobTerminal)
	}
	if job.Mode != model.JobModeHandoff {
		return nil, fmt.Errorf("job %s runs in %s mode: %w", jobID, job.Mode, domain.ErrInvalidArgument)
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl > s.opts.MaxTTL {
		ttl = s.opts.MaxTTL
	}
	if maxResults <= 0 {
		maxResults = s.opts.DefaultMaxResults
	}

	now := s.opts.Now().UTC().Truncate(time.Second)
	t, err := model.NewHandoffToken(uuid.NewString(), jobID, now, ttl, maxResults)
	if err != nil {
		return nil, err
	}
	claims := handoffClaims{
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.TokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign handoff token: %w", err)
	}
	if err := s.tokens.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("save handoff token: %w", err)
	}
	t.Token = signed
	metrics.IncHandoffIssued()
	logging.With(logging.WithJobID(ctx, jobID), s.log).Info().
		Str("token_id", t.TokenID).Dur("ttl", ttl).Int("max_results", maxResults).Msg("handoff token issued")
	return t, nil
}

// parse checks the signature only. Expiry, revocation and usage are decided
// by the stored record so an expired token reports expired, not invalid.
func (s *handoffUC) parse(token string) (*handoffClaims, error) {
	claims := &handoffClaims{}
	tkn, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (any, error) {
		return s.opts.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || !tkn.Valid || claims.ID == "" || claims.JobID == "" {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}

// record loads the token behind a signed string and checks it still names
// the job it was signed for.
func (s *handoffUC) record(ctx context.Context, token string) (*model.HandoffToken, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	t, err := s.tokens.Get(ctx, claims.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	if t.JobID != claims.JobID {
		return nil, domain.ErrTokenInvalid
	}
	return t, nil
}

func (s *handoffUC) Validate(ctx context.Context, token string) (string, error) {
	t, err := s.record(ctx, token)
	if err != nil {
		return "", err
	}
	return t.JobID, t.State(s.opts.Now()).Err()
}

func (s *handoffUC) Submit(ctx context.Context, token string, sub Submission) (*model.HandoffToken, error) {
	t, err := s.submit(ctx, token, sub)
	metrics.IncHandoffSubmit(submitResult(err))
	return t, err
}

func (s *handoffUC) submit(ctx context.Context, token string, sub Submission) (*model.HandoffToken, error) {
	t, err := s.record(ctx, token)
	if err != nil {
		return nil, err
	}
	if sub.JobID != "" && sub.JobID != t.JobID {
		return nil, domain.ErrTokenJobMismatch
	}
	// Use re-checks revocation and exhaustion atomically.
	if err := t.State(s.opts.Now()).Err(); err != nil {
		return nil, err
	}

	target, err := s.target(t, sub)
	if err != nil {
		return nil, err
	}
	if err := s.checkJob(ctx, t.JobID, target.ID); err != nil {
		return nil, err
	}

	used, err := s.tokens.Use(ctx, t.TokenID)
	if err != nil {
		return nil, err
	}
	log := logging.With(logging.WithJobID(ctx, t.JobID), s.log)

	outcome := model.Succeeded(target, sub.Detail)
	if sub.Error != "" {
		outcome = model.Failed(target, domain.Permanent(errors.New(sub.Error)))
	}
	if err := s.jobs.AppendOutcome(ctx, t.JobID, outcome); err != nil {
		// The slot was not filled, so it goes back to the token.
		if rerr := s.tokens.Release(context.WithoutCancel(ctx), t.TokenID); rerr != nil {
			log.Error().Err(rerr).Str("token_id", t.TokenID).Msg("release handoff use")
		}
		return nil, fmt.Errorf("record handoff result: %w", err)
	}

	log.Info().Str("token_id", t.TokenID).Str("target", target.ID).Int("used", used.UsedCount).Msg("handoff result received")

	if used.State(s.opts.Now()) == model.TokenStateExhausted {
		msg := fmt.Sprintf("%d results received", used.UsedCount)
		if err := s.jobs.Complete(ctx, t.JobID, msg); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
			log.Warn().Err(err).Msg("auto-complete handoff job")
		}
	}
	return used, nil
}

// target builds the submitted target. Without a target id one is generated
// from the token id; it does not depend on used_count, which a released use
// can bring back to an earlier value.
func (s *handoffUC) target(t *model.HandoffToken, sub Submission) (model.Target, error) {
	if len(sub.Payload) > 0 && !json.Valid(sub.Payload) {
		return model.Target{}, fmt.Errorf("payload is not JSON: %w", domain.ErrInvalidArgument)
	}
	id := sub.TargetID
	if id == "" {
		id = t.TokenID[:8] + "-" + uuid.NewString()[:8]
	}
	return model.NewTarget(id, sub.Payload)
}

// checkJob rejects a submit the job cannot take before a token use is spent.
func (s *handoffUC) checkJob(ctx context.Context, jobID, targetID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, domain.ErrJobTerminal)
	}
	for _, tg := range job.Targets {
		if tg.ID == targetID {
			return fmt.Errorf("target %q already submitted: %w", targetID, domain.ErrAlreadyExists)
		}
	}
	return nil
}

func (s *handoffUC) Revoke(ctx context.Context, token string) error {
	t, err := s.record(ctx, token)
	if err != nil {
		return err
	}
	if err := s.tokens.Revoke(ctx, t.TokenID); err != nil {
		return err
	}
	logging.With(logging.WithJobID(ctx, t.JobID), s.log).Info().Str("token_id", t.TokenID).Msg("handoff token revoked")
	return nil
}

func submitResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTokenExpired):
		return "expired"
	case errors.Is(err, domain.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, domain.ErrTokenExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrTokenInvalid), errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, domain.ErrTokenJobMismatch):
		return "mismatch"
	default:
		return "error"
	}
}
