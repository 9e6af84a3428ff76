//go:build !integration

package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/repository"
	"bizdash-jobs/internal/infra/memory"
	"bizdash-jobs/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handoffFixture struct {
	jobs   *memory.JobStore
	tokens *memory.HandoffTokenRepo
	clock  *clock
	svc    usecase.HandoffService
	jobID  string
}

func newHandoffFixture(t *testing.T) *handoffFixture {
	t.Helper()
	ctx := context.Background()
	f := &handoffFixture{
		jobs:   memory.NewJobStore(),
		tokens: memory.NewHandoffTokenRepo(0),
		clock:  &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.svc = usecase.NewHandoffService(f.tokens, f.jobs, usecase.HandoffOptions{
		Secret:            []byte("test-secret"),
		DefaultTTL:        10 * time.Minute,
		MaxTTL:            time.Hour,
		DefaultMaxResults: 20,
		Now:               f.clock.Now,
	}, nil)

	job, err := model.NewJob("receipt_upload", model.JobModeHandoff, nil)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Create(ctx, job))
	require.NoError(t, f.jobs.MarkRunning(ctx, job.ID))
	f.jobID = job.ID
	return f
}

func TestHandoffService_Issue(t *testing.T) {
	ctx := context.Background()

	t.Run("should sign a token scoped to the job", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 0)
		require.NoError(t, err)
		assert.NotEmpty(t, tok.Token)
		assert.Equal(t, 10*time.Minute, tok.TTL)
		assert.Equal(t, 20, tok.MaxResults)

		jobID, err := f.svc.Validate(ctx, tok.Token)
		require.NoError(t, err)
		assert.Equal(t, f.jobID, jobID)

		stored, err := f.tokens.Get(ctx, tok.TokenID)
		require.NoError(t, err)
		assert.Empty(t, stored.Token, "the signed form is never persisted")
	})

	t.Run("should cap the ttl", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 48*time.Hour, 5)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, tok.TTL)
		assert.Equal(t, 5, tok.MaxResults)
	})

	t.Run("should refuse non-handoff and finished jobs", func(t *testing.T) {
		f := newHandoffFixture(t)
		batch, err := model.NewJob("adidas_coupons", model.JobModeBatch, []model.Target{{ID: "a"}})
		require.NoError(t, err)
		require.NoError(t, f.jobs.Create(ctx, batch))
		_, err = f.svc.Issue(ctx, batch.ID, 0, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)

		require.NoError(t, f.jobs.Complete(ctx, f.jobID, ""))
		_, err = f.svc.Issue(ctx, f.jobID, 0, 0)
		assert.ErrorIs(t, err, domain.ErrJobTerminal)

		_, err = f.svc.Issue(ctx, "missing", 0, 0)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestHandoffService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("should append each result as a finished target", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 3)
		require.NoError(t, err)

		used, err := f.svc.Submit(ctx, tok.Token, usecase.Submission{
			TargetID: "receipt-1",
			Payload:  json.RawMessage(`{"image":"s3://bucket/r1.jpg"}`),
			Detail:   "uploaded",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, used.UsedCount)

		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{Error: "blurry image"})
		require.NoError(t, err)

		job, err := f.jobs.Get(ctx, f.jobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusRunning, job.Status)
		assert.Equal(t, 2, job.Total)
		assert.Equal(t, 2, job.Current)
		require.Len(t, job.Result.Succeeded, 1)
		assert.Equal(t, "receipt-1", job.Result.Succeeded[0].Target.ID)
		require.Len(t, job.Result.Failed, 1)
		assert.Equal(t, domain.ClassPermanent, job.Result.Failed[0].Error.Class)
		assert.True(t, strings.HasPrefix(job.Result.Failed[0].Target.ID, tok.TokenID[:8]+"-"))
	})

	t.Run("should complete the job when the token is exhausted", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 2)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err := f.svc.Submit(ctx, tok.Token, usecase.Submission{Detail: "ok"})
			require.NoError(t, err)
		}
		st, err := f.jobs.Status(ctx, f.jobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, st.Status)
		assert.Equal(t, "2 results received", st.Message)

		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{})
		assert.ErrorIs(t, err, domain.ErrTokenExhausted)
		_, err = f.svc.Validate(ctx, tok.Token)
		assert.ErrorIs(t, err, domain.ErrTokenExhausted)
	})

	t.Run("should reject submits after the ttl", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 5*time.Minute, 0)
		require.NoError(t, err)

		f.clock.Advance(5*time.Minute - time.Second)
		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{})
		require.NoError(t, err)

		f.clock.Advance(time.Second + time.Millisecond)
		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{})
		assert.ErrorIs(t, err, domain.ErrTokenExpired)
		jobID, err := f.svc.Validate(ctx, tok.Token)
		assert.ErrorIs(t, err, domain.ErrTokenExpired)
		assert.Equal(t, f.jobID, jobID)
	})

	t.Run("should reject submits after revocation", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 0)
		require.NoError(t, err)
		require.NoError(t, f.svc.Revoke(ctx, tok.Token))

		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{})
		assert.ErrorIs(t, err, domain.ErrTokenRevoked)
	})

	t.Run("should refuse a result for another job", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 0)
		require.NoError(t, err)

		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{JobID: "01HZZZZZZZZZZZZZZZZZZZZZZZ"})
		assert.ErrorIs(t, err, domain.ErrTokenJobMismatch)

		stored, _ := f.tokens.Get(ctx, tok.TokenID)
		assert.Equal(t, 0, stored.UsedCount, "a rejected submit must not consume the token")
	})

	t.Run("should treat tampered or foreign tokens as invalid", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 0)
		require.NoError(t, err)

		_, err = f.svc.Submit(ctx, tok.Token+"x", usecase.Submission{})
		assert.ErrorIs(t, err, domain.ErrTokenInvalid)

		other := usecase.NewHandoffService(f.tokens, f.jobs, usecase.HandoffOptions{Secret: []byte("other")}, nil)
		_, err = other.Validate(ctx, tok.Token)
		assert.ErrorIs(t, err, domain.ErrTokenInvalid)

		_, err = f.svc.Validate(ctx, "not-a-jwt")
		assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	})

	t.Run("should reject invalid payloads without consuming the token", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 0)
		require.NoError(t, err)

		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{Payload: json.RawMessage(`{broken`)})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		stored, _ := f.tokens.Get(ctx, tok.TokenID)
		assert.Equal(t, 0, stored.UsedCount)
	})

	t.Run("should not spend a use on a repeated target id", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 2)
		require.NoError(t, err)

		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{TargetID: "img-1"})
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{TargetID: "img-1"})
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)

		stored, _ := f.tokens.Get(ctx, tok.TokenID)
		assert.Equal(t, 1, stored.UsedCount)

		used, err := f.svc.Submit(ctx, tok.Token, usecase.Submission{TargetID: "img-2"})
		require.NoError(t, err)
		assert.Equal(t, 2, used.UsedCount)
		st, _ := f.jobs.Status(ctx, f.jobID)
		assert.Equal(t, model.JobStatusCompleted, st.Status, "the last allowed result completes the job")
		assert.Equal(t, 2, st.Total)
	})

	t.Run("should not spend a use after the job was cancelled", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 0, 2)
		require.NoError(t, err)
		require.NoError(t, f.jobs.Cancel(ctx, f.jobID, "cancelled by user"))

		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{TargetID: "img-1"})
		assert.ErrorIs(t, err, domain.ErrJobTerminal)
		stored, _ := f.tokens.Get(ctx, tok.TokenID)
		assert.Equal(t, 0, stored.UsedCount)
	})

	t.Run("should give the use back when the result cannot be stored", func(t *testing.T) {
		f := newHandoffFixture(t)
		broken := &failingAppendStore{JobStore: f.jobs, err: errors.New("connection reset")}
		svc := usecase.NewHandoffService(f.tokens, broken, usecase.HandoffOptions{Secret: []byte("test-secret"), Now: f.clock.Now}, nil)
		tok, err := svc.Issue(ctx, f.jobID, 0, 1)
		require.NoError(t, err)

		_, err = svc.Submit(ctx, tok.Token, usecase.Submission{TargetID: "img-1"})
		assert.ErrorContains(t, err, "connection reset")
		stored, _ := f.tokens.Get(ctx, tok.TokenID)
		assert.Equal(t, 0, stored.UsedCount)

		job, _ := f.jobs.Get(ctx, f.jobID)
		assert.Empty(t, job.Targets, "a failed submit leaves no target behind")

		broken.err = nil
		_, err = svc.Submit(ctx, tok.Token, usecase.Submission{TargetID: "img-1"})
		require.NoError(t, err)
		st, _ := f.jobs.Status(ctx, f.jobID)
		assert.Equal(t, model.JobStatusCompleted, st.Status)
	})

	t.Run("should report expired after the retention sweep", func(t *testing.T) {
		f := newHandoffFixture(t)
		tok, err := f.svc.Issue(ctx, f.jobID, 5*time.Minute, 0)
		require.NoError(t, err)

		f.clock.Advance(6 * time.Minute)
		_, err = f.tokens.PurgeExpired(ctx, f.clock.Now())
		require.NoError(t, err)

		_, err = f.svc.Submit(ctx, tok.Token, usecase.Submission{})
		assert.ErrorIs(t, err, domain.ErrTokenExpired)
		_, err = f.svc.Validate(ctx, tok.Token)
		assert.ErrorIs(t, err, domain.ErrTokenExpired)
	})
}

// failingAppendStore fails AppendOutcome with err while it is set.
type failingAppendStore struct {
	repository.JobStore
	err error
}

func (s *failingAppendStore) AppendOutcome(ctx context.Context, id string, o model.TargetOutcome) error {
	if s.err != nil {
		return s.err
	}
	return s.JobStore.AppendOutcome(ctx, id, o)
}
