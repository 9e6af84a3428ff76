package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/metrics"
	"bizdash-jobs/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Server exposes job submission, polling and the handoff flow over HTTP.
type Server struct {
	jobs      usecase.JobUseCase
	handoff   usecase.HandoffService
	publicURL string
	timeout   time.Duration
	log       *zerolog.Logger
}

func NewServer(jobs usecase.JobUseCase, handoff usecase.HandoffService, cfg config.HTTPConfig, logger *zerolog.Logger) *Server {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Server{
		jobs:      jobs,
		handoff:   handoff,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		timeout:   timeout,
		log:       logging.Component(logger, "HTTP"),
	}
}

// Handler builds the router with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Timeout(s.timeout))
		r.Get("/kinds", s.listKinds)

		r.Post("/jobs/{kind}", s.submitJob)
		r.Get("/jobs/{id}", s.jobStatus)
		r.Delete("/jobs/{id}", s.cancelJob)
		r.Get("/jobs/{id}/result", s.jobResult)
		r.Post("/jobs/{id}/resume", s.resumeJob)
		r.Post("/jobs/{id}/complete", s.completeJob)
		r.Post("/jobs/{id}/handoff", s.issueHandoff)

		r.Get("/handoff/{token}/validate", s.validateHandoff)
		r.Post("/handoff/{token}/submit", s.submitHandoff)
		r.Delete("/handoff/{token}", s.revokeHandoff)
	})

	return Chain(r, TraceID(s.log), RequestLog(s.log), Recover(s.log))
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode body: %v: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}

type jobAccepted struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (s *Server) accepted(w http.ResponseWriter, job *model.Job) {
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID, StatusURL: "/jobs/" + job.ID})
}

func (s *Server) listKinds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"kinds": s.jobs.Kinds()})
}

type submitRequest struct {
	Targets []model.Target `json:"targets"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), chi.URLParam(r, "kind"), req.Targets)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	s.accepted(w, job)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, st)
}

type resultResponse struct {
	*model.Job
	Counts model.Counts `json:"counts"`
}

func (s *Server) jobResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Job: job, Counts: job.Result.Counts()})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	st, err := s.jobs.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	s.accepted(w, job)
}

func (s *Server) completeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Complete(r.Context(), id); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	st, err := s.jobs.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type issueRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
	MaxResults int `json:"max_results"`
}

type issueResponse struct {
	Token      string    `json:"token"`
	TokenID    string    `json:"token_id"`
	JobID      string    `json:"job_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	MaxResults int       `json:"max_results"`
	URL        string    `json:"url"`
}

func (s *Server) issueHandoff(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	if req.TTLSeconds < 0 || req.MaxResults < 0 {
		writeError(w, r, s.log, fmt.Errorf("negative ttl or max_results: %w", domain.ErrInvalidArgument))
		return
	}
	t, err := s.handoff.Issue(r.Context(), chi.URLParam(r, "id"), time.Duration(req.TTLSeconds)*time.Second, req.MaxResults)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, issueResponse{
		Token:      t.Token,
		TokenID:    t.TokenID,
		JobID:      t.JobID,
		ExpiresAt:  t.ExpiresAt().UTC(),
		MaxResults: t.MaxResults,
		URL:        s.publicURL + "/handoff/" + t.Token,
	})
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// validateHandoff answers 200 for every token state so the upload page can
// render the reason. Only storage failures surface as errors.
func (s *Server) validateHandoff(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.handoff.Validate(r.Context(), chi.URLParam(r, "token"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, validateResponse{Valid: true, JobID: jobID})
	case tokenStateErr(err):
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, JobID: jobID, Reason: err.Error()})
	default:
		writeError(w, r, s.log, err)
	}
}

func tokenStateErr(err error) bool {
	return errors.Is(err, domain.ErrTokenInvalid) ||
		errors.Is(err, domain.ErrTokenExpired) ||
		errors.Is(err, domain.ErrTokenRevoked) ||
		errors.Is(err, domain.ErrTokenExhausted)
}

type handoffSubmitRequest struct {
	JobID    string          `json:"job_id"`
	TargetID string          `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
	Detail   string          `json:"detail"`
	Error    string          `json:"error"`
}

type handoffSubmitResponse struct {
	JobID     string `json:"job_id"`
	UsedCount int    `json:"used_count"`
	Remaining int    `json:"remaining"`
}

func (s *Server) submitHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffSubmitRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	t, err := s.handoff.Submit(r.Context(), chi.URLParam(r, "token"), usecase.Submission{
		JobID:    req.JobID,
		TargetID: req.TargetID,
		Payload:  req.Payload,
		Detail:   req.Detail,
		Error:    req.Error,
	})
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, handoffSubmitResponse{
		JobID:     t.JobID,
		UsedCount: t.UsedCount,
		Remaining: max(t.MaxResults-t.UsedCount, 0),
	})
}

func (s *Server) revokeHandoff(w http.ResponseWriter, r *http.Request) {
	if err := s.handoff.Revoke(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeError(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
