package model

import (
	"encoding/json"
	"strings"

	"bizdash-jobs/internal/domain"
)

// Target is one independent unit of work: an account id, an organization
// code, a page number, an uploaded image. It is immutable once enqueued.
type Target struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewTarget validates id and copies payload so later mutation by the caller
// cannot leak into an enqueued job.
func NewTarget(id string, payload json.RawMessage) (Target, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Target{}, domain.ErrInvalidArgument
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return Target{}, domain.ErrInvalidArgument
	}
	var cp json.RawMessage
	if len(payload) > 0 {
		cp = append(json.RawMessage(nil), payload...)
	}
	return Target{ID: id, Payload: cp}, nil
}

// ValidateTargets rejects empty or duplicate ids.
func ValidateTargets(targets []Target) error {
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if strings.TrimSpace(t.ID) == "" {
			return domain.ErrInvalidArgument
		}
		if _, dup := seen[t.ID]; dup {
			return domain.ErrInvalidArgument
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}
