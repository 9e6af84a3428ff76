// Package executor holds the TargetExecutor and UniverseResolver
// implementations selected per job kind from configuration.
package executor

import (
	"fmt"
	"net/http"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

// New builds the executor configured for kind.
func New(kind string, cfg config.ExecutorConfig, client *http.Client, logger *zerolog.Logger) (adapter.TargetExecutor, error) {
	switch cfg.Type {
	case "noop":
		return NewNoopExecutor(cfg), nil
	case "http", "":
		if cfg.URL == "" {
			return nil, fmt.Errorf("executor %s: url is required", kind)
		}
		return NewHTTPExecutor(kind, cfg, client, logger), nil
	default:
		return nil, fmt.Errorf("executor %s: unsupported type %q", kind, cfg.Type)
	}
}

// NewUniverse returns the resolver configured for a kind, or nil when the
// kind has none (an empty submission is then an empty batch).
func NewUniverse(cfg config.UniverseConfig, client *http.Client) (adapter.UniverseResolver, error) {
	switch {
	case cfg.URL != "":
		return NewHTTPUniverse(cfg, client), nil
	case len(cfg.Static) > 0:
		return NewStaticUniverse(cfg.Static)
	default:
		return nil, nil
	}
}

// StartPage is the first page target of a paginated kind ("1" when unset).
func StartPage(cfg config.PaginateConfig) (model.Target, error) {
	if cfg.Start.ID == "" {
		return model.Target{ID: "1"}, nil
	}
	return targetFromConfig(cfg.Start)
}
