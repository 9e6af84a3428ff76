package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/adapter"

	"github.com/tidwall/gjson"
)

var (
	_ adapter.UniverseResolver = StaticUniverse(nil)
	_ adapter.UniverseResolver = (*HTTPUniverse)(nil)
)

// StaticUniverse is a target list fixed in configuration.
type StaticUniverse []model.Target

func (s StaticUniverse) Resolve(context.Context) ([]model.Target, error) {
	return append([]model.Target(nil), s...), nil
}

// NewStaticUniverse converts configured targets, encoding payload maps to JSON.
func NewStaticUniverse(items []config.TargetConfig) (StaticUniverse, error) {
	out := make(StaticUniverse, 0, len(items))
	for _, it := range items {
		t, err := targetFromConfig(it)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := model.ValidateTargets(out); err != nil {
		return nil, fmt.Errorf("static universe: %w", err)
	}
	return out, nil
}

// HTTPUniverse lists targets from a catalog endpoint, e.g. every registered
// account. ItemsPath selects the array, IDPath the id inside each element;
// the element itself becomes the target payload.
type HTTPUniverse struct {
	cfg    config.UniverseConfig
	client *http.Client
}

func NewHTTPUniverse(cfg config.UniverseConfig, client *http.Client) *HTTPUniverse {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.IDPath == "" {
		cfg.IDPath = "id"
	}
	return &HTTPUniverse{cfg: cfg, client: client}
}

func (u *HTTPUniverse) Resolve(ctx context.Context) ([]model.Target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range u.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list universe: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*defaultMaxBody))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("read universe: %w", err))
	}
	if err := classifyStatus(resp, ""); err != nil {
		return nil, err
	}

	items := gjson.ParseBytes(body)
	if u.cfg.ItemsPath != "" {
		items = gjson.GetBytes(body, u.cfg.ItemsPath)
	}
	if !items.IsArray() {
		return nil, domain.Permanent(fmt.Errorf("universe response: %q is not an array", u.cfg.ItemsPath))
	}

	var out []model.Target
	seen := make(map[string]struct{})
	var perr error
	items.ForEach(func(_, item gjson.Result) bool {
		id := item.Get(u.cfg.IDPath).String()
		if id == "" {
			perr = domain.Permanent(fmt.Errorf("universe item without %q", u.cfg.IDPath))
			return false
		}
		if _, dup := seen[id]; dup {
			return true
		}
		seen[id] = struct{}{}
		var payload json.RawMessage
		if item.IsObject() {
			payload = json.RawMessage(item.Raw)
		}
		out = append(out, model.Target{ID: id, Payload: payload})
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return out, nil
}

func targetFromConfig(it config.TargetConfig) (model.Target, error) {
	var payload json.RawMessage
	if len(it.Payload) > 0 {
		b, err := json.Marshal(it.Payload)
		if err != nil {
			return model.Target{}, fmt.Errorf("target %q payload: %w", it.ID, err)
		}
		payload = b
	}
	return model.NewTarget(it.ID, payload)
}
