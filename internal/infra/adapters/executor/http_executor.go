package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/adapter"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/metrics"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const defaultMaxBody = 1 << 20

var _ adapter.TargetExecutor = (*HTTPExecutor)(nil)

// HTTPExecutor issues one HTTP request per target against a downstream
// marketplace or scraping API and classifies the response.
//
//	2xx                  -> success (unless success_path resolves to false)
//	408, 429, 5xx, I/O   -> transient, honouring Retry-After
//	other 4xx            -> permanent
type HTTPExecutor struct {
	name   string
	cfg    config.ExecutorConfig
	client *http.Client
	log    *zerolog.Logger
}

// NewHTTPExecutor builds an executor for one job kind. client may be nil.
func NewHTTPExecutor(name string, cfg config.ExecutorConfig, client *http.Client, logger *zerolog.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	return &HTTPExecutor{
		name:   name,
		cfg:    cfg,
		client: client,
		log:    logging.Component(logger, "HTTPExecutor"),
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, t model.Target) model.TargetOutcome {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	o := e.do(ctx, t)
	metrics.ObserveExecutorCall(e.name, time.Since(start).Milliseconds(), o.Error == nil)
	if o.Error != nil {
		logging.With(ctx, e.log).Debug().
			Str("target", t.ID).
			Str("class", string(o.Error.Class)).
			Str("error", o.Error.Message).
			Msg("target failed")
	}
	return o
}

func (e *HTTPExecutor) do(ctx context.Context, t model.Target) model.TargetOutcome {
	req, err := e.newRequest(ctx, t)
	if err != nil {
		return model.Failed(t, domain.Permanent(err))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Connection resets, DNS hiccups and timeouts are all worth a retry.
		return model.Failed(t, domain.Transient(fmt.Errorf("send request: %w", err)))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBody+1))
	if err != nil {
		return model.Failed(t, domain.Transient(fmt.Errorf("read response body: %w", err)))
	}
	oversized := int64(len(body)) > e.cfg.MaxBody
	if oversized {
		body = body[:e.cfg.MaxBody]
	}

	if err := classifyStatus(resp, e.message(body)); err != nil {
		return model.Failed(t, err)
	}
	// A truncated body has no usable data or continuation.
	if oversized {
		logging.With(ctx, e.log).Warn().Str("target", t.ID).Int64("max_body", e.cfg.MaxBody).Msg("response body over limit")
		return model.Failed(t, domain.Permanent(fmt.Errorf("response body exceeds %d bytes", e.cfg.MaxBody)))
	}

	if e.cfg.SuccessPath != "" {
		ok := gjson.GetBytes(body, e.cfg.SuccessPath)
		if ok.Exists() && !ok.Bool() {
			msg := e.message(body)
			if msg == "" {
				msg = "downstream rejected the request"
			}
			return model.Failed(t, domain.Permanent(errors.New(msg)))
		}
	}

	o := model.Succeeded(t, e.detail(body, resp.StatusCode))
	if json.Valid(body) {
		o.Data = append(json.RawMessage(nil), body...)
	}
	return o
}

func (e *HTTPExecutor) newRequest(ctx context.Context, t model.Target) (*http.Request, error) {
	u := strings.ReplaceAll(e.cfg.URL, "{id}", url.PathEscape(t.ID))
	var body io.Reader
	if e.cfg.Method != http.MethodGet && e.cfg.Method != http.MethodHead {
		payload := []byte(t.Payload)
		if len(payload) == 0 {
			payload, _ = json.Marshal(map[string]string{"id": t.ID})
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, e.cfg.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}
	if id := logging.TraceID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	return req, nil
}

func (e *HTTPExecutor) message(body []byte) string {
	if e.cfg.MessagePath == "" {
		return ""
	}
	return gjson.GetBytes(body, e.cfg.MessagePath).String()
}

func (e *HTTPExecutor) detail(body []byte, status int) string {
	if e.cfg.DetailPath != "" {
		if d := gjson.GetBytes(body, e.cfg.DetailPath); d.Exists() {
			return d.String()
		}
	}
	if m := e.message(body); m != "" {
		return m
	}
	return http.StatusText(status)
}

func classifyStatus(resp *http.Response, msg string) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	if msg == "" {
		msg = http.StatusText(code)
	}
	err := fmt.Errorf("downstream status %d: %s", code, msg)
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable, code == http.StatusRequestTimeout:
		return domain.TransientAfter(err, retryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case code >= 500:
		return domain.Transient(err)
	default:
		return domain.Permanent(err)
	}
}

// retryAfter parses delta-seconds or an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
