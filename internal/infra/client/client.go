// Package client talks to the jobs HTTP API. It satisfies sched.StatusReader
// so a PollWatcher can drive it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bizdash-jobs/internal/domain"
	"bizdash-jobs/internal/domain/model"

	"github.com/tidwall/gjson"
)

// APIError is a non-2xx answer. It unwraps to the matching domain error
// where the status code is unambiguous.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobs api: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusBadRequest:
		return domain.ErrInvalidArgument
	case http.StatusServiceUnavailable:
		return domain.ErrUnavailable
	case http.StatusGone:
		return domain.ErrTokenExpired
	}
	return nil
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for baseURL. A nil httpClient gets a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Result is GET /jobs/{id}/result.
type Result struct {
	model.Job
	Counts model.Counts `json:"counts"`
}

func (c *Client) Submit(ctx context.Context, kind string, targets []model.Target) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	body := map[string]any{}
	if len(targets) > 0 {
		body["targets"] = targets
	}
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(kind), body, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *Client) Status(ctx context.Context, id string) (model.Status, error) {
	var st model.Status
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &st)
	return st, err
}

func (c *Client) Result(ctx context.Context, id string) (*Result, error) {
	var res Result
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/result", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Resume(ctx context.Context, id string) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/resume", nil, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
