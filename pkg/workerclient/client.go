// Package workerclient calls a tracking worker that sits behind a network
// tunnel. Tunnel outages are retried; application errors are not.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"worker-tracker/dto"
)

// ErrUnavailable means the worker could not be reached after every attempt.
// Callers may fall back to running the operation locally.
var ErrUnavailable = errors.New("tracking worker temporarily unavailable")

// APIError is a response the worker actually produced.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracking worker returned %d: %s", e.Status, e.Message)
}

type Config struct {
	BaseURL     string
	Token       string
	MaxAttempts uint
	BackoffStep time.Duration
	Timeout     time.Duration
}

type Client struct {
	cfg     Config
	http    *http.Client
	onRetry func(attempt uint, err error)
}

func New(cfg Config) *Client {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 700 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// OnRetry registers a hook invoked before each retry.
func (c *Client) OnRetry(fn func(attempt uint, err error)) {
	c.onRetry = fn
}

func (c *Client) Health(ctx context.Context) (*dto.HealthResponse, error) {
	out := &dto.HealthResponse{}
	if err := c.do(ctx, http.MethodGet, "/track/health", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Check(ctx context.Context, req dto.CheckRequest) (*dto.CheckResponse, error) {
	out := &dto.CheckResponse{}
	if err := c.Call(ctx, "/track/check", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Start(ctx context.Context, req dto.StartTrackingRequest) (*dto.StartTrackingResponse, error) {
	out := &dto.StartTrackingResponse{}
	if err := c.Call(ctx, "/track/start", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Stop(ctx context.Context, req dto.StopTrackingRequest) (*dto.StopTrackingResponse, error) {
	out := &dto.StopTrackingResponse{}
	if err := c.Call(ctx, "/track/stop", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Call posts body as JSON to path and decodes the JSON reply into out.
func (c *Client) Call(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

type tunnelError struct {
	status int
	detail string
}

func (e *tunnelError) Error() string {
	if e.status == 0 {
		return "tunnel unreachable: " + e.detail
	}
	return fmt.Sprintf("tunnel offline (%d): %s", e.status, e.detail)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = raw
	}

	attempt := uint(0)
	operation := func() (struct{}, error) {
		attempt++
		err := c.once(ctx, method, path, payload, out)
		var tunnelErr *tunnelError
		if err == nil || !errors.As(err, &tunnelErr) {
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, nil
		}
		zerolog.Ctx(ctx).Warn().Err(err).Str("path", path).Uint("attempt", attempt).Msg("tracking worker unreachable")
		if attempt < c.cfg.MaxAttempts && c.onRetry != nil {
			c.onRetry(attempt, err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{step: c.cfg.BackoffStep}),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}

	var tunnelErr *tunnelError
	if errors.As(err, &tunnelErr) {
		return fmt.Errorf("%w: %s", ErrUnavailable, tunnelErr.Error())
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &tunnelError{detail: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &tunnelError{status: resp.StatusCode, detail: err.Error()}
	}

	if !json.Valid(raw) {
		if looksLikeTunnelPage(resp.StatusCode, raw) {
			return &tunnelError{status: resp.StatusCode, detail: snippet(raw)}
		}
		return &APIError{Status: resp.StatusCode, Message: snippet(raw)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &APIError{Status: resp.StatusCode, Message: "decode response: " + err.Error()}
		}
	}
	return nil
}

var tunnelMarkers = []string{
	"no tunnel",
	"tunnel not found",
	"tunnel offline",
	"tunnel is not running",
	"err_ngrok",
	"bad gateway",
	"<html",
	"<!doctype",
}

// looksLikeTunnelPage reports whether a non-JSON body is the relay's own
// interstitial rather than an answer from the worker.
func looksLikeTunnelPage(status int, body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range tunnelMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, 530:
		return true
	}
	return false
}

func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return snippet(raw)
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}
