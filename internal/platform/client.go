// Package platform talks to the social platform's HTTP API on behalf of
// the reply bot.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/you/mediamail/internal/core"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: %s returned %d: %s", e.Path, e.Status, e.Body)
}

type Options struct {
	BaseURL   string
	Tokens    TokenSource
	RateRPS   float64 // zero disables pacing
	RateBurst int
	Timeout   time.Duration
	HTTP      *http.Client
	Logger    *slog.Logger
}

// Client performs favorites and replies. It satisfies reply.Platform.
type Client struct {
	base    string
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("platform: base url is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("platform: token source is required")
	}
	hc := opts.HTTP
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{base: base, tokens: opts.Tokens, http: hc, log: logger}
	if opts.RateRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateRPS), burst)
	}
	return c, nil
}

type favoriteRequest struct {
	ID string `json:"id"`
}

type statusRequest struct {
	Status            string `json:"status"`
	InReplyToStatusID string `json:"in_reply_to_status_id"`
}

func (c *Client) Favorite(ctx context.Context, a core.Action) error {
	return c.post(ctx, "/favorites", a.RequestID, favoriteRequest{ID: a.TargetID})
}

func (c *Client) PostReply(ctx context.Context, a core.Action) error {
	return c.post(ctx, "/statuses", a.RequestID, statusRequest{Status: a.Text, InReplyToStatusID: a.TargetID})
}

func (c *Client) post(ctx context.Context, path, key string, payload any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	token, err := c.tokens.Token()
	if err != nil {
		return errors.Wrap(err, "platform: token")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "platform: encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "platform: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "platform: POST %s", path)
	}
	defer resp.Body.Close()

	c.log.Debug("platform: request", "path", path, "status", resp.StatusCode, "dur", time.Since(start).String())
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Path: path, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
