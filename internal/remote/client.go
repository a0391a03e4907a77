// Package remote provides HTTP implementations of the coordinator's
// collaborator services.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/onboard/internal/engine"
	"github.com/rendis/onboard/internal/logging"
	"github.com/rendis/onboard/pkg/schema"
)

const defaultMaxResponseBody = 1 << 20

// Options configures a Client.
type Options struct {
	BaseURL string
	// HTTPClient defaults to a client without its own timeout; the retrying
	// client bounds every call.
	HTTPClient      *http.Client
	Headers         map[string]string
	MaxResponseBody int64
	Logger          *slog.Logger
}

// Client speaks JSON to the onboarding backend. It holds no per-run state:
// the session token travels on each call's context (engine.WithSessionToken).
type Client struct {
	base    string
	http    *http.Client
	headers map[string]string
	maxBody int64
	logger  *slog.Logger
}

// New creates a Client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("remote: base url is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = defaultMaxResponseBody
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		base:    base,
		http:    opts.HTTPClient,
		headers: opts.Headers,
		maxBody: opts.MaxResponseBody,
		logger:  opts.Logger.With(slog.String("component", "remote")),
	}, nil
}

// HTTPClient exposes the underlying client, mainly for test interception.
func (c *Client) HTTPClient() *http.Client { return c.http }

type errorBody struct {
	Message string `json:"message"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// post sends body as JSON to path and decodes a 2xx response into out
// (which may be nil). Non-2xx responses become classified OnboardErrors;
// transport errors are returned as-is for the caller's classifier.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode request").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if token := engine.SessionTokenFrom(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	logging.LogWith(ctx, c.logger).Debug("remote call",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeServer, "decode %s response", path).WithCause(err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response, raw []byte) *schema.OnboardError {
	var eb errorBody
	msg := ""
	if json.Unmarshal(raw, &eb) == nil {
		msg = eb.Error.Message
		if msg == "" {
			msg = eb.Message
		}
	}
	oe := schema.FromHTTPStatus(resp.StatusCode, msg)
	details := map[string]any{}
	if eb.Error.Code != "" {
		details["remote_code"] = eb.Error.Code
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			details["retry_after_seconds"] = secs
		}
	}
	if len(details) > 0 {
		oe.WithDetails(details)
	}
	return oe
}
