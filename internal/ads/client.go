package ads

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

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"adreport/internal/stage"
)

// maxErrorBody bounds how much of an error response is read for diagnostics.
const maxErrorBody = 64 << 10

// Client is an authenticated JSON client for one ads API.
type Client struct {
	HTTP *http.Client

	name    string
	headers http.Header
	budget  *RequestBudget
}

type options struct {
	verbose bool
	logger  *zap.Logger
	base    http.RoundTripper
	budget  *RequestBudget
	headers http.Header
}

type Option func(*options)

// WithVerbose logs one debug line per request and response (including latency).
func WithVerbose(enabled bool, logger *zap.Logger) Option {
	return func(o *options) {
		o.verbose = enabled
		o.logger = logger
	}
}

// WithTransport replaces http.DefaultTransport as the innermost transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.base = rt
	}
}

func WithBudget(b *RequestBudget) Option {
	return func(o *options) {
		o.budget = b
	}
}

// WithHeader adds a static header to every request (e.g. developer-token).
func WithHeader(key, value string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Set(key, value)
	}
}

// loggingRoundTripper wraps an underlying transport and emits one line per
// request and response when verbose logging is enabled.
type loggingRoundTripper struct {
	base   http.RoundTripper
	name   string
	logger *zap.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	// Query strings may carry access tokens (Graph API paging links).
	t.logger.Debug("ads api request",
		zap.String("api", t.name),
		zap.String("method", req.Method),
		zap.String("host", req.URL.Host),
		zap.String("path", req.URL.Path),
	)
	resp, err := t.base.RoundTrip(req)
	dur := time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		t.logger.Debug("ads api error", zap.String("api", t.name), zap.Duration("duration", dur), zap.Error(err))
	} else {
		t.logger.Debug("ads api response", zap.String("api", t.name), zap.Int("status", resp.StatusCode), zap.Duration("duration", dur))
	}
	return resp, err
}

// NewClient builds a client named after its source. A non-empty token is sent
// as an OAuth2 bearer token on every request.
func NewClient(ctx context.Context, name, token string, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ads client: ctx is nil")
	}

	o := &options{}
	for _, apply := range opts {
		if apply != nil {
			apply(o)
		}
	}
	if o.verbose && o.logger == nil {
		o.logger = zap.NewNop()
	}

	transport := o.base
	if transport == nil {
		transport = http.DefaultTransport
	}
	if o.verbose {
		transport = &loggingRoundTripper{base: transport, name: name, logger: o.logger}
	}
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}

	return &Client{
		HTTP:    &http.Client{Transport: transport},
		name:    name,
		headers: o.headers,
		budget:  o.budget,
	}, nil
}

func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return stage.New(stage.KindSource, stage.CauseConfig, c.name+" request", err)
	}
	return c.Do(req, out)
}

func (c *Client) PostJSON(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return stage.New(stage.KindSource, stage.CauseConfig, c.name+" request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return stage.New(stage.KindSource, stage.CauseConfig, c.name+" request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req, out)
}

// Do sends req and decodes a 2xx JSON body into out. Every error it returns is
// a *stage.Error of kind source_error carrying a machine-readable cause.
func (c *Client) Do(req *http.Request, out any) error {
	op := fmt.Sprintf("%s %s %s", c.name, req.Method, req.URL.Path)
	ctx := req.Context()

	if err := c.budget.Acquire(ctx); err != nil {
		return stage.New(stage.KindSource, stage.CauseOf(err, stage.CauseRateLimited), op, err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return stage.New(stage.KindSource, stage.CauseOf(err, stage.CauseTransport), op, err)
	}
	defer resp.Body.Close()
	c.budget.Observe(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := parseAPIError(resp.StatusCode, body)
		return stage.New(stage.KindSource, classify(apiErr), op, apiErr)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return stage.New(stage.KindSource, stage.CauseTimeout, op, ctx.Err())
		}
		return stage.New(stage.KindSource, stage.CauseDecode, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// APIError is the error envelope shared by the Google Ads and Graph APIs:
// {"error": {"code": ..., "message": ..., "status"|"type": ...}}.
type APIError struct {
	StatusCode int
	Code       int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d", e.StatusCode)
	if e.Status != "" {
		b.WriteString(" ")
		b.WriteString(e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	// searchStream wraps errors in a one-element array.
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err == nil && len(arr) > 0 {
			trimmed = arr[0]
		}
	}
	if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Status = envelope.Error.Status
		if apiErr.Status == "" {
			apiErr.Status = envelope.Error.Type
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	if len(apiErr.Message) > 200 {
		apiErr.Message = apiErr.Message[:200]
	}
	return apiErr
}

// Graph API error codes for throttling and expired/invalid tokens.
var (
	metaRateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true, 80000: true, 80004: true}
	metaAuthCodes      = map[int]bool{102: true, 190: true}
)

func classify(e *APIError) stage.Cause {
	switch {
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return stage.CauseAuth
	case e.StatusCode == http.StatusTooManyRequests, e.Status == "RESOURCE_EXHAUSTED":
		return stage.CauseRateLimited
	case e.Status == "OAuthException" && metaAuthCodes[e.Code]:
		return stage.CauseAuth
	case metaRateLimitCodes[e.Code] && e.StatusCode < 500:
		return stage.CauseRateLimited
	case e.Status == "UNAUTHENTICATED", e.Status == "PERMISSION_DENIED":
		return stage.CauseAuth
	default:
		return stage.CauseUpstream
	}
}

// AsAPIError returns the upstream API error response carried by err, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
