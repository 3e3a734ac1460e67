package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowcron/pkg/schema"
)

// HTTPConfig configures the http.get operation.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// RegisterBuiltins registers the built-in operations:
//   - echo: returns its params
//   - value: returns params.value
//   - log: logs its params and returns them
//   - http.get: fetches a URL and returns the decoded body
//   - crypto.hash, crypto.hmac, crypto.uuid
//   - assert.equals, assert.contains, assert.matches, assert.schema
func RegisterBuiltins(reg *Registry, logger *slog.Logger, httpCfg HTTPConfig) error {
	if logger == nil {
		logger = slog.Default()
	}
	all := []Operation{
		NewFunc("echo", "Returns its params unchanged.", func(_ context.Context, params map[string]any) (any, error) {
			return params, nil
		}),
		NewFunc("value", "Returns params.value.", func(_ context.Context, params map[string]any) (any, error) {
			v, ok := params["value"]
			if !ok {
				return nil, schema.NewError(schema.ErrCodeValidation, "value: missing param \"value\"")
			}
			return v, nil
		}),
		NewFunc("log", "Logs its params at info level.", func(ctx context.Context, params map[string]any) (any, error) {
			attrs := make([]any, 0, len(params))
			for k, v := range params {
				attrs = append(attrs, slog.Any(k, v))
			}
			logger.InfoContext(ctx, stringParam(params, "message", "workflow log"), attrs...)
			return params, nil
		}),
		newHTTPGet(httpCfg),
	}
	all = append(all, cryptoOperations()...)
	all = append(all, assertOperations()...)

	for _, op := range all {
		if err := reg.Register(op); err != nil {
			return err
		}
	}
	return nil
}

// httpGet performs a GET request. Params: url (required), query (object),
// headers (object), timeout (duration string), fail_on_error_status (bool).
// Returns {status_code, headers, body}; JSON bodies are decoded.
type httpGet struct {
	cfg HTTPConfig
}

func newHTTPGet(cfg HTTPConfig) *httpGet {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &httpGet{cfg: cfg}
}

func (h *httpGet) Name() string        { return "http.get" }
func (h *httpGet) Description() string { return "Performs an HTTP GET and returns the decoded response." }

func (h *httpGet) Invoke(ctx context.Context, params map[string]any) (any, error) {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.get: url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.get: invalid url %q", rawURL)
	}
	if query, ok := params["query"].(map[string]any); ok {
		q := u.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	timeout := h.cfg.DefaultTimeout
	if s := stringParam(params, "timeout", ""); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.get: %s", err.Error()).WithCause(err)
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http.get: %s timed out after %s", u.Redacted(), timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.get: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.get: read body: %s", err.Error()).WithCause(err)
	}

	if resp.StatusCode >= 400 && boolParam(params, "fail_on_error_status", true) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.get: %s returned %d", u.Redacted(), resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	var body any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			body = decoded
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
	}, nil
}

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}
