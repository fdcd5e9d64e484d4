package nodes

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

	"github.com/rendis/nodeflow/internal/runctx"
	"github.com/rendis/nodeflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestConfigSchema = `{
  "type": "object",
  "properties": {
    "variableName": {"type": "string", "minLength": 1},
    "endpoint": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET","POST","PUT","PATCH","DELETE","HEAD"], "default": "GET"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string", "pattern": "^[0-9]+(ms|s|m)$"}
  },
  "required": ["variableName", "endpoint"]
}`

// HTTPRequestExecutor calls an HTTP endpoint inside one durable step and
// writes {status, headers, body} to variableName.
type HTTPRequestExecutor struct {
	client          *http.Client
	maxResponseBody int64
}

// NewHTTPRequestExecutor uses client, or a default client when nil.
func NewHTTPRequestExecutor(client *http.Client, maxResponseBody int64) *HTTPRequestExecutor {
	if client == nil {
		client = &http.Client{}
	}
	if maxResponseBody <= 0 {
		maxResponseBody = defaultMaxResponseBody
	}
	return &HTTPRequestExecutor{client: client, maxResponseBody: maxResponseBody}
}

func (e *HTTPRequestExecutor) Type() schema.NodeType { return schema.NodeTypeHTTPRequest }

func (e *HTTPRequestExecutor) Schema() Schema {
	return Schema{
		Description: "Send an HTTP request and store the response in a variable.",
		Config:      json.RawMessage(httpRequestConfigSchema),
	}
}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, req Request) (runctx.Context, error) {
	return tracked(ctx, req, func() (runctx.Context, error) {
		endpoint, err := renderParam(req, "endpoint")
		if err != nil {
			return req.Context, err
		}
		if err := checkURL(endpoint); err != nil {
			return req.Context, err
		}
		headers, _, err := renderAny(req, "headers")
		if err != nil {
			return req.Context, err
		}
		body, hasBody, err := renderAny(req, "body")
		if err != nil {
			return req.Context, err
		}
		method := strings.ToUpper(stringParam(req.Config, "method", http.MethodGet))
		timeout := durationParam(req.Config, "timeout", defaultHTTPTimeout)

		raw, err := req.Steps.Run(ctx, stepName(req.NodeID, "request"), func(ctx context.Context) (any, error) {
			return e.do(ctx, method, endpoint, headers, body, hasBody, timeout)
		})
		if err != nil {
			return req.Context, err
		}
		result, err := decodeResult(raw)
		if err != nil {
			return req.Context, schema.NewError(schema.ErrCodeExecution, "decode http_request result").WithCause(err)
		}
		return writeVar(req, result)
	})
}

func (e *HTTPRequestExecutor) do(ctx context.Context, method, endpoint string, headers, body any, hasBody bool, timeout time.Duration) (map[string]any, error) {
	reader, contentType, err := encodeBody(body, hasBody)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "http_request: build request").WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if hm, ok := headers.(map[string]any); ok {
		for k, v := range hm {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternal, "http_request: %s %s: %v", method, endpoint, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExternal, "http_request: read response body").WithCause(err)
	}

	result := map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    parseBody(data, resp.Header.Get("Content-Type")),
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExternal, "http_request: %s %s returned %d", method, endpoint, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	return result, nil
}

func checkURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeConfig, "invalid url %q", raw)
	}
	return nil
}

// encodeBody sends strings as-is and everything else as JSON.
func encodeBody(body any, hasBody bool) (io.Reader, string, error) {
	if !hasBody {
		return nil, "", nil
	}
	if s, ok := body.(string); ok {
		if json.Valid([]byte(s)) {
			return strings.NewReader(s), "application/json", nil
		}
		return strings.NewReader(s), "text/plain", nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeConfig, "request body is not JSON-serializable").WithCause(err)
	}
	return bytes.NewReader(b), "application/json", nil
}

func parseBody(data []byte, contentType string) any {
	if len(data) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
