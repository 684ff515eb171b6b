// Package backend is the thin HTTP wrapper around the external control
// plane ("the Backend"). The teacher's own outbound-client code
// (pkg/llm/client.go) talks gRPC, not HTTP, so there is no pack client to
// imitate the transport of; net/http.Client with a shared Timeout is used
// directly because no library anywhere in the retrieval pack offers a
// better fit for "base URL + shared header" HTTP calls, and the Backend's
// own contract (§4.8) is plain HTTP + an API key header.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/types"
)

// Client issues HTTP calls to the Backend with a shared API key (§4.8).
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New constructs a Client for baseURL, authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Call issues an HTTP request to path relative to BACKEND_URL, attaching
// x-api-key and Content-Type unless overridden, and forwarding
// x-execution-id/x-delivery-id when provided (the context.callBackend
// helper injected into every handler, §4.8).
func (c *Client) Call(path string, opts types.CallOptions, executionID, deliveryID string) (*http.Response, error) {
	return c.call(context.Background(), path, opts, executionID, deliveryID)
}

func (c *Client) call(ctx context.Context, path string, opts types.CallOptions, executionID, deliveryID string) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	full, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if opts.Body != nil {
		b, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal callBackend body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	if executionID != "" {
		req.Header.Set("x-execution-id", executionID)
	}
	if deliveryID != "" {
		req.Header.Set("x-delivery-id", deliveryID)
	}

	return c.http.Do(req)
}

func (c *Client) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("resolve backend URL: %w", err)
	}
	return u.String(), nil
}

// CallBackendFor builds the types.CallBackendFunc injected into a single
// invocation's context, binding the execution/delivery ids to forward.
func (c *Client) CallBackendFor(executionID, deliveryID string) types.CallBackendFunc {
	return func(path string, opts types.CallOptions) (*http.Response, error) {
		return c.call(context.Background(), path, opts, executionID, deliveryID)
	}
}

// ReportExecutionResult posts an execution record to
// POST /api/v1/functions/{name}/execution-result. Best-effort: failures are
// logged and discarded, never retried (§4.8, §7, §9 — no silent retry).
func (c *Client) ReportExecutionResult(ctx context.Context, r harness.ExecutionResult) {
	body := map[string]any{
		"execution_id":      r.ExecutionID,
		"function_name":     r.FunctionName,
		"success":           r.Success,
		"result":            r.Result,
		"logs":              r.Logs,
		"execution_time_ms": r.ExecutionTimeMs,
		"timestamp":         r.Timestamp,
	}
	if r.DeliveryID != "" {
		body["delivery_id"] = r.DeliveryID
	}

	path := fmt.Sprintf("/api/v1/functions/%s/execution-result", r.FunctionName)
	resp, err := c.call(ctx, path, types.CallOptions{Method: http.MethodPost, Body: body}, r.ExecutionID, r.DeliveryID)
	if err != nil {
		slog.Warn("execution-result callback failed", "function", r.FunctionName, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("execution-result callback returned non-2xx", "function", r.FunctionName, "status", resp.StatusCode)
	}
}
