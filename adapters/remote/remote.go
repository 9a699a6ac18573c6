// Package remote serves any capability from a source reached over HTTP.
// Subqueries are posted as JSON to {base}/{operation} and the response is
// normalized from its rows, docs, matches or data key.
package remote

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/itsneelabh/fedquery/adapters"
	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// maxResponseBytes bounds the body read from one response.
const maxResponseBytes = 16 << 20

// DefaultOperations maps each capability to the endpoint it is posted to.
var DefaultOperations = map[orchestration.Capability]string{
	orchestration.CapabilityRelational: "execute_sql",
	orchestration.CapabilityDocument:   "find",
	orchestration.CapabilityGraph:      "traverse",
	orchestration.CapabilityVector:     "search",
}

// Adapter posts subqueries to a remote source. A payload "operation" key
// overrides the capability's endpoint and is not sent.
type Adapter struct {
	base       *url.URL
	client     *http.Client
	operations map[orchestration.Capability]string
	logger     core.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the traced default client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// WithOperation overrides the endpoint used for one capability.
func WithOperation(capability orchestration.Capability, operation string) Option {
	return func(a *Adapter) {
		if operation != "" {
			a.operations[capability] = operation
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger core.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an adapter for the source at baseURL. Requests go through an
// otelhttp transport so trace context reaches the source.
func New(baseURL string, opts ...Option) (*Adapter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote source URL is required: %w", core.ErrMissingConfiguration)
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid remote source URL %q: %w", baseURL, core.ErrInvalidConfiguration)
	}

	a := &Adapter{
		base: u,
		client: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			}),
		},
		operations: make(map[orchestration.Capability]string, len(DefaultOperations)),
		logger:     &core.NoOpLogger{},
	}
	for c, op := range DefaultOperations {
		a.operations[c] = op
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) endpoint(operation string) string {
	return a.base.String() + "/" + strings.TrimLeft(operation, "/")
}

// Execute implements orchestration.Adapter.
func (a *Adapter) Execute(ctx context.Context, q orchestration.Subquery, deps orchestration.Dependencies) (*orchestration.Result, error) {
	payload := adapters.Bind(q.Payload, deps)

	operation := adapters.String(payload, "operation", a.operations[q.Capability])
	delete(payload, "operation")
	if operation == "" {
		return nil, adapters.InvalidPayload("remote.Execute", q.NodeID, "no operation for capability %q", q.Capability)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, adapters.InvalidPayload("remote.Execute", q.NodeID, "payload is not JSON encodable: %v", err)
	}

	start := time.Now()
	decoded, err := a.do(ctx, http.MethodPost, a.endpoint(operation), body)
	if err != nil {
		return nil, err
	}

	res := adapters.Normalize(decoded)
	if res.Meta == nil {
		res.Meta = map[string]interface{}{}
	}
	if _, ok := res.Meta["source_id"]; !ok {
		res.Meta["source_id"] = q.Source
	}
	if _, ok := res.Meta["source_type"]; !ok {
		res.Meta["source_type"] = string(q.Capability)
	}

	a.logger.Debug("Remote subquery executed", map[string]interface{}{
		"operation":   "remote_execute",
		"node_id":     q.NodeID,
		"source":      q.Source,
		"endpoint":    operation,
		"records":     len(res.Records),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

// Schema fetches the source's self-description from {base}/schema.
func (a *Adapter) Schema(ctx context.Context) (map[string]interface{}, error) {
	return a.do(ctx, http.MethodGet, a.endpoint("schema"), nil)
}

func (a *Adapter) do(ctx context.Context, method, target string, body []byte) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", method, target, ctxErr)
		}
		return nil, fmt.Errorf("%s %s: %w: %w", method, target, core.ErrConnectionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", target, err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(target, resp.StatusCode, raw)
	}

	decoded := map[string]interface{}{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return decoded, nil
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON from %s: %w", target, err)
	}
	return decoded, nil
}

func statusError(target string, status int, body []byte) error {
	sentinel := core.ErrInvalidPayload
	switch {
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed:
		sentinel = core.ErrUnsupportedOperation
	case status == http.StatusTooManyRequests:
		sentinel = core.ErrRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		sentinel = core.ErrTimeout
	case status >= 500:
		sentinel = core.ErrRequestFailed
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &core.FrameworkError{
		Op:      "remote.Execute",
		Kind:    "adapter",
		ID:      target,
		Message: fmt.Sprintf("status %d: %s", status, msg),
		Err:     sentinel,
	}
}
