package control

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/renshu/internal/model"
	"github.com/ashita-ai/renshu/internal/telemetry"
)

// userAgent identifies this client on every request.
const userAgent = "renshu-go/0.1.0"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Training Control API
	// (e.g. "http://localhost:8080").
	BaseURL string

	// StudioID identifies this studio deployment for authentication and
	// audit trails.
	StudioID string

	// SigningKey is the base64-encoded HMAC key shared with the control
	// plane, used to mint bearer tokens locally.
	SigningKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with a 30-second timeout is used. The SSE stream uses a
	// companion client without the overall timeout; cancellation comes
	// from the request context.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration

	// SessionID overrides the generated per-client session identifier.
	// Mainly useful in tests.
	SessionID *uuid.UUID

	// Logger is optional and defaults to slog.Default().
	Logger *slog.Logger
}

// Client is an HTTP client for the Training Control API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	studioID     string
	client       *http.Client
	streamClient *http.Client
	tokenMgr     *tokenManager
	session      uuid.UUID
	logger       *slog.Logger

	streamDropped atomic.Int64 // malformed stream payloads across all streams
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, StudioID, or SigningKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("control: BaseURL is required")
	}
	if cfg.StudioID == "" {
		return nil, fmt.Errorf("control: StudioID is required")
	}
	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("control: SigningKey is required")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("control: decode SigningKey: %w", err)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	// The stream endpoint is long-lived; a copy without the overall
	// timeout keeps the transport settings but never kills the feed.
	streamClient := *httpClient
	streamClient.Timeout = 0

	session := uuid.New()
	if cfg.SessionID != nil {
		session = *cfg.SessionID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:      baseURL,
		studioID:     cfg.StudioID,
		client:       httpClient,
		streamClient: &streamClient,
		tokenMgr:     newTokenManager(cfg.StudioID, key),
		session:      session,
		logger:       logger,
	}
	c.registerMetrics()
	return c, nil
}

// ListRuns lists runs visible to the studio, newest first. With
// ScopeCorpus only runs of corpusID are returned; with ScopeAll every
// visible run is.
func (c *Client) ListRuns(ctx context.Context, corpusID string, scope model.Scope, limit int) ([]model.RunMeta, error) {
	params := url.Values{}
	params.Set("scope", string(scope))
	if corpusID != "" {
		params.Set("corpus_id", corpusID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	} else {
		params.Set("limit", "50")
	}

	path := "/v1/runs?" + params.Encode()
	var resp runsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetRun retrieves the full detail of one run.
func (c *Client) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var resp model.Run
	if err := c.get(ctx, "/v1/runs/"+runID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetMetrics retrieves the most recent metric events of a run in arrival
// order, bounded by limit.
func (c *Client) GetMetrics(ctx context.Context, runID string, limit int) ([]model.MetricEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))

	path := "/v1/runs/" + runID + "/metrics?" + params.Encode()
	var resp metricsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// StreamRun opens the live SSE event feed of a run. For runs that are
// already finished the control plane replays the trailing events and
// closes. The returned stream stays open until the run ends, the context
// is cancelled, or Close is called.
func (c *Client) StreamRun(ctx context.Context, runID string) (*Stream, error) {
	token, err := c.tokenMgr.getToken()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID+"/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("control: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.setCommonHeaders(req, token)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("control: unexpected stream content type %q", ct)
	}

	return newStream(resp.Body, c.logger, &c.streamDropped), nil
}

// CancelRun asks the control plane to cancel a run. The request is an
// intent: run state only changes when the authoritative cancelled event
// arrives on the stream. A 200 reply carrying ok=false means the
// control plane understood but did not accept the request; it surfaces
// as ErrRejected, never as success.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	var resp okResponse
	if err := c.post(ctx, "/v1/runs/"+runID+"/cancel", struct{}{}, &resp); err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("control: cancel run %s: %w", runID, ErrRejected)
	}
	return nil
}

// PromoteRun marks a completed run's adapted model for serving. As with
// CancelRun, an ok=false reply surfaces as ErrRejected.
func (c *Client) PromoteRun(ctx context.Context, runID string) error {
	var resp okResponse
	if err := c.post(ctx, "/v1/runs/"+runID+"/promote", struct{}{}, &resp); err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("control: promote run %s: %w", runID, ErrRejected)
	}
	return nil
}

// HealthResponse is the control plane's health report.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Health checks the control plane's health status. This endpoint does
// not require authentication and will work even if the client has an
// invalid signing key.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamDropped returns the total count of malformed stream payloads
// dropped across all streams opened by this client.
func (c *Client) StreamDropped() int64 {
	return c.streamDropped.Load()
}

// registerMetrics registers observable OTEL gauges for client health
// monitoring.
func (c *Client) registerMetrics() {
	meter := telemetry.Meter("renshu/control")

	_, _ = meter.Int64ObservableGauge("renshu.stream.dropped_total",
		metric.WithDescription("Total malformed stream payloads dropped"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.streamDropped.Load())
			return nil
		}),
	)
}

// ---------------------------------------------------------------------------
// Wire-format response bodies
// ---------------------------------------------------------------------------

type runsResponse struct {
	Runs []model.RunMeta `json:"runs"`
}

type metricsResponse struct {
	Events []model.MetricEvent `json:"events"`
}

// okResponse is the acknowledgement body of the cancel and promote
// verbs.
type okResponse struct {
	Ok bool `json:"ok"`
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("control: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("control: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("control: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("control: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) setCommonHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Renshu-Session", c.session.String())
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken()
	if err != nil {
		return err
	}
	c.setCommonHeaders(req, token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("control: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("control: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("control: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
