package kaiseki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kaiseki server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Streaming requests always bypass the
	// client timeout; an analysis can outlive any sensible request deadline.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kaiseki codebase-analysis API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kaiseki: BaseURL is required")
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

	// The events stream stays open for the lifetime of a run, so it gets
	// a copy of the client with the overall timeout stripped. Callers
	// bound it with the context instead.
	streamClient := *httpClient
	streamClient.Timeout = 0

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
		stream:  &streamClient,
	}, nil
}

// StartAnalysis launches a pipeline run for the project. The server
// answers immediately with the run row; progress streams through Events.
// If a run is already executing for the project, that run is returned
// with Started=false and this call has no side effect.
func (c *Client) StartAnalysis(ctx context.Context, projectID string, req AnalyzeRequest) (*AnalysisAccepted, error) {
	var resp AnalysisAccepted
	path := "/v1/projects/" + url.PathEscape(projectID) + "/analyses"
	if err := c.post(ctx, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run retrieves a run with its assembled result. Result is nil while the
// run is still analyzing or when it ended in error.
func (c *Client) Run(ctx context.Context, runID string) (*RunStatusResponse, error) {
	var resp RunStatusResponse
	if err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRunsOptions are optional pagination parameters for ListRuns.
type ListRunsOptions struct {
	Limit  int
	Offset int
}

// ListRuns returns one page of a project's runs, most recent first.
func (c *Client) ListRuns(ctx context.Context, projectID string, opts *ListRunsOptions) (*RunList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/projects/" + url.PathEscape(projectID) + "/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp RunList
	if err := c.getList(ctx, path, &resp); err != nil {
		return nil, err
	}
	if resp.Runs == nil {
		resp.Runs = []Run{}
	}
	return &resp, nil
}

// Costs aggregates model spend for a project's pipeline trace. Projects
// that never ran report zero totals rather than an error.
func (c *Client) Costs(ctx context.Context, projectID string) (*ProjectCosts, error) {
	var resp ProjectCosts
	if err := c.get(ctx, "/v1/projects/"+url.PathEscape(projectID)+"/costs", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
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
		return fmt.Errorf("kaiseki: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kaiseki: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kaiseki: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

// getList decodes a paginated response. List endpoints carry their page
// metadata as siblings of "data", so the envelope cannot be unwrapped
// the way single-object responses are; dest is decoded from the whole
// body instead.
func (c *Client) getList(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kaiseki: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kaiseki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kaiseki: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("kaiseki: decode response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kaiseki: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kaiseki: read response body: %w", err)
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
		return fmt.Errorf("kaiseki: decode response envelope: %w", err)
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
