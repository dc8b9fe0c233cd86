package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the sitedeploy orchestrator API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout bounds each request. Synchronous deployments can take minutes.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		reader = bytes.NewReader(b)
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Submission acknowledges an asynchronous deployment.
type Submission struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
}

// Result is the terminal orchestration record. Trace holds the raw agent
// trace document.
type Result struct {
	DeploymentID string          `json:"deployment_id"`
	TenantID     string          `json:"tenant_id"`
	Attempts     int             `json:"attempts"`
	Trace        json.RawMessage `json:"agent_trace"`
	FinalStatus  string          `json:"final_status"`
	HostingURL   string          `json:"hosting_url"`
	StoragePath  string          `json:"storage_path"`
	Error        string          `json:"error"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
}

// Succeeded reports whether the deployment reached success.
func (r Result) Succeeded() bool {
	return r.FinalStatus == "success"
}

// Deployment models a deployment history record.
type Deployment struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	SiteID      string          `json:"site_id"`
	WebsiteID   string          `json:"website_id"`
	OperatorID  string          `json:"operator_id"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	HostingURL  string          `json:"hosting_url"`
	Error       string          `json:"error"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AgentLog is one agent record appended during a deployment.
type AgentLog struct {
	ID           int64           `json:"id"`
	DeploymentID string          `json:"deployment_id"`
	TenantID     string          `json:"tenant_id"`
	Agent        string          `json:"agent"`
	Attempt      int             `json:"attempt"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CircuitStatus reports a tenant's breaker state.
type CircuitStatus struct {
	TenantID string `json:"tenant_id"`
	Failures int    `json:"failures"`
	Open     bool   `json:"open"`
}

// SubmitDeployment queues a deployment. deploymentContext is the JSON
// deployment context document.
func (c *Client) SubmitDeployment(ctx context.Context, token string, deploymentContext json.RawMessage) (Submission, error) {
	var out Submission
	if err := c.do(ctx, http.MethodPost, "/deployments", deploymentContext, token, &out); err != nil {
		return Submission{}, err
	}
	return out, nil
}

// Deploy runs a deployment synchronously and returns its terminal result.
func (c *Client) Deploy(ctx context.Context, token string, deploymentContext json.RawMessage) (Result, error) {
	var out Result
	if err := c.do(ctx, http.MethodPost, "/deployments?wait=true", deploymentContext, token, &out); err != nil {
		return Result{}, err
	}
	return out, nil
}

// GetDeployment fetches one deployment including its result document.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	var out Deployment
	path := "/deployments/" + url.PathEscape(deploymentID)
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return Deployment{}, err
	}
	return out, nil
}

// ListDeployments fetches recent deployments for the token's tenant.
func (c *Client) ListDeployments(ctx context.Context, token string, limit int) ([]Deployment, error) {
	path := "/deployments"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAgentLogs returns agent logs for a deployment in append order.
func (c *Client) ListAgentLogs(ctx context.Context, token, deploymentID string, limit, offset int) ([]AgentLog, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		query.Set("offset", fmt.Sprint(offset))
	}
	path := "/deployments/" + url.PathEscape(deploymentID) + "/logs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out []AgentLog
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CircuitStatus returns the breaker state for a tenant.
func (c *Client) CircuitStatus(ctx context.Context, token, tenantID string) (CircuitStatus, error) {
	var out CircuitStatus
	path := "/tenants/" + url.PathEscape(tenantID) + "/circuit"
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return CircuitStatus{}, err
	}
	return out, nil
}
