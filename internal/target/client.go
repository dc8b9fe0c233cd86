package target

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

	"github.com/splax/sitedeploy/internal/domain"
)

const (
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the hosting API rejected the configured credentials.
var ErrUnauthorized = errors.New("invalid credentials")

// ErrForbidden indicates the credentials lack permission for the operation.
var ErrForbidden = errors.New("permission denied")

// ErrNotFound indicates the hosting API could not locate the resource.
var ErrNotFound = errors.New("hosting resource not found")

// ErrQuotaExceeded indicates the backend refused the write because a quota was hit.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrStorageExhausted indicates the backend has no storage capacity left.
var ErrStorageExhausted = errors.New("storage capacity exhausted")

// ErrNetwork indicates the hosting API could not be reached.
var ErrNetwork = errors.New("network error")

// ErrTimeout indicates the hosting API did not answer in time.
var ErrTimeout = errors.New("hosting api timeout")

// ErrInvalidResponse indicates the hosting API returned a malformed payload.
var ErrInvalidResponse = errors.New("hosting api invalid response")

// Client talks to the hosting backend over HTTP.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Target = (*Client)(nil)

// NewClient creates a hosting client for the provided API base URL and token.
func NewClient(baseURL, token string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("hosting api base url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid hosting api base url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		token:   strings.TrimSpace(token),
		client:  client,
	}, nil
}

// Initialize verifies the hosting API is reachable and accepts our token.
func (c *Client) Initialize(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// CreateNamespace upserts the tenant/site namespace.
func (c *Client) CreateNamespace(ctx context.Context, tenantID, siteID string) (Namespace, error) {
	var ns Namespace
	if err := c.do(ctx, http.MethodPut, sitePath(tenantID, siteID), nil, &ns); err != nil {
		return Namespace{}, err
	}
	return ns, nil
}

// PublishContent replaces the site's pages and returns how many were deployed.
func (c *Client) PublishContent(ctx context.Context, tenantID, siteID string, pages []domain.Page) (int, error) {
	var resp struct {
		Deployed int `json:"deployed"`
	}
	body := map[string]any{"pages": pages}
	if err := c.do(ctx, http.MethodPut, sitePath(tenantID, siteID)+"/pages", body, &resp); err != nil {
		return 0, err
	}
	return resp.Deployed, nil
}

// UploadAssets writes each asset under its content-addressed key. Objects that
// already exist are left untouched.
func (c *Client) UploadAssets(ctx context.Context, tenantID, siteID string, assets []domain.Asset) ([]string, error) {
	urls := make([]string, 0, len(assets))
	for _, asset := range assets {
		u, err := c.uploadAsset(ctx, tenantID, siteID, asset)
		if err != nil {
			return urls, fmt.Errorf("upload %s: %w", asset.Name, err)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func (c *Client) uploadAsset(ctx context.Context, tenantID, siteID string, asset domain.Asset) (string, error) {
	objectPath := sitePath(tenantID, siteID) + "/" + asset.Key()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+objectPath, bytes.NewReader(asset.Data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	contentType := strings.TrimSpace(asset.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("If-None-Match", "*")
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusPreconditionFailed {
		return "", errorForStatus(resp)
	}
	var payload struct {
		URL string `json:"url"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&payload)
	if strings.TrimSpace(payload.URL) != "" {
		return payload.URL, nil
	}
	return c.baseURL + objectPath, nil
}

// ProvisionFormBackend ensures a form-submission backend exists for the site.
func (c *Client) ProvisionFormBackend(ctx context.Context, tenantID, siteID string) (FormBackend, error) {
	var backend FormBackend
	if err := c.do(ctx, http.MethodPut, sitePath(tenantID, siteID)+"/forms", nil, &backend); err != nil {
		return FormBackend{}, err
	}
	return backend, nil
}

// ApplyIsolationRules applies and validates the tenant's isolation rules.
func (c *Client) ApplyIsolationRules(ctx context.Context, tenantID string) (RuleValidation, error) {
	var validation RuleValidation
	if err := c.do(ctx, http.MethodPut, tenantPath(tenantID)+"/rules", nil, &validation); err != nil {
		return RuleValidation{}, err
	}
	return validation, nil
}

// ReadStatus reads back the stored site record. A missing site is not an error.
func (c *Client) ReadStatus(ctx context.Context, tenantID, siteID string) (SiteStatus, error) {
	var status SiteStatus
	err := c.do(ctx, http.MethodGet, sitePath(tenantID, siteID), nil, &status)
	if errors.Is(err, ErrNotFound) {
		return SiteStatus{Exists: false}, nil
	}
	if err != nil {
		return SiteStatus{}, err
	}
	status.Exists = true
	return status, nil
}

// ReadQuota returns the backend usage snapshot.
func (c *Client) ReadQuota(ctx context.Context) (QuotaUsage, error) {
	var usage QuotaUsage
	if err := c.do(ctx, http.MethodGet, "/v1/quota", nil, &usage); err != nil {
		return QuotaUsage{}, err
	}
	return usage, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// transportError drops the request URL from err. The URL carries tenant and
// site ids, which must not reach the keyword classifier.
func transportError(err error) error {
	cause, timeout := err, false
	var uerr *url.Error
	if errors.As(err, &uerr) {
		cause, timeout = uerr.Err, uerr.Timeout()
	}
	switch {
	case errors.Is(cause, context.Canceled):
		return cause
	case timeout || errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, cause)
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, cause)
	}
}

// ErrorKind maps the sentinel errors of this package onto failure kinds. It
// returns an empty kind for errors it does not recognise.
func ErrorKind(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return domain.KindInvalidCredentials
	case errors.Is(err, ErrForbidden):
		return domain.KindPermissionDenied
	case errors.Is(err, ErrQuotaExceeded):
		return domain.KindQuotaExceeded
	case errors.Is(err, ErrStorageExhausted):
		return domain.KindStorageLimit
	case errors.Is(err, ErrTimeout):
		return domain.KindDeploymentTimeout
	case errors.Is(err, ErrNetwork):
		return domain.KindNetworkError
	}
	return ""
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: authentication rejected: %s", ErrUnauthorized, summary)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, summary)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, summary)
	case http.StatusInsufficientStorage:
		return fmt.Errorf("%w: %s", ErrStorageExhausted, summary)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, summary)
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("%w: hosting api unavailable: %s", ErrNetwork, summary)
	default:
		return fmt.Errorf("hosting api request failed (%d): %s", resp.StatusCode, summary)
	}
}

func tenantPath(tenantID string) string {
	return "/v1/tenants/" + url.PathEscape(tenantID)
}

func sitePath(tenantID, siteID string) string {
	return tenantPath(tenantID) + "/sites/" + url.PathEscape(siteID)
}
