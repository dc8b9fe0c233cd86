package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path"
	"strings"
	"time"
)

// DeploymentStatus is the lifecycle state of an orchestration.
type DeploymentStatus string

// Deployment lifecycle states.
const (
	StatusPending DeploymentStatus = "pending"
	StatusRunning DeploymentStatus = "running"
	StatusSuccess DeploymentStatus = "success"
	StatusFailed  DeploymentStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// DeploymentContext is the immutable input to one orchestration run.
type DeploymentContext struct {
	TenantID   string  `json:"tenant_id"`
	SiteID     string  `json:"site_id"`
	WebsiteID  string  `json:"website_id"`
	OperatorID string  `json:"operator_id"`
	Pages      []Page  `json:"pages"`
	Assets     []Asset `json:"assets,omitempty"`
}

// Page is one publishable page of site content.
type Page struct {
	ID       string    `json:"id"`
	Slug     string    `json:"slug"`
	Title    string    `json:"title"`
	Sections []Section `json:"sections,omitempty"`
}

// Section is a layout block inside a page. Sections may nest.
type Section struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Props    map[string]any `json:"props,omitempty"`
	Children []Section      `json:"children,omitempty"`
}

// Asset is a static file uploaded alongside the pages.
type Asset struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Key returns the content-addressed storage key for the asset, so that
// re-uploading identical bytes always targets the same object.
func (a Asset) Key() string {
	sum := sha256.Sum256(a.Data)
	name := path.Base(strings.TrimSpace(a.Name))
	if name == "." || name == "/" || name == "" {
		name = "asset"
	}
	return "assets/" + hex.EncodeToString(sum[:])[:16] + "-" + name
}

// DeploymentRecord is the persisted history row for one orchestration.
type DeploymentRecord struct {
	ID          string
	TenantID    string
	SiteID      string
	WebsiteID   string
	OperatorID  string
	Status      DeploymentStatus
	Attempts    int
	HostingURL  string
	Error       string
	Result      json.RawMessage
	StartedAt   time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// DeploymentStatusUpdate carries a partial update to a DeploymentRecord.
// Empty strings and nil fields leave the stored values untouched.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       DeploymentStatus
	Attempts     *int
	HostingURL   string
	Error        string
	Result       json.RawMessage
	CompletedAt  *time.Time
}
