// Package target defines the hosting backend that deployments are applied to
// and an HTTP client for it.
package target

import (
	"context"
	"time"

	"github.com/splax/sitedeploy/internal/domain"
)

// Target executes individual deployment operations against the hosting
// backend. Every operation except UploadAssets is idempotent; UploadAssets is
// made idempotent by content-addressed keys and conditional writes.
type Target interface {
	Initialize(ctx context.Context) error
	CreateNamespace(ctx context.Context, tenantID, siteID string) (Namespace, error)
	PublishContent(ctx context.Context, tenantID, siteID string, pages []domain.Page) (int, error)
	UploadAssets(ctx context.Context, tenantID, siteID string, assets []domain.Asset) ([]string, error)
	ProvisionFormBackend(ctx context.Context, tenantID, siteID string) (FormBackend, error)
	ApplyIsolationRules(ctx context.Context, tenantID string) (RuleValidation, error)
	ReadStatus(ctx context.Context, tenantID, siteID string) (SiteStatus, error)
	ReadQuota(ctx context.Context) (QuotaUsage, error)
}

// Namespace holds the storage paths reserved for a tenant site.
type Namespace struct {
	ContentPath string `json:"content_path"`
	AssetPath   string `json:"asset_path"`
	StoragePath string `json:"storage_path"`
}

// FormBackend describes a provisioned form-submission endpoint.
type FormBackend struct {
	Endpoint       string `json:"endpoint"`
	CollectionPath string `json:"collection_path"`
}

// RuleValidation is the result of applying tenant isolation rules.
type RuleValidation struct {
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// SiteRecord is the ownership record stored with a deployed site.
type SiteRecord struct {
	TenantID  string    `json:"tenant_id"`
	SiteID    string    `json:"site_id"`
	WebsiteID string    `json:"website_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SiteStatus reports whether a site exists and who owns it.
type SiteStatus struct {
	Exists     bool       `json:"exists"`
	HostingURL string     `json:"hosting_url"`
	Record     SiteRecord `json:"record"`
}

// OwnedBy reports whether the stored record is compatible with tenantID. Only a
// non-empty owner that differs from tenantID counts as foreign; backends that
// omit the owner are treated as owned by the caller.
func (s SiteStatus) OwnedBy(tenantID string) bool {
	owner := s.Record.TenantID
	return owner == "" || owner == tenantID
}

// QuotaUsage is a snapshot of backend usage against its limits.
type QuotaUsage struct {
	StorageUsedBytes  int64 `json:"storage_used_bytes"`
	StorageLimitBytes int64 `json:"storage_limit_bytes"`
	Sites             int   `json:"sites"`
	SiteLimit         int   `json:"site_limit"`
}

// StorageRatio returns the used fraction of storage, or 0 when unlimited.
func (q QuotaUsage) StorageRatio() float64 {
	if q.StorageLimitBytes <= 0 {
		return 0
	}
	return float64(q.StorageUsedBytes) / float64(q.StorageLimitBytes)
}

// SiteRatio returns the used fraction of the site allowance, or 0 when unlimited.
func (q QuotaUsage) SiteRatio() float64 {
	if q.SiteLimit <= 0 {
		return 0
	}
	return float64(q.Sites) / float64(q.SiteLimit)
}
