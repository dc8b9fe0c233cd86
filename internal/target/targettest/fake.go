// Package targettest provides a scriptable in-memory target for tests.
package targettest

import (
	"context"
	"sync"
	"time"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/target"
)

// Operation names recorded by Fake.
const (
	OpInitialize      = "initialize"
	OpCreateNamespace = "create_namespace"
	OpPublishContent  = "publish_content"
	OpUploadAssets    = "upload_assets"
	OpProvisionForms  = "provision_form_backend"
	OpApplyRules      = "apply_isolation_rules"
	OpReadStatus      = "read_status"
	OpReadQuota       = "read_quota"
)

// Fake is a concurrency-safe target.Target whose failures are scripted per
// operation. Queued errors are consumed one per call; a nil entry succeeds.
type Fake struct {
	mu         sync.Mutex
	calls      []string
	errs       map[string][]error
	delays     map[string]time.Duration
	Status     *target.SiteStatus
	Validation *target.RuleValidation
	Quota      target.QuotaUsage
	Published  [][]domain.Page
	Uploaded   map[string]int
}

var _ target.Target = (*Fake)(nil)

// New returns a Fake where every operation succeeds.
func New() *Fake {
	return &Fake{
		errs:     make(map[string][]error),
		delays:   make(map[string]time.Duration),
		Uploaded: make(map[string]int),
	}
}

// FailWith queues errors for op.
func (f *Fake) FailWith(op string, errs ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = append(f.errs[op], errs...)
	return f
}

// Delay makes op block for d or until its context ends.
func (f *Fake) Delay(op string, d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
	return f
}

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *Fake) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	delay := f.delays[op]
	var err error
	if queue := f.errs[op]; len(queue) > 0 {
		err = queue[0]
		f.errs[op] = queue[1:]
	}
	f.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Initialize implements target.Target.
func (f *Fake) Initialize(ctx context.Context) error {
	return f.enter(ctx, OpInitialize)
}

// CreateNamespace implements target.Target.
func (f *Fake) CreateNamespace(ctx context.Context, tenantID, siteID string) (target.Namespace, error) {
	if err := f.enter(ctx, OpCreateNamespace); err != nil {
		return target.Namespace{}, err
	}
	base := "tenants/" + tenantID + "/sites/" + siteID
	return target.Namespace{ContentPath: base + "/pages", AssetPath: base + "/assets", StoragePath: base}, nil
}

// PublishContent implements target.Target.
func (f *Fake) PublishContent(ctx context.Context, tenantID, siteID string, pages []domain.Page) (int, error) {
	if err := f.enter(ctx, OpPublishContent); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.Published = append(f.Published, pages)
	f.mu.Unlock()
	return len(pages), nil
}

// UploadAssets implements target.Target.
func (f *Fake) UploadAssets(ctx context.Context, tenantID, siteID string, assets []domain.Asset) ([]string, error) {
	if err := f.enter(ctx, OpUploadAssets); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, 0, len(assets))
	for _, a := range assets {
		f.Uploaded[a.Key()]++
		urls = append(urls, "https://cdn.test/"+tenantID+"/"+siteID+"/"+a.Key())
	}
	return urls, nil
}

// ProvisionFormBackend implements target.Target.
func (f *Fake) ProvisionFormBackend(ctx context.Context, tenantID, siteID string) (target.FormBackend, error) {
	if err := f.enter(ctx, OpProvisionForms); err != nil {
		return target.FormBackend{}, err
	}
	return target.FormBackend{Endpoint: "https://forms.test/" + siteID, CollectionPath: "tenants/" + tenantID + "/forms"}, nil
}

// ApplyIsolationRules implements target.Target.
func (f *Fake) ApplyIsolationRules(ctx context.Context, tenantID string) (target.RuleValidation, error) {
	if err := f.enter(ctx, OpApplyRules); err != nil {
		return target.RuleValidation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Validation != nil {
		return *f.Validation, nil
	}
	return target.RuleValidation{Valid: true}, nil
}

// ReadStatus implements target.Target. Without an override the site exists
// and is owned by the requesting tenant.
func (f *Fake) ReadStatus(ctx context.Context, tenantID, siteID string) (target.SiteStatus, error) {
	if err := f.enter(ctx, OpReadStatus); err != nil {
		return target.SiteStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Status != nil {
		return *f.Status, nil
	}
	return target.SiteStatus{
		Exists:     true,
		HostingURL: "https://" + siteID + ".sites.test",
		Record:     target.SiteRecord{TenantID: tenantID, SiteID: siteID},
	}, nil
}

// ReadQuota implements target.Target.
func (f *Fake) ReadQuota(ctx context.Context) (target.QuotaUsage, error) {
	if err := f.enter(ctx, OpReadQuota); err != nil {
		return target.QuotaUsage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Quota, nil
}
