// Package memory is an in-process repository used when no database is
// configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/repository"
)

// Repository keeps deployments and agent logs in maps.
type Repository struct {
	mu          sync.RWMutex
	deployments map[string]domain.DeploymentRecord
	logs        map[string][]domain.AgentLogEntry
	nextLogID   int64
	now         func() time.Time
}

var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.AgentLogRepository   = (*Repository)(nil)
)

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		deployments: make(map[string]domain.DeploymentRecord),
		logs:        make(map[string][]domain.AgentLogEntry),
		now:         time.Now,
	}
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.DeploymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deployments[deployment.ID]; exists {
		return repository.ErrConflict
	}
	r.deployments[deployment.ID] = cloneRecord(*deployment)
	return nil
}

// UpdateDeploymentStatus applies a partial status update.
func (r *Repository) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if update.Status != "" {
		d.Status = update.Status
	}
	if update.Attempts != nil {
		d.Attempts = *update.Attempts
	}
	if update.HostingURL != "" {
		d.HostingURL = update.HostingURL
	}
	if update.Error != "" {
		d.Error = update.Error
	}
	if len(update.Result) > 0 {
		d.Result = append([]byte(nil), update.Result...)
	}
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		d.CompletedAt = &completed
	}
	d.UpdatedAt = r.now().UTC()
	r.deployments[update.DeploymentID] = d
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(_ context.Context, deploymentID string) (*domain.DeploymentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[deploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneRecord(d)
	return &out, nil
}

// ListDeploymentsByTenant returns the newest deployments first.
func (r *Repository) ListDeploymentsByTenant(_ context.Context, tenantID string, limit int) ([]domain.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DeploymentRecord
	for _, d := range r.deployments {
		if d.TenantID == tenantID {
			out = append(out, cloneRecord(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendAgentLog stores an entry and assigns its identifier.
func (r *Repository) AppendAgentLog(_ context.Context, entry *domain.AgentLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deployments[entry.DeploymentID]; !ok {
		return repository.ErrNotFound
	}
	r.nextLogID++
	entry.ID = r.nextLogID
	stored := *entry
	stored.Payload = append([]byte(nil), entry.Payload...)
	r.logs[entry.DeploymentID] = append(r.logs[entry.DeploymentID], stored)
	return nil
}

// ListAgentLogs returns logs in append order.
func (r *Repository) ListAgentLogs(_ context.Context, deploymentID string, limit, offset int) ([]domain.AgentLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.logs[deploymentID]
	if offset >= len(entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]domain.AgentLogEntry, end-offset)
	copy(out, entries[offset:end])
	return out, nil
}

func cloneRecord(d domain.DeploymentRecord) domain.DeploymentRecord {
	if d.Result != nil {
		d.Result = append([]byte(nil), d.Result...)
	}
	if d.CompletedAt != nil {
		completed := *d.CompletedAt
		d.CompletedAt = &completed
	}
	return d
}
