package repository

import (
	"context"

	"github.com/splax/sitedeploy/internal/domain"
)

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.DeploymentRecord) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error)
	ListDeploymentsByTenant(ctx context.Context, tenantID string, limit int) ([]domain.DeploymentRecord, error)
}

// AgentLogRepository handles agent log persistence and retrieval.
type AgentLogRepository interface {
	AppendAgentLog(ctx context.Context, entry *domain.AgentLogEntry) error
	ListAgentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.AgentLogEntry, error)
}
