// Package logs persists deployment history and agent logs, and fans agent
// logs out to live stream subscribers.
package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/repository"
	"github.com/splax/sitedeploy/internal/ws"
)

// Stream event types.
const (
	EventAgentLog = "agent_log"
	EventFinished = "finished"
)

// Service is the deployment log store.
type Service struct {
	deployments repository.DeploymentRepository
	logs        repository.AgentLogRepository
	hub         *ws.Hub
	logger      *slog.Logger
}

// New constructs a log service. hub may be nil when streaming is disabled.
func New(deployments repository.DeploymentRepository, logs repository.AgentLogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{deployments: deployments, logs: logs, hub: hub, logger: logger}
}

// CreateDeployment stores a new deployment record.
func (s Service) CreateDeployment(ctx context.Context, record domain.DeploymentRecord) error {
	if record.Status == "" {
		record.Status = domain.StatusPending
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.StartedAt
	}
	return s.deployments.CreateDeployment(ctx, &record)
}

// MarkRunning moves a deployment from pending to running.
func (s Service) MarkRunning(ctx context.Context, deploymentID string) error {
	return s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusRunning,
	})
}

// AppendAgentLog stores and broadcasts an agent log entry.
func (s Service) AppendAgentLog(ctx context.Context, entry domain.AgentLogEntry) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.logs.AppendAgentLog(ctx, &entry); err != nil {
		return err
	}
	s.broadcast(entry.DeploymentID, EventAgentLog, entry)
	return nil
}

// Finalize records the terminal orchestration result and ends live streams
// for the deployment.
func (s Service) Finalize(ctx context.Context, result domain.OrchestrationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode orchestration result: %w", err)
	}
	completed := result.CompletedAt.UTC()
	attempts := result.Attempts
	err = s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: result.DeploymentID,
		Status:       result.FinalStatus,
		Attempts:     &attempts,
		HostingURL:   result.HostingURL,
		Error:        result.Error,
		Result:       payload,
		CompletedAt:  &completed,
	})
	s.broadcast(result.DeploymentID, EventFinished, map[string]any{
		"deployment_id": result.DeploymentID,
		"final_status":  result.FinalStatus,
		"attempts":      result.Attempts,
		"hosting_url":   result.HostingURL,
		"error":         result.Error,
	})
	if s.hub != nil {
		s.hub.CloseStream(result.DeploymentID)
	}
	return err
}

// GetDeployment returns one deployment record.
func (s Service) GetDeployment(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListDeployments returns recent deployments for a tenant.
func (s Service) ListDeployments(ctx context.Context, tenantID string, limit int) ([]domain.DeploymentRecord, error) {
	return s.deployments.ListDeploymentsByTenant(ctx, tenantID, limit)
}

// ListAgentLogs returns agent logs for a deployment in append order.
func (s Service) ListAgentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.AgentLogEntry, error) {
	return s.logs.ListAgentLogs(ctx, deploymentID, limit, offset)
}

// Hub returns the stream hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(deploymentID, event string, data any) {
	if s.hub == nil {
		return
	}
	var (
		payload []byte
		err     error
	)
	if entry, ok := data.(domain.AgentLogEntry); ok {
		payload, err = MarshalEntry(entry)
	} else {
		payload, err = json.Marshal(map[string]any{"type": event, "data": data})
	}
	if err != nil {
		s.logger.Warn("failed to marshal stream payload", "deployment_id", deploymentID, "error", err)
		return
	}
	s.hub.Broadcast(deploymentID, payload)
}

// MarshalEntry formats an agent log for streaming payloads.
func MarshalEntry(entry domain.AgentLogEntry) ([]byte, error) {
	var payload any
	if len(entry.Payload) > 0 {
		payload = json.RawMessage(entry.Payload)
	}
	return json.Marshal(map[string]any{
		"type":          EventAgentLog,
		"id":            entry.ID,
		"deployment_id": entry.DeploymentID,
		"tenant_id":     entry.TenantID,
		"agent":         entry.Agent,
		"attempt":       entry.Attempt,
		"payload":       payload,
		"created_at":    entry.CreatedAt.Format(time.RFC3339Nano),
	})
}
