package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/repository"
)

// dbtx is the subset of pgxpool.Pool used by Repository.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	db dbtx
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.AgentLogRepository   = (*Repository)(nil)
)

const deploymentColumns = `id, tenant_id, site_id, website_id, operator_id, status, attempts, hosting_url, error, result, started_at, completed_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.DeploymentRecord) error {
	const query = `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.db.Exec(ctx, query,
		deployment.ID,
		deployment.TenantID,
		deployment.SiteID,
		deployment.WebsiteID,
		deployment.OperatorID,
		string(deployment.Status),
		deployment.Attempts,
		deployment.HostingURL,
		deployment.Error,
		rawToNil(deployment.Result),
		deployment.StartedAt.UTC(),
		timePtrToNil(deployment.CompletedAt),
		deployment.UpdatedAt.UTC(),
	)
	return mapError(err)
}

// UpdateDeploymentStatus applies a partial status update.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			attempts = COALESCE($3, attempts),
			hosting_url = COALESCE($4, hosting_url),
			error = COALESCE($5, error),
			result = COALESCE($6, result),
			completed_at = COALESCE($7, completed_at),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query,
		update.DeploymentID,
		emptyToNil(string(update.Status)),
		intPtrToNil(update.Attempts),
		emptyToNil(update.HostingURL),
		emptyToNil(update.Error),
		rawToNil(update.Result),
		timePtrToNil(update.CompletedAt),
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.db.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, mapError(err)
	}
	return d, nil
}

// ListDeploymentsByTenant fetches the most recent deployments for a tenant.
func (r *Repository) ListDeploymentsByTenant(ctx context.Context, tenantID string, limit int) ([]domain.DeploymentRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.DeploymentRecord
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// AppendAgentLog inserts an agent log entry and sets its identifier.
func (r *Repository) AppendAgentLog(ctx context.Context, entry *domain.AgentLogEntry) error {
	const query = `INSERT INTO deployment_agent_logs (deployment_id, tenant_id, agent, attempt, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	err := r.db.QueryRow(ctx, query,
		entry.DeploymentID,
		entry.TenantID,
		entry.Agent,
		entry.Attempt,
		rawToNil(entry.Payload),
		entry.CreatedAt.UTC(),
	).Scan(&entry.ID)
	return mapError(err)
}

// ListAgentLogs returns agent logs for a deployment in append order.
func (r *Repository) ListAgentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.AgentLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, deployment_id, tenant_id, agent, attempt, payload, created_at
		FROM deployment_agent_logs WHERE deployment_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.AgentLogEntry
	for rows.Next() {
		var l domain.AgentLogEntry
		if err := rows.Scan(&l.ID, &l.DeploymentID, &l.TenantID, &l.Agent, &l.Attempt, &l.Payload, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.DeploymentRecord, error) {
	var (
		d           domain.DeploymentRecord
		status      string
		result      []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.SiteID, &d.WebsiteID, &d.OperatorID, &status, &d.Attempts,
		&d.HostingURL, &d.Error, &result, &d.StartedAt, &completedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	if len(result) > 0 {
		d.Result = result
	}
	if completedAt.Valid {
		value := completedAt.Time
		d.CompletedAt = &value
	}
	return &d, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02":
			return repository.ErrInvalidArgument
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return repository.ErrConflict
		}
	}
	return err
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func rawToNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
