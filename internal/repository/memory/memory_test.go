package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/repository"
)

func TestDeploymentLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := New()
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := repo.CreateDeployment(ctx, &domain.DeploymentRecord{ID: "dep-1", TenantID: "t1", Status: domain.StatusPending, StartedAt: started}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.CreateDeployment(ctx, &domain.DeploymentRecord{ID: "dep-1"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	attempts := 2
	completed := started.Add(time.Minute)
	err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: "dep-1",
		Status:       domain.StatusFailed,
		Attempts:     &attempts,
		Error:        "network error",
		CompletedAt:  &completed,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "dep-1", HostingURL: "https://x"}); err != nil {
		t.Fatalf("partial update failed: %v", err)
	}

	got, err := repo.GetDeploymentByID(ctx, "dep-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.StatusFailed || got.Attempts != 2 || got.Error != "network error" || got.HostingURL != "https://x" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Fatalf("unexpected completed_at %v", got.CompletedAt)
	}

	if _, err := repo.GetDeploymentByID(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{DeploymentID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListDeploymentsByTenantNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := New()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_ = repo.CreateDeployment(ctx, &domain.DeploymentRecord{ID: id, TenantID: "t1", StartedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	_ = repo.CreateDeployment(ctx, &domain.DeploymentRecord{ID: "z", TenantID: "t2", StartedAt: base})

	got, err := repo.ListDeploymentsByTenant(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestAgentLogsAppendOrderAndPaging(t *testing.T) {
	ctx := context.Background()
	repo := New()
	_ = repo.CreateDeployment(ctx, &domain.DeploymentRecord{ID: "dep-1", TenantID: "t1"})

	for i := 1; i <= 3; i++ {
		entry := &domain.AgentLogEntry{DeploymentID: "dep-1", Agent: domain.AgentDeploy, Attempt: i}
		if err := repo.AppendAgentLog(ctx, entry); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if entry.ID != int64(i) {
			t.Fatalf("expected id %d, got %d", i, entry.ID)
		}
	}
	if err := repo.AppendAgentLog(ctx, &domain.AgentLogEntry{DeploymentID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	page, err := repo.ListAgentLogs(ctx, "dep-1", 2, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(page) != 2 || page[0].Attempt != 2 || page[1].Attempt != 3 {
		t.Fatalf("unexpected page %+v", page)
	}
	if rest, _ := repo.ListAgentLogs(ctx, "dep-1", 10, 5); len(rest) != 0 {
		t.Fatalf("expected empty page, got %d", len(rest))
	}
}
