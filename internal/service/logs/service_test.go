package logs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/repository"
	"github.com/splax/sitedeploy/internal/repository/memory"
	"github.com/splax/sitedeploy/internal/ws"
)

type testSubscriber struct {
	mu       sync.Mutex
	messages []string
	closed   chan struct{}
	once     sync.Once
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{closed: make(chan struct{})}
}

func (s *testSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, string(payload))
	return nil
}

func (s *testSubscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

func newTestService() (Service, *ws.Hub) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	hub := ws.NewHub(16, logger)
	return New(repo, repo, hub, logger), hub
}

func TestLifecycleStreamsAndPersists(t *testing.T) {
	ctx := context.Background()
	svc, hub := newTestService()
	started := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	if err := svc.CreateDeployment(ctx, domain.DeploymentRecord{ID: "dep-1", TenantID: "t1", SiteID: "s1", StartedAt: started}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	rec, _ := svc.GetDeployment(ctx, "dep-1")
	if rec.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if err := svc.MarkRunning(ctx, "dep-1"); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}

	sub := newTestSubscriber()
	hub.Register("dep-1", sub)

	entry := domain.AgentLogEntry{DeploymentID: "dep-1", TenantID: "t1", Agent: domain.AgentDeploy, Attempt: 1, Payload: json.RawMessage(`{"success":false}`), CreatedAt: started}
	if err := svc.AppendAgentLog(ctx, entry); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	result := domain.OrchestrationResult{
		DeploymentID: "dep-1",
		TenantID:     "t1",
		Attempts:     1,
		FinalStatus:  domain.StatusFailed,
		Error:        "quota exceeded",
		StartedAt:    started,
		CompletedAt:  started.Add(time.Second),
	}
	if err := svc.Finalize(ctx, result); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	select {
	case <-sub.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected stream to close after finalize")
	}
	sub.mu.Lock()
	messages := append([]string(nil), sub.messages...)
	sub.mu.Unlock()
	if len(messages) != 2 {
		t.Fatalf("expected log and finish events, got %v", messages)
	}
	if !strings.Contains(messages[0], `"type":"agent_log"`) || !strings.Contains(messages[0], `"success":false`) {
		t.Fatalf("unexpected log event %s", messages[0])
	}
	if !strings.Contains(messages[1], `"type":"finished"`) {
		t.Fatalf("unexpected finish event %s", messages[1])
	}

	rec, err := svc.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.Status != domain.StatusFailed || rec.Attempts != 1 || rec.Error != "quota exceeded" || rec.CompletedAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	var stored domain.OrchestrationResult
	if err := json.Unmarshal(rec.Result, &stored); err != nil || stored.FinalStatus != domain.StatusFailed {
		t.Fatalf("expected stored result, got %s (%v)", rec.Result, err)
	}

	logs, err := svc.ListAgentLogs(ctx, "dep-1", 10, 0)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected 1 agent log, got %d (%v)", len(logs), err)
	}
}

func TestAppendAgentLogUnknownDeployment(t *testing.T) {
	svc, _ := newTestService()

	err := svc.AppendAgentLog(context.Background(), domain.AgentLogEntry{DeploymentID: "missing"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFinalizeWithoutHub(t *testing.T) {
	repo := memory.New()
	svc := New(repo, repo, nil, nil)
	ctx := context.Background()
	_ = svc.CreateDeployment(ctx, domain.DeploymentRecord{ID: "dep-1", TenantID: "t1"})

	if err := svc.Finalize(ctx, domain.OrchestrationResult{DeploymentID: "dep-1", FinalStatus: domain.StatusSuccess}); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
}

func TestMarshalEntryOmitsEmptyPayload(t *testing.T) {
	data, err := MarshalEntry(domain.AgentLogEntry{ID: 7, DeploymentID: "dep-1", Agent: domain.AgentDiagnostic})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"payload":null`) || !strings.Contains(string(data), `"id":7`) {
		t.Fatalf("unexpected payload %s", data)
	}
}
