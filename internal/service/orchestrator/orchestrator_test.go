package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/service/circuit"
	"github.com/splax/sitedeploy/internal/service/deploy"
	"github.com/splax/sitedeploy/internal/service/diagnose"
	"github.com/splax/sitedeploy/internal/target"
	"github.com/splax/sitedeploy/internal/target/targettest"
)

func TestOrchestrateRetriesOnceThenFails(t *testing.T) {
	deployer := &fakeDeployer{fallback: failure(domain.StepPublishContent, "network error: connection refused")}
	diagnoser := &fakeDiagnoser{fallback: domain.Diagnosis{Severity: domain.SeverityMedium, AutoFixAttempted: true}}
	store := newRecordingStore()
	o, sleeper := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = deployer
		o.diagnoser = diagnoser
		o.store = store
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", result.FinalStatus)
	}
	if result.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.Attempts)
	}
	if len(result.Trace) != 4 {
		t.Fatalf("expected 4 trace entries, got %d", len(result.Trace))
	}
	wantAgents := []string{domain.AgentDeploy, domain.AgentDiagnostic, domain.AgentDeploy, domain.AgentDiagnostic}
	for i, entry := range result.Trace {
		if entry.Agent != wantAgents[i] {
			t.Fatalf("trace[%d]: expected %s, got %s", i, wantAgents[i], entry.Agent)
		}
	}
	if got := sleeper.slept(); len(got) != 1 || got[0] != 2*time.Second {
		t.Fatalf("expected single 2s backoff, got %v", got)
	}
	if !strings.Contains(result.Error, "connection refused") {
		t.Fatalf("expected last error attached, got %q", result.Error)
	}
	if got := o.breaker.Failures(context.Background(), "tenant-1"); got != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", got)
	}
	if len(store.logs) != 4 {
		t.Fatalf("expected 4 agent logs, got %d", len(store.logs))
	}
	if store.finalized == nil || store.finalized.FinalStatus != domain.StatusFailed {
		t.Fatalf("expected failed result to be persisted, got %+v", store.finalized)
	}
	if store.running != 1 {
		t.Fatalf("expected deployment marked running once, got %d", store.running)
	}
}

func TestOrchestrateBackoffDoublesEachRetry(t *testing.T) {
	o, sleeper := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = &fakeDeployer{fallback: failure(domain.StepInitialize, "request timeout")}
		o.diagnoser = &fakeDiagnoser{fallback: domain.Diagnosis{Severity: domain.SeverityMedium}}
		o.cfg.MaxRetries = 3
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", result.Attempts)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	got := sleeper.slept()
	if len(got) != len(want) {
		t.Fatalf("expected backoffs %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected backoffs %v, got %v", want, got)
		}
	}
}

func TestBackoffIsCappedForLargeRetryCounts(t *testing.T) {
	o, _ := newTestOrchestrator()

	if got := o.backoff(3); got != 8*time.Second {
		t.Fatalf("expected 8s backoff for retry 3, got %s", got)
	}
	for _, n := range []int{10, 34, 63, 64, 1000} {
		if got := o.backoff(n); got != maxBackoff {
			t.Fatalf("expected backoff for retry %d capped at %s, got %s", n, maxBackoff, got)
		}
	}
}

func TestOrchestrateRetryThenSucceed(t *testing.T) {
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = &fakeDeployer{
			results:  []domain.DeploymentResult{failure(domain.StepUploadAssets, "network error")},
			fallback: success(),
		}
		o.diagnoser = &fakeDiagnoser{fallback: domain.Diagnosis{Severity: domain.SeverityMedium, AutoFixAttempted: true}}
	})
	o.breaker.RecordFailure(context.Background(), "tenant-1")

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", result.FinalStatus, result.Error)
	}
	if result.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.Attempts)
	}
	if result.HostingURL != "https://site-1.sites.test" {
		t.Fatalf("unexpected hosting url %q", result.HostingURL)
	}
	if result.Error != "" {
		t.Fatalf("expected no error, got %q", result.Error)
	}
	if o.breaker.Failures(context.Background(), "tenant-1") != 0 {
		t.Fatal("expected success to clear the breaker")
	}
}

func TestOrchestrateStopsWhenDiagnosisNotRetryable(t *testing.T) {
	deployer := &fakeDeployer{fallback: failure(domain.StepPublishContent, "quota exceeded")}
	o, sleeper := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = deployer
		o.diagnoser = &fakeDiagnoser{fallback: domain.Diagnosis{Severity: domain.SeverityHigh}}
		o.cfg.MaxRetries = 3
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.Attempts != 1 || deployer.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", result.Attempts)
	}
	if len(sleeper.slept()) != 0 {
		t.Fatal("expected no backoff")
	}
}

func TestOrchestrateCriticalIsolationBreachStopsImmediately(t *testing.T) {
	fake := targettest.New()
	fake.Status = &target.SiteStatus{Exists: true, HostingURL: "https://x.test", Record: target.SiteRecord{TenantID: "tenant-9", SiteID: "site-1"}}
	logger := discardLogger()
	o, sleeper := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = deploy.New(fake, logger, time.Second)
		o.diagnoser = diagnose.New(fake, logger, time.Second)
		o.cfg.MaxRetries = 3
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", result.FinalStatus)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Attempts)
	}
	if len(sleeper.slept()) != 0 {
		t.Fatal("expected no retry after critical diagnosis")
	}
	diag := result.Trace[len(result.Trace)-1].Diagnosis
	if diag == nil || diag.Severity != domain.SeverityCritical {
		t.Fatalf("expected critical diagnosis in trace, got %+v", diag)
	}
}

func TestOrchestrateEmptyContentIsNotRetried(t *testing.T) {
	fake := targettest.New()
	logger := discardLogger()
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = deploy.New(fake, logger, time.Second)
		o.diagnoser = diagnose.New(fake, logger, time.Second)
	})
	dctx := testContext()
	dctx.Pages = nil

	result := o.Orchestrate(context.Background(), dctx)

	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Attempts)
	}
	if !strings.Contains(result.Error, "invalid content") {
		t.Fatalf("unexpected error %q", result.Error)
	}
	if fake.CallCount(targettest.OpUploadAssets) != 0 {
		t.Fatal("expected no asset upload")
	}
}

func TestOrchestrateNetworkFailureRetriesWithRealAgents(t *testing.T) {
	fake := targettest.New().FailWith(targettest.OpPublishContent, errors.New("network error: dial tcp: connection refused"))
	logger := discardLogger()
	o, sleeper := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = deploy.New(fake, logger, time.Second)
		o.diagnoser = diagnose.New(fake, logger, time.Second)
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusSuccess {
		t.Fatalf("expected success on retry, got %s (%s)", result.FinalStatus, result.Error)
	}
	if result.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.Attempts)
	}
	if got := sleeper.slept(); len(got) != 1 || got[0] != 2*time.Second {
		t.Fatalf("expected 2s backoff, got %v", got)
	}
	if fake.CallCount(targettest.OpCreateNamespace) != 2 {
		t.Fatal("expected pipeline to rerun from the top")
	}
}

func TestOrchestrateRetriesNetworkFailureForKeywordLikeSiteID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()
	client, err := target.NewClient(addr, "", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	logger := discardLogger()
	o, sleeper := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = deploy.New(client, logger, time.Second)
		o.diagnoser = diagnose.New(client, logger, time.Second)
	})
	dctx := testContext()
	dctx.SiteID = "pricing-limits"

	result := o.Orchestrate(context.Background(), dctx)

	if result.FinalStatus != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", result.FinalStatus)
	}
	if result.Attempts != 2 {
		t.Fatalf("expected network failure to be retried once, got %d attempts", result.Attempts)
	}
	if got := sleeper.slept(); len(got) != 1 {
		t.Fatalf("expected one backoff, got %v", got)
	}
}

func TestOrchestrateCircuitOpenSkipsDeployment(t *testing.T) {
	deployer := &fakeDeployer{fallback: success()}
	store := newRecordingStore()
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = deployer
		o.store = store
	})
	for i := 0; i < circuit.DefaultThreshold; i++ {
		o.breaker.RecordFailure(context.Background(), "tenant-1")
	}

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", result.FinalStatus)
	}
	if !strings.Contains(result.Error, "circuit open") {
		t.Fatalf("expected circuit open error, got %q", result.Error)
	}
	if deployer.calls != 0 || result.Attempts != 0 {
		t.Fatalf("expected no attempts, got %d", deployer.calls)
	}
	if got := o.breaker.Failures(context.Background(), "tenant-1"); got != circuit.DefaultThreshold {
		t.Fatalf("expected breaker unchanged, got %d failures", got)
	}
	if store.finalized == nil {
		t.Fatal("expected result to be persisted")
	}
	if store.running != 0 {
		t.Fatal("expected deployment never to be marked running")
	}
}

func TestOrchestrateAppendFailureIsReportedNotThrown(t *testing.T) {
	store := newRecordingStore()
	store.appendErr = errors.New("connection reset by peer")
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = &fakeDeployer{fallback: success()}
		o.store = store
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", result.FinalStatus)
	}
	if !strings.Contains(result.Error, "append deploy log") {
		t.Fatalf("unexpected error %q", result.Error)
	}
	if store.finalized == nil {
		t.Fatal("expected finalize to be attempted")
	}
	if got := o.breaker.Failures(context.Background(), "tenant-1"); got != 0 {
		t.Fatalf("expected infrastructure failure not to trip breaker, got %d", got)
	}
}

func TestOrchestrateCreateFailureStillReturnsResult(t *testing.T) {
	store := newRecordingStore()
	store.createErr = errors.New("database unavailable")
	deployer := &fakeDeployer{fallback: success()}
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = deployer
		o.store = store
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusFailed || !strings.Contains(result.Error, "database unavailable") {
		t.Fatalf("unexpected result %+v", result)
	}
	if deployer.calls != 0 {
		t.Fatal("expected no deployment attempt")
	}
}

func TestOrchestrateRecoversPanics(t *testing.T) {
	store := newRecordingStore()
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = panicDeployer{}
		o.store = store
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", result.FinalStatus)
	}
	if !strings.Contains(result.Error, "orchestration panic") {
		t.Fatalf("unexpected error %q", result.Error)
	}
	if store.finalized == nil {
		t.Fatal("expected panic result to be persisted")
	}
}

func TestOrchestrateBackoffInterrupted(t *testing.T) {
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = &fakeDeployer{fallback: failure(domain.StepInitialize, "network error")}
		o.diagnoser = &fakeDiagnoser{fallback: domain.Diagnosis{Severity: domain.SeverityMedium}}
		o.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }
	})

	result := o.Orchestrate(context.Background(), testContext())

	if result.FinalStatus != domain.StatusFailed || !strings.Contains(result.Error, "backoff interrupted") {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", result.Attempts)
	}
}

func TestStartRunsInBackground(t *testing.T) {
	store := newRecordingStore()
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = &fakeDeployer{fallback: success()}
		o.store = store
		o.newID = func() string { return "dep-1" }
	})
	ctx, cancel := context.WithCancel(context.Background())

	id, err := o.Start(ctx, testContext())
	cancel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "dep-1" {
		t.Fatalf("expected dep-1, got %s", id)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := o.Wait(waitCtx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	final := store.finalResult()
	if final == nil || final.DeploymentID != "dep-1" || final.FinalStatus != domain.StatusSuccess {
		t.Fatalf("unexpected final result %+v", final)
	}
}

func TestStartReturnsCreateError(t *testing.T) {
	store := newRecordingStore()
	store.createErr = errors.New("boom")
	o, _ := newTestOrchestrator(func(o *Orchestrator) { o.store = store })

	if _, err := o.Start(context.Background(), testContext()); err == nil {
		t.Fatal("expected error")
	}
}

func TestOrchestrateRecordsMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	o, _ := newTestOrchestrator(func(o *Orchestrator) {
		o.deployer = &fakeDeployer{fallback: failure(domain.StepInitialize, "network error")}
		o.diagnoser = &fakeDiagnoser{fallback: domain.Diagnosis{Severity: domain.SeverityMedium, ErrorKind: domain.KindNetworkError}}
		o.metrics = metrics
	})

	o.Orchestrate(context.Background(), testContext())

	if got := testutil.ToFloat64(metrics.attempts.WithLabelValues("failure")); got != 2 {
		t.Fatalf("expected 2 failed attempts, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.retries.WithLabelValues(string(domain.KindNetworkError))); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.orchestrations.WithLabelValues("failed", "2")); got != 1 {
		t.Fatalf("expected 1 failed orchestration, got %v", got)
	}
}

type orchestratorOption func(*Orchestrator)

func newTestOrchestrator(opts ...orchestratorOption) (*Orchestrator, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	o := New(
		&fakeDeployer{fallback: success()},
		&fakeDiagnoser{fallback: domain.Diagnosis{Severity: domain.SeverityLow}},
		circuit.NewMemory(circuit.DefaultThreshold, circuit.DefaultWindow),
		newRecordingStore(),
		discardLogger(),
		nil,
		DefaultConfig(),
	)
	o.sleep = sleeper.sleep
	for _, opt := range opts {
		opt(o)
	}
	return o, sleeper
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testContext() domain.DeploymentContext {
	return domain.DeploymentContext{
		TenantID:   "tenant-1",
		SiteID:     "site-1",
		WebsiteID:  "web-1",
		OperatorID: "op-1",
		Pages:      []domain.Page{{ID: "home", Slug: "/", Title: "Home"}},
	}
}

func success() domain.DeploymentResult {
	return domain.DeploymentResult{
		Success:     true,
		Steps:       []domain.StepResult{{Step: domain.StepInitialize, Status: domain.StepSucceeded}},
		HostingURL:  "https://site-1.sites.test",
		StoragePath: "tenants/tenant-1/sites/site-1",
	}
}

func failure(step, message string) domain.DeploymentResult {
	return domain.DeploymentResult{
		Steps: []domain.StepResult{{Step: step, Status: domain.StepFailed, Error: message}},
		Error: &domain.StepError{Step: step, Message: message},
	}
}

type fakeDeployer struct {
	mu       sync.Mutex
	results  []domain.DeploymentResult
	fallback domain.DeploymentResult
	calls    int
}

func (f *fakeDeployer) Run(ctx context.Context, dctx domain.DeploymentContext) domain.DeploymentResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		return r
	}
	return f.fallback
}

type panicDeployer struct{}

func (panicDeployer) Run(ctx context.Context, dctx domain.DeploymentContext) domain.DeploymentResult {
	panic("target exploded")
}

type fakeDiagnoser struct {
	fallback domain.Diagnosis
}

func (f *fakeDiagnoser) Diagnose(ctx context.Context, result domain.DeploymentResult, dctx domain.DeploymentContext) domain.Diagnosis {
	return f.fallback
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *recordingSleeper) slept() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type recordingStore struct {
	mu        sync.Mutex
	created   []domain.DeploymentRecord
	running   int
	logs      []domain.AgentLogEntry
	finalized *domain.OrchestrationResult
	createErr error
	appendErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{}
}

func (s *recordingStore) CreateDeployment(ctx context.Context, record domain.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, record)
	return nil
}

func (s *recordingStore) MarkRunning(ctx context.Context, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
	return nil
}

func (s *recordingStore) AppendAgentLog(ctx context.Context, entry domain.AgentLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.logs = append(s.logs, entry)
	return nil
}

func (s *recordingStore) Finalize(ctx context.Context, result domain.OrchestrationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = &result
	return nil
}

func (s *recordingStore) finalResult() *domain.OrchestrationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}
