// Package orchestrator drives deployments end to end: it consults the
// circuit breaker, runs attempts, asks for a diagnosis after each failure,
// decides whether to retry, and records every step in the log store.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/service/circuit"
)

// ErrCircuitOpen is reported when a tenant's breaker blocks the deployment.
var ErrCircuitOpen = errors.New("circuit open: tenant has too many recent deployment failures")

const finalizeTimeout = 10 * time.Second

// Deployer runs one deployment attempt.
type Deployer interface {
	Run(ctx context.Context, dctx domain.DeploymentContext) domain.DeploymentResult
}

// Diagnoser triages one deployment attempt.
type Diagnoser interface {
	Diagnose(ctx context.Context, result domain.DeploymentResult, dctx domain.DeploymentContext) domain.Diagnosis
}

// LogStore persists deployment records and agent logs.
type LogStore interface {
	CreateDeployment(ctx context.Context, record domain.DeploymentRecord) error
	MarkRunning(ctx context.Context, deploymentID string) error
	AppendAgentLog(ctx context.Context, entry domain.AgentLogEntry) error
	Finalize(ctx context.Context, result domain.OrchestrationResult) error
}

// Config tunes the retry loop.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
}

// DefaultConfig allows one retry with a one second backoff base.
func DefaultConfig() Config {
	return Config{MaxRetries: 1, BackoffBase: time.Second}
}

// Orchestrator coordinates deployment attempts. It is safe for concurrent use.
type Orchestrator struct {
	deployer  Deployer
	diagnoser Diagnoser
	breaker   circuit.Breaker
	store     LogStore
	logger    *slog.Logger
	metrics   *Metrics
	cfg       Config
	tracer    trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string

	inflight sync.WaitGroup
}

// New constructs an Orchestrator. metrics may be nil.
func New(deployer Deployer, diagnoser Diagnoser, breaker circuit.Breaker, store LogStore, logger *slog.Logger, metrics *Metrics, cfg Config) *Orchestrator {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deployer:  deployer,
		diagnoser: diagnoser,
		breaker:   breaker,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/splax/sitedeploy/internal/service/orchestrator"),
		now:       time.Now,
		sleep:     sleepContext,
		newID:     uuid.NewString,
	}
}

// Orchestrate runs a deployment to completion and returns its terminal
// result. It never panics and never returns an error: every failure is
// reported as a FAILED result.
func (o *Orchestrator) Orchestrate(ctx context.Context, dctx domain.DeploymentContext) domain.OrchestrationResult {
	id := o.newID()
	started := o.now().UTC()
	if err := o.create(ctx, id, dctx, started); err != nil {
		return o.abort(ctx, id, dctx, started, err)
	}
	return o.execute(ctx, id, dctx, started)
}

// Start records the deployment and runs it in the background. The returned
// id can be used to follow progress through the log store. The run is
// detached from ctx cancellation; use Wait to drain runs on shutdown.
func (o *Orchestrator) Start(ctx context.Context, dctx domain.DeploymentContext) (string, error) {
	id := o.newID()
	started := o.now().UTC()
	if err := o.create(ctx, id, dctx, started); err != nil {
		return "", err
	}
	runCtx := context.WithoutCancel(ctx)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		o.execute(runCtx, id, dctx, started)
	}()
	return id, nil
}

// Wait blocks until background runs finish or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) create(ctx context.Context, id string, dctx domain.DeploymentContext, started time.Time) error {
	record := domain.DeploymentRecord{
		ID:         id,
		TenantID:   dctx.TenantID,
		SiteID:     dctx.SiteID,
		WebsiteID:  dctx.WebsiteID,
		OperatorID: dctx.OperatorID,
		Status:     domain.StatusPending,
		StartedAt:  started,
		UpdatedAt:  started,
	}
	if err := o.store.CreateDeployment(ctx, record); err != nil {
		return fmt.Errorf("create deployment record: %w", err)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, id string, dctx domain.DeploymentContext, started time.Time) (result domain.OrchestrationResult) {
	ctx, span := o.tracer.Start(ctx, "orchestrate", trace.WithAttributes(
		attribute.String("deployment.id", id),
		attribute.String("tenant.id", dctx.TenantID),
		attribute.String("site.id", dctx.SiteID),
	))
	defer span.End()

	log := o.logger.With("deployment_id", id, "tenant_id", dctx.TenantID, "site_id", dctx.SiteID)
	result = domain.OrchestrationResult{DeploymentID: id, TenantID: dctx.TenantID, StartedAt: started}

	defer func() {
		if r := recover(); r != nil {
			log.Error("orchestration panicked", "panic", r)
			result.FinalStatus = domain.StatusFailed
			result.Error = fmt.Sprintf("orchestration panic: %v", r)
			o.finish(ctx, log, span, &result)
		}
	}()

	if err := o.run(ctx, log, &result, dctx); err != nil {
		log.Error("orchestration aborted", "error", err)
		result.FinalStatus = domain.StatusFailed
		result.Error = err.Error()
		o.finish(ctx, log, span, &result)
		return result
	}

	switch {
	case result.FinalStatus == domain.StatusSuccess:
		o.breaker.Clear(ctx, dctx.TenantID)
	case result.Attempts > 0:
		o.breaker.RecordFailure(ctx, dctx.TenantID)
	}
	o.finish(ctx, log, span, &result)
	return result
}

// run executes the retry loop. A returned error means the orchestration
// could not be carried out; deployment failures are reported in result.
func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, result *domain.OrchestrationResult, dctx domain.DeploymentContext) error {
	if o.breaker.IsOpen(ctx, dctx.TenantID) {
		log.Warn("circuit open, deployment rejected")
		o.metrics.circuitRejected()
		result.FinalStatus = domain.StatusFailed
		result.Error = ErrCircuitOpen.Error()
		return nil
	}
	if err := o.store.MarkRunning(ctx, result.DeploymentID); err != nil {
		return fmt.Errorf("mark deployment running: %w", err)
	}

	maxAttempts := o.cfg.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		log.Info("deployment attempt started", "attempt", attempt)

		deployment := o.deployer.Run(ctx, dctx)
		if err := o.record(ctx, result, domain.TraceEntry{Agent: domain.AgentDeploy, Attempt: attempt, Deployment: &deployment}); err != nil {
			return err
		}
		o.metrics.attemptFinished(deployment.Success)
		if deployment.Success {
			break
		}

		diagnosis := o.diagnoser.Diagnose(ctx, deployment, dctx)
		if err := o.record(ctx, result, domain.TraceEntry{Agent: domain.AgentDiagnostic, Attempt: attempt, Diagnosis: &diagnosis}); err != nil {
			return err
		}
		if attempt >= maxAttempts {
			log.Warn("retry budget exhausted", "attempt", attempt, "severity", diagnosis.Severity)
			break
		}
		if diagnosis.Severity == domain.SeverityCritical {
			log.Error("critical diagnosis, not retrying", "attempt", attempt, "error_kind", diagnosis.ErrorKind)
			break
		}
		if !diagnosis.Retryable() {
			log.Warn("failure not retryable", "attempt", attempt, "severity", diagnosis.Severity, "error_kind", diagnosis.ErrorKind)
			break
		}

		delay := o.backoff(attempt)
		log.Info("retrying deployment", "attempt", attempt, "backoff", delay.String(), "error_kind", diagnosis.ErrorKind)
		o.metrics.retried(diagnosis.ErrorKind)
		if err := o.sleep(ctx, delay); err != nil {
			return fmt.Errorf("backoff interrupted: %w", err)
		}
	}

	last := result.LastDeployment()
	if last != nil && last.Success {
		result.FinalStatus = domain.StatusSuccess
		result.HostingURL = last.HostingURL
		result.StoragePath = last.StoragePath
		return nil
	}
	result.FinalStatus = domain.StatusFailed
	if last != nil {
		result.StoragePath = last.StoragePath
		if last.Error != nil {
			result.Error = last.Error.Message
		}
	}
	if result.Error == "" {
		result.Error = "deployment failed"
	}
	return nil
}

// maxBackoff caps the retry delay so large MaxRetries values cannot overflow.
const maxBackoff = 10 * time.Minute

// backoff returns the delay before retry n: 2^n times the base, capped at maxBackoff.
func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 0; i < n; i++ {
		if d >= maxBackoff/2 {
			return maxBackoff
		}
		d *= 2
	}
	return min(d, maxBackoff)
}

func (o *Orchestrator) record(ctx context.Context, result *domain.OrchestrationResult, entry domain.TraceEntry) error {
	entry.RecordedAt = o.now().UTC()
	result.Trace = append(result.Trace, entry)

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s log: %w", entry.Agent, err)
	}
	log := domain.AgentLogEntry{
		DeploymentID: result.DeploymentID,
		TenantID:     result.TenantID,
		Agent:        entry.Agent,
		Attempt:      entry.Attempt,
		Payload:      payload,
		CreatedAt:    entry.RecordedAt,
	}
	if err := o.store.AppendAgentLog(ctx, log); err != nil {
		return fmt.Errorf("append %s log: %w", entry.Agent, err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, span trace.Span, result *domain.OrchestrationResult) {
	result.CompletedAt = o.now().UTC()
	span.SetAttributes(
		attribute.String("deployment.status", string(result.FinalStatus)),
		attribute.Int("deployment.attempts", result.Attempts),
	)
	if result.FinalStatus != domain.StatusSuccess {
		span.SetStatus(codes.Error, result.Error)
	}
	o.metrics.orchestrationFinished(result.FinalStatus, result.Attempts, result.CompletedAt.Sub(result.StartedAt))

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := o.safeFinalize(finalizeCtx, *result); err != nil {
		log.Error("failed to persist orchestration result", "error", err)
	}
	log.Info("orchestration finished", "status", result.FinalStatus, "attempts", result.Attempts, "error", result.Error)
}

func (o *Orchestrator) safeFinalize(ctx context.Context, result domain.OrchestrationResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("finalize panicked: %v", r)
		}
	}()
	return o.store.Finalize(ctx, result)
}

// abort reports a run that could not be recorded at all.
func (o *Orchestrator) abort(ctx context.Context, id string, dctx domain.DeploymentContext, started time.Time, err error) domain.OrchestrationResult {
	log := o.logger.With("deployment_id", id, "tenant_id", dctx.TenantID)
	log.Error("orchestration aborted", "error", err)
	result := domain.OrchestrationResult{
		DeploymentID: id,
		TenantID:     dctx.TenantID,
		FinalStatus:  domain.StatusFailed,
		Error:        err.Error(),
		StartedAt:    started,
	}
	o.finish(ctx, log, trace.SpanFromContext(ctx), &result)
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
