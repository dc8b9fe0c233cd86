// Package deploy runs single deployment attempts against the hosting target.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/target"
)

const defaultStepTimeout = 30 * time.Second

// ErrEmptyContent is returned by the publish step when there are no pages.
var ErrEmptyContent = errors.New("invalid content: page list is empty")

// ErrStepTimeout is returned when a step outlives the per-step timeout.
var ErrStepTimeout = errors.New("deployment timeout")

// ErrOwnerMismatch is returned when the stored site belongs to another tenant.
var ErrOwnerMismatch = errors.New("tenant isolation breach")

// Agent runs the fixed deployment pipeline. It never retries; a failed step
// aborts the attempt and the caller decides whether to run it again.
type Agent struct {
	target      target.Target
	logger      *slog.Logger
	stepTimeout time.Duration
	tracer      trace.Tracer
	now         func() time.Time
}

// New constructs an Agent. A non-positive stepTimeout uses the default.
func New(t target.Target, logger *slog.Logger, stepTimeout time.Duration) *Agent {
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		target:      t,
		logger:      logger,
		stepTimeout: stepTimeout,
		tracer:      otel.Tracer("github.com/splax/sitedeploy/internal/service/deploy"),
		now:         time.Now,
	}
}

type stepFunc func(ctx context.Context) (map[string]any, error)

type pipelineStep struct {
	name string
	run  stepFunc
}

// Run executes one attempt. Steps run strictly in order and the first failure
// stops the pipeline; completed steps are kept in the result.
func (a *Agent) Run(ctx context.Context, dctx domain.DeploymentContext) domain.DeploymentResult {
	ctx, span := a.tracer.Start(ctx, "deploy.attempt", trace.WithAttributes(
		attribute.String("tenant.id", dctx.TenantID),
		attribute.String("site.id", dctx.SiteID),
	))
	defer span.End()

	log := a.logger.With("tenant_id", dctx.TenantID, "site_id", dctx.SiteID)
	result := domain.DeploymentResult{Steps: make([]domain.StepResult, 0, 7)}

	for _, step := range a.pipeline(dctx, &result) {
		stepResult, err := a.runStep(ctx, step)
		result.Steps = append(result.Steps, stepResult)
		if err != nil {
			result.Error = &domain.StepError{
				Step:    step.name,
				Message: err.Error(),
				Kind:    errorKind(err),
				Chain:   errorChain(err),
			}
			span.SetStatus(codes.Error, err.Error())
			log.Warn("deployment step failed", "step", step.name, "error", err)
			return result
		}
		log.Debug("deployment step completed", "step", step.name, "duration_ms", stepResult.DurationMS)
	}
	result.Success = true
	log.Info("deployment attempt succeeded", "hosting_url", result.HostingURL, "steps", len(result.Steps))
	return result
}

func (a *Agent) pipeline(dctx domain.DeploymentContext, result *domain.DeploymentResult) []pipelineStep {
	steps := []pipelineStep{
		{name: domain.StepInitialize, run: func(ctx context.Context) (map[string]any, error) {
			if err := a.target.Initialize(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"ready": true}, nil
		}},
		{name: domain.StepCreateNamespace, run: func(ctx context.Context) (map[string]any, error) {
			ns, err := a.target.CreateNamespace(ctx, dctx.TenantID, dctx.SiteID)
			if err != nil {
				return nil, err
			}
			result.StoragePath = ns.StoragePath
			return map[string]any{
				"content_path": ns.ContentPath,
				"asset_path":   ns.AssetPath,
				"storage_path": ns.StoragePath,
			}, nil
		}},
		{name: domain.StepPublishContent, run: func(ctx context.Context) (map[string]any, error) {
			if len(dctx.Pages) == 0 {
				return nil, ErrEmptyContent
			}
			deployed, err := a.target.PublishContent(ctx, dctx.TenantID, dctx.SiteID, dctx.Pages)
			if err != nil {
				return nil, err
			}
			return map[string]any{"pages_deployed": deployed}, nil
		}},
	}

	if assets := uniqueAssets(dctx.Assets); len(assets) > 0 {
		steps = append(steps, pipelineStep{name: domain.StepUploadAssets, run: func(ctx context.Context) (map[string]any, error) {
			urls, err := a.target.UploadAssets(ctx, dctx.TenantID, dctx.SiteID, assets)
			if err != nil {
				return nil, err
			}
			return map[string]any{"asset_urls": urls, "assets_uploaded": len(urls)}, nil
		}})
	}

	if RequiresFormBackend(dctx.Pages) {
		steps = append(steps, pipelineStep{name: domain.StepProvisionForms, run: func(ctx context.Context) (map[string]any, error) {
			backend, err := a.target.ProvisionFormBackend(ctx, dctx.TenantID, dctx.SiteID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"endpoint": backend.Endpoint, "collection_path": backend.CollectionPath}, nil
		}})
	}

	return append(steps,
		pipelineStep{name: domain.StepApplySecurityRules, run: func(ctx context.Context) (map[string]any, error) {
			validation, err := a.target.ApplyIsolationRules(ctx, dctx.TenantID)
			if err != nil {
				return nil, err
			}
			if !validation.Valid {
				return nil, fmt.Errorf("security rules rejected: %s", strings.Join(validation.Violations, "; "))
			}
			return map[string]any{"valid": true}, nil
		}},
		pipelineStep{name: domain.StepValidateDeployment, run: func(ctx context.Context) (map[string]any, error) {
			status, err := a.target.ReadStatus(ctx, dctx.TenantID, dctx.SiteID)
			if err != nil {
				return nil, err
			}
			if !status.Exists {
				return nil, errors.New("validation failed: site not found after publish")
			}
			if !status.OwnedBy(dctx.TenantID) {
				return nil, fmt.Errorf("%w: site is owned by another tenant", ErrOwnerMismatch)
			}
			result.HostingURL = status.HostingURL
			return map[string]any{"exists": true, "hosting_url": status.HostingURL}, nil
		}},
	)
}

func (a *Agent) runStep(ctx context.Context, step pipelineStep) (domain.StepResult, error) {
	ctx, span := a.tracer.Start(ctx, "deploy.step", trace.WithAttributes(attribute.String("step", step.name)))
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, a.stepTimeout)
	defer cancel()

	started := a.now()
	output, err := step.run(stepCtx)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %s exceeded %s: %w", ErrStepTimeout, step.name, a.stepTimeout, err)
	}
	res := domain.StepResult{
		Step:       step.name,
		StartedAt:  started.UTC(),
		DurationMS: a.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		res.Status = domain.StepFailed
		res.Error = err.Error()
		return res, err
	}
	res.Status = domain.StepSucceeded
	res.Output = output
	return res, nil
}

func uniqueAssets(assets []domain.Asset) []domain.Asset {
	if len(assets) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(assets))
	out := make([]domain.Asset, 0, len(assets))
	for _, asset := range assets {
		key := asset.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, asset)
	}
	return out
}

// errorKind recognises typed failures so that ids inside messages never
// influence classification.
func errorKind(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, ErrEmptyContent):
		return domain.KindInvalidContent
	case errors.Is(err, ErrOwnerMismatch):
		return domain.KindTenantIsolationBreach
	case errors.Is(err, ErrStepTimeout):
		return domain.KindDeploymentTimeout
	}
	return target.ErrorKind(err)
}

func errorChain(err error) []string {
	var chain []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		chain = append(chain, e.Error())
	}
	return chain
}
