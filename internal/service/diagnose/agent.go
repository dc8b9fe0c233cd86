// Package diagnose triages deployment attempts: it classifies failures,
// re-checks tenant isolation and security rules, and decides whether an
// automatic retry is warranted.
package diagnose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/target"
)

// Check names, in execution order.
const (
	CheckResultAnalysis      = "result_analysis"
	CheckErrorClassification = "error_classification"
	CheckTenantIsolation     = "tenant_isolation"
	CheckQuota               = "quota"
	CheckSecurityConfig      = "security_config"
)

// ActionMarkForRetry is the only automatic remediation.
const ActionMarkForRetry = "mark_for_retry"

// quotaWarnRatio is the usage ratio at which the quota check reports.
const quotaWarnRatio = 0.9

const defaultLookupTimeout = 30 * time.Second

// Agent produces a Diagnosis for each deployment attempt.
type Agent struct {
	target        target.Target
	logger        *slog.Logger
	lookupTimeout time.Duration
	tracer        trace.Tracer

	// quota is account wide; concurrent diagnoses share one lookup.
	quota singleflight.Group
}

// New constructs an Agent. lookupTimeout bounds each target read.
func New(t target.Target, logger *slog.Logger, lookupTimeout time.Duration) *Agent {
	if lookupTimeout <= 0 {
		lookupTimeout = defaultLookupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		target:        t,
		logger:        logger,
		lookupTimeout: lookupTimeout,
		tracer:        otel.Tracer("github.com/splax/sitedeploy/internal/service/diagnose"),
	}
}

// Diagnose runs every check against result. Checks are independent: an
// error in one is recorded as a finding and the rest still run.
func (a *Agent) Diagnose(ctx context.Context, result domain.DeploymentResult, dctx domain.DeploymentContext) domain.Diagnosis {
	ctx, span := a.tracer.Start(ctx, "diagnose", trace.WithAttributes(
		attribute.String("tenant.id", dctx.TenantID),
		attribute.Bool("deployment.success", result.Success),
	))
	defer span.End()

	diag := domain.Diagnosis{Severity: domain.SeverityNone}

	diag.Findings = append(diag.Findings, analyzeResult(result))
	if !result.Success {
		diag.FailedStep = result.FailedStep()
		finding, kind := classifyFailure(result)
		diag.ErrorKind = kind
		diag.Findings = append(diag.Findings, finding)
	}
	diag.Findings = append(diag.Findings,
		a.checkIsolation(ctx, dctx),
		a.checkQuota(ctx),
		a.checkSecurity(ctx, dctx),
	)

	for _, f := range diag.Findings {
		diag.Severity = domain.MaxSeverity(diag.Severity, f.Severity)
		if f.Kind == domain.KindTenantIsolationBreach {
			diag.ErrorKind = f.Kind
		}
	}
	diag.Recommendations = recommend(diag.Findings)

	for _, rec := range diag.Recommendations {
		if rec.AutoFixable {
			diag.AutoFixAttempted = true
			diag.AutoFixActions = []string{ActionMarkForRetry}
			diag.AutoFixSucceeded = true
			break
		}
	}

	span.SetAttributes(attribute.String("diagnosis.severity", string(diag.Severity)))
	a.logger.Info("diagnosis complete",
		"tenant_id", dctx.TenantID,
		"site_id", dctx.SiteID,
		"severity", diag.Severity,
		"error_kind", diag.ErrorKind,
		"failed_step", diag.FailedStep,
		"auto_fix", diag.AutoFixAttempted,
	)
	return diag
}

func analyzeResult(result domain.DeploymentResult) domain.Finding {
	if result.Success {
		return domain.Finding{
			Check:    CheckResultAnalysis,
			Status:   domain.FindingPass,
			Severity: domain.SeverityLow,
			Message:  fmt.Sprintf("all %d steps completed", len(result.Steps)),
		}
	}
	return domain.Finding{
		Check:       CheckResultAnalysis,
		Status:      domain.FindingFail,
		Severity:    domain.SeverityLow,
		Message:     fmt.Sprintf("deployment failed at step %s", result.FailedStep()),
		Remediation: "Review the failed step output in the agent trace.",
	}
}

func classifyFailure(result domain.DeploymentResult) (domain.Finding, domain.ErrorKind) {
	message := "deployment failed without an error"
	if result.Error != nil && result.Error.Message != "" {
		message = result.Error.Message
	}
	class := Classify(message)
	if result.Error != nil && result.Error.Kind != "" {
		class = ClassificationFor(result.Error.Kind)
	}
	return domain.Finding{
		Check:       CheckErrorClassification,
		Status:      domain.FindingFail,
		Severity:    class.Severity,
		Kind:        class.Kind,
		Message:     message,
		Remediation: class.Remediation,
		AutoFixable: class.AutoFixable,
	}, class.Kind
}

func (a *Agent) checkIsolation(ctx context.Context, dctx domain.DeploymentContext) domain.Finding {
	ctx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
	defer cancel()

	status, err := a.target.ReadStatus(ctx, dctx.TenantID, dctx.SiteID)
	if err != nil {
		return checkError(CheckTenantIsolation, "read site record", err)
	}
	if !status.Exists {
		return domain.Finding{
			Check:    CheckTenantIsolation,
			Status:   domain.FindingPass,
			Severity: domain.SeverityLow,
			Message:  "no stored record for site",
		}
	}
	if !status.OwnedBy(dctx.TenantID) {
		breach := ClassificationFor(domain.KindTenantIsolationBreach)
		return domain.Finding{
			Check:       CheckTenantIsolation,
			Status:      domain.FindingFail,
			Severity:    domain.SeverityCritical,
			Kind:        domain.KindTenantIsolationBreach,
			Message:     fmt.Sprintf("isolation breach: site %s is stored under tenant %q", dctx.SiteID, status.Record.TenantID),
			Remediation: breach.Remediation,
		}
	}
	return domain.Finding{
		Check:    CheckTenantIsolation,
		Status:   domain.FindingPass,
		Severity: domain.SeverityLow,
		Message:  "stored record belongs to requesting tenant",
	}
}

func (a *Agent) checkQuota(ctx context.Context) domain.Finding {
	ctx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
	defer cancel()

	v, err, _ := a.quota.Do("quota", func() (any, error) {
		return a.target.ReadQuota(ctx)
	})
	if err != nil {
		return checkError(CheckQuota, "read quota", err)
	}
	usage := v.(target.QuotaUsage)
	storage, sites := usage.StorageRatio(), usage.SiteRatio()
	if storage >= quotaWarnRatio || sites >= quotaWarnRatio {
		return domain.Finding{
			Check:       CheckQuota,
			Status:      domain.FindingInfo,
			Severity:    domain.SeverityMedium,
			Kind:        domain.KindQuotaExceeded,
			Message:     fmt.Sprintf("quota nearly exhausted: storage %.0f%%, sites %.0f%%", storage*100, sites*100),
			Remediation: ClassificationFor(domain.KindQuotaExceeded).Remediation,
		}
	}
	return domain.Finding{
		Check:    CheckQuota,
		Status:   domain.FindingPass,
		Severity: domain.SeverityLow,
		Message:  fmt.Sprintf("quota usage: storage %.0f%%, sites %.0f%%", storage*100, sites*100),
	}
}

func (a *Agent) checkSecurity(ctx context.Context, dctx domain.DeploymentContext) domain.Finding {
	ctx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
	defer cancel()

	validation, err := a.target.ApplyIsolationRules(ctx, dctx.TenantID)
	if err != nil {
		return checkError(CheckSecurityConfig, "validate isolation rules", err)
	}
	if !validation.Valid {
		return domain.Finding{
			Check:       CheckSecurityConfig,
			Status:      domain.FindingFail,
			Severity:    domain.SeverityHigh,
			Message:     fmt.Sprintf("isolation rules invalid: %v", validation.Violations),
			Remediation: "Reapply the tenant isolation rules and review recent rule changes.",
		}
	}
	return domain.Finding{
		Check:    CheckSecurityConfig,
		Status:   domain.FindingPass,
		Severity: domain.SeverityLow,
		Message:  "isolation rules valid",
	}
}

func checkError(check, action string, err error) domain.Finding {
	return domain.Finding{
		Check:       check,
		Status:      domain.FindingError,
		Severity:    domain.SeverityLow,
		Message:     fmt.Sprintf("%s: %v", action, err),
		Remediation: "Check could not complete; rerun diagnosis once the hosting API responds.",
	}
}

func recommend(findings []domain.Finding) []domain.Recommendation {
	var recs []domain.Recommendation
	for _, f := range findings {
		if f.Passing() {
			continue
		}
		recs = append(recs, domain.Recommendation{
			Check:       f.Check,
			Severity:    f.Severity,
			Action:      f.Remediation,
			AutoFixable: f.AutoFixable,
		})
	}
	if len(recs) == 0 {
		recs = append(recs, domain.Recommendation{
			Check:    "healthy",
			Severity: domain.SeverityLow,
			Action:   "No action required.",
		})
	}
	return recs
}
