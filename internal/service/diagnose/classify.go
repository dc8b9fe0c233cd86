package diagnose

import (
	"strings"

	"github.com/splax/sitedeploy/internal/domain"
)

// Classification is the fixed triage outcome for an error kind.
type Classification struct {
	Kind        domain.ErrorKind
	Severity    domain.Severity
	AutoFixable bool
	Remediation string
}

type rule struct {
	keywords []string
	class    Classification
}

// rules is evaluated top to bottom; the first rule with a matching keyword wins.
var rules = []rule{
	{
		keywords: []string{"invalid content", "precondition"},
		class: Classification{
			Kind:        domain.KindInvalidContent,
			Severity:    domain.SeverityHigh,
			Remediation: "Add at least one page to the site before deploying.",
		},
	},
	{
		keywords: []string{"isolation breach"},
		class: Classification{
			Kind:        domain.KindTenantIsolationBreach,
			Severity:    domain.SeverityCritical,
			Remediation: "Stop deployments for this site and audit ownership of the stored records.",
		},
	},
	{
		keywords: []string{"quota", "limit"},
		class: Classification{
			Kind:        domain.KindQuotaExceeded,
			Severity:    domain.SeverityHigh,
			Remediation: "Upgrade the hosting plan or remove unused sites and assets.",
		},
	},
	{
		keywords: []string{"permission", "forbidden"},
		class: Classification{
			Kind:        domain.KindPermissionDenied,
			Severity:    domain.SeverityCritical,
			Remediation: "Grant the deployment service account write access to the tenant namespace.",
		},
	},
	{
		keywords: []string{"network", "econnrefused", "connection refused", "econnreset", "connection reset", "enotfound"},
		class: Classification{
			Kind:        domain.KindNetworkError,
			Severity:    domain.SeverityMedium,
			AutoFixable: true,
			Remediation: "Retry the deployment once the hosting API is reachable.",
		},
	},
	{
		keywords: []string{"credential", "authentication"},
		class: Classification{
			Kind:        domain.KindInvalidCredentials,
			Severity:    domain.SeverityCritical,
			Remediation: "Rotate the hosting API token and update the orchestrator configuration.",
		},
	},
	{
		keywords: []string{"timeout", "timed out", "deadline exceeded"},
		class: Classification{
			Kind:        domain.KindDeploymentTimeout,
			Severity:    domain.SeverityMedium,
			AutoFixable: true,
			Remediation: "Retry the deployment; raise the step timeout if it keeps failing.",
		},
	},
	{
		keywords: []string{"storage"},
		class: Classification{
			Kind:        domain.KindStorageLimit,
			Severity:    domain.SeverityHigh,
			Remediation: "Free storage in the tenant bucket or increase its capacity.",
		},
	},
}

var unknown = Classification{
	Kind:        domain.KindUnknownError,
	Severity:    domain.SeverityMedium,
	Remediation: "Inspect the step error and agent logs, then redeploy.",
}

// Classify maps an error message onto a failure class. Matching is
// case-insensitive and falls back to UNKNOWN_ERROR.
func Classify(message string) Classification {
	msg := strings.ToLower(message)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return r.class
			}
		}
	}
	return unknown
}

// ClassificationFor returns the fixed classification of kind.
func ClassificationFor(kind domain.ErrorKind) Classification {
	for _, r := range rules {
		if r.class.Kind == kind {
			return r.class
		}
	}
	return unknown
}
