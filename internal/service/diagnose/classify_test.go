package diagnose

import (
	"testing"

	"github.com/splax/sitedeploy/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		message     string
		kind        domain.ErrorKind
		severity    domain.Severity
		autoFixable bool
	}{
		{"ECONNREFUSED while connecting", domain.KindNetworkError, domain.SeverityMedium, true},
		{"network error: hosting api unavailable", domain.KindNetworkError, domain.SeverityMedium, true},
		{"quota exceeded: 3 of 3 sites used", domain.KindQuotaExceeded, domain.SeverityHigh, false},
		{"Rate LIMIT reached", domain.KindQuotaExceeded, domain.SeverityHigh, false},
		{"permission denied: write to namespace", domain.KindPermissionDenied, domain.SeverityCritical, false},
		{"403 Forbidden", domain.KindPermissionDenied, domain.SeverityCritical, false},
		{"invalid credentials: authentication rejected", domain.KindInvalidCredentials, domain.SeverityCritical, false},
		{"deployment timeout: publish_content exceeded 30s: context deadline exceeded", domain.KindDeploymentTimeout, domain.SeverityMedium, true},
		{"storage capacity exhausted", domain.KindStorageLimit, domain.SeverityHigh, false},
		{"invalid content: page list is empty", domain.KindInvalidContent, domain.SeverityHigh, false},
		{"tenant isolation breach: site s1 is owned by another tenant", domain.KindTenantIsolationBreach, domain.SeverityCritical, false},
		{"something odd happened", domain.KindUnknownError, domain.SeverityMedium, false},
		{"", domain.KindUnknownError, domain.SeverityMedium, false},
	}
	for _, tt := range tests {
		got := Classify(tt.message)
		if got.Kind != tt.kind {
			t.Fatalf("%q: expected kind %s, got %s", tt.message, tt.kind, got.Kind)
		}
		if got.Severity != tt.severity {
			t.Fatalf("%q: expected severity %s, got %s", tt.message, tt.severity, got.Severity)
		}
		if got.AutoFixable != tt.autoFixable {
			t.Fatalf("%q: expected autoFixable %v, got %v", tt.message, tt.autoFixable, got.AutoFixable)
		}
		if got.Remediation == "" {
			t.Fatalf("%q: expected remediation text", tt.message)
		}
	}
}

func TestClassifyFirstRuleWins(t *testing.T) {
	// quota precedes storage in the rule table
	got := Classify("storage limit reached")
	if got.Kind != domain.KindQuotaExceeded {
		t.Fatalf("expected %s, got %s", domain.KindQuotaExceeded, got.Kind)
	}
}

func TestClassificationForUnknownKind(t *testing.T) {
	if got := ClassificationFor("NOPE"); got.Kind != domain.KindUnknownError {
		t.Fatalf("expected unknown classification, got %s", got.Kind)
	}
	if got := ClassificationFor(domain.KindStorageLimit); got.Severity != domain.SeverityHigh {
		t.Fatalf("expected high severity, got %s", got.Severity)
	}
}
