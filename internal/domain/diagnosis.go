package domain

// Severity ranks diagnostic findings. The zero value is SeverityNone.
type Severity string

// Severities from least to most severe.
const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: critical > high > medium > low > none.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	if a == "" {
		return SeverityNone
	}
	return a
}

// ErrorKind is the classified cause of a failed attempt.
type ErrorKind string

// Known failure classes.
const (
	KindInvalidContent        ErrorKind = "INVALID_CONTENT"
	KindQuotaExceeded         ErrorKind = "QUOTA_EXCEEDED"
	KindPermissionDenied      ErrorKind = "PERMISSION_DENIED"
	KindNetworkError          ErrorKind = "NETWORK_ERROR"
	KindInvalidCredentials    ErrorKind = "INVALID_CREDENTIALS"
	KindTenantIsolationBreach ErrorKind = "TENANT_ISOLATION_BREACH"
	KindDeploymentTimeout     ErrorKind = "DEPLOYMENT_TIMEOUT"
	KindStorageLimit          ErrorKind = "STORAGE_LIMIT"
	KindUnknownError          ErrorKind = "UNKNOWN_ERROR"
)

// FindingStatus tags the outcome of one diagnostic check.
type FindingStatus string

// Finding outcomes.
const (
	FindingPass  FindingStatus = "pass"
	FindingFail  FindingStatus = "fail"
	FindingError FindingStatus = "error"
	FindingInfo  FindingStatus = "info"
)

// Finding is the immutable result of a single diagnostic check.
type Finding struct {
	Check       string        `json:"check"`
	Status      FindingStatus `json:"status"`
	Severity    Severity      `json:"severity"`
	Kind        ErrorKind     `json:"kind,omitempty"`
	Message     string        `json:"message"`
	Remediation string        `json:"remediation,omitempty"`
	AutoFixable bool          `json:"auto_fixable"`
}

// Passing reports whether the finding needs no follow-up.
func (f Finding) Passing() bool {
	return f.Status == FindingPass
}

// Recommendation is a remediation derived from a non-passing finding.
type Recommendation struct {
	Check       string   `json:"check"`
	Severity    Severity `json:"severity"`
	Action      string   `json:"action"`
	AutoFixable bool     `json:"auto_fixable"`
}

// Diagnosis is the DiagnosticAgent output for one attempt.
type Diagnosis struct {
	Findings         []Finding        `json:"findings"`
	Recommendations  []Recommendation `json:"recommendations"`
	Severity         Severity         `json:"severity"`
	ErrorKind        ErrorKind        `json:"error_kind,omitempty"`
	FailedStep       string           `json:"failed_step,omitempty"`
	AutoFixAttempted bool             `json:"auto_fix_attempted"`
	AutoFixSucceeded bool             `json:"auto_fix_succeeded"`
	AutoFixActions   []string         `json:"auto_fix_actions,omitempty"`
}

// Retryable reports whether the orchestrator may run another attempt after
// this diagnosis. Critical diagnoses are never retried.
func (d Diagnosis) Retryable() bool {
	if d.Severity == SeverityCritical {
		return false
	}
	return d.AutoFixAttempted || d.Severity == SeverityMedium
}
