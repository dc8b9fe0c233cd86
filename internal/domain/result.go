package domain

import "time"

// StepStatus tags a StepResult as success or failure.
type StepStatus string

// Step outcomes.
const (
	StepSucceeded StepStatus = "success"
	StepFailed    StepStatus = "failure"
)

// Pipeline step names in execution order.
const (
	StepInitialize         = "initialize"
	StepCreateNamespace    = "create_namespace"
	StepPublishContent     = "publish_content"
	StepUploadAssets       = "upload_assets"
	StepProvisionForms     = "provision_forms"
	StepApplySecurityRules = "apply_security_rules"
	StepValidateDeployment = "validate_deployment"
)

// StepResult is the immutable outcome of one pipeline step. Output is set on
// success, Error on failure.
type StepResult struct {
	Step       string         `json:"step"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
}

// Failed reports whether the step failed.
func (s StepResult) Failed() bool {
	return s.Status == StepFailed
}

// StepError describes the failure that aborted an attempt.
type StepError struct {
	Step    string `json:"step"`
	Message string `json:"message"`
	// Kind is set when the failure cause is known from a typed error. It takes
	// precedence over classifying Message.
	Kind ErrorKind `json:"kind,omitempty"`
	// Chain holds the unwrapped error messages, outermost first.
	Chain []string `json:"chain,omitempty"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return e.Step + ": " + e.Message
}

// DeploymentResult is the outcome of one DeploymentAgent attempt.
type DeploymentResult struct {
	Success     bool         `json:"success"`
	Steps       []StepResult `json:"steps"`
	Error       *StepError   `json:"error,omitempty"`
	HostingURL  string       `json:"hosting_url,omitempty"`
	StoragePath string       `json:"storage_path,omitempty"`
}

// FailedStep returns the first failed step, or StepInitialize when no step ran.
func (r DeploymentResult) FailedStep() string {
	for _, step := range r.Steps {
		if step.Failed() {
			return step.Step
		}
	}
	if r.Error != nil && r.Error.Step != "" {
		return r.Error.Step
	}
	return StepInitialize
}
