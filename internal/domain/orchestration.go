package domain

import "time"

// Agent names recorded in traces and agent logs.
const (
	AgentDeploy     = "deploy"
	AgentDiagnostic = "diagnostic"
)

// TraceEntry is one record in an orchestration trace: either a deployment
// attempt or the diagnosis that followed it.
type TraceEntry struct {
	Agent      string            `json:"agent"`
	Attempt    int               `json:"attempt"`
	Deployment *DeploymentResult `json:"deployment,omitempty"`
	Diagnosis  *Diagnosis        `json:"diagnosis,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// OrchestrationResult is the terminal record returned to callers and
// persisted to the log store.
type OrchestrationResult struct {
	DeploymentID string           `json:"deployment_id"`
	TenantID     string           `json:"tenant_id"`
	Attempts     int              `json:"attempts"`
	Trace        []TraceEntry     `json:"agent_trace"`
	FinalStatus  DeploymentStatus `json:"final_status"`
	HostingURL   string           `json:"hosting_url,omitempty"`
	StoragePath  string           `json:"storage_path,omitempty"`
	Error        string           `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// LastDeployment returns the most recent deployment attempt in the trace.
func (r OrchestrationResult) LastDeployment() *DeploymentResult {
	for i := len(r.Trace) - 1; i >= 0; i-- {
		if r.Trace[i].Deployment != nil {
			return r.Trace[i].Deployment
		}
	}
	return nil
}
