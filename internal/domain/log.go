package domain

import (
	"encoding/json"
	"time"
)

// AgentLogEntry is one appended agent record for a deployment.
type AgentLogEntry struct {
	ID           int64
	DeploymentID string
	TenantID     string
	Agent        string
	Attempt      int
	Payload      json.RawMessage
	CreatedAt    time.Time
}
