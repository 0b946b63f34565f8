package models

import (
	"time"
)

// Agent represents a registered worker that executes jobs on its GPU
type Agent struct {
	ID            string `json:"id"`
	WalletAddress string `json:"wallet_address"`

	// Capability snapshot reported at registration
	GPUVendor         string                 `json:"gpu_vendor"`
	GPUModel          string                 `json:"gpu_model"`
	GPUMemory         int64                  `json:"gpu_memory"` // bytes
	HasGPU            bool                   `json:"has_gpu"`
	ComputeCapability map[string]interface{} `json:"compute_capability,omitempty"`

	// Runtime state
	MaxConcurrent  int        `json:"max_concurrent"`
	CurrentLoad    int        `json:"current_load"`
	Healthy        bool       `json:"healthy"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	LastAssignedAt *time.Time `json:"last_assigned_at,omitempty"`

	// Rolling counters
	TotalCompleted     int     `json:"total_completed"`
	TotalFailed        int     `json:"total_failed"`
	TotalRetried       int     `json:"total_retried"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	TotalEarned        float64 `json:"total_earned"`
	ReputationScore    float64 `json:"reputation_score"` // [0,1]

	// CredentialHash is the SHA-256 of the bearer credential. The plaintext
	// credential is returned exactly once at registration and never stored.
	CredentialHash string `json:"-"`

	RegisteredAt time.Time `json:"registered_at"`
}

// AvailableSlots returns how many more jobs the agent can accept
func (a *Agent) AvailableSlots() int {
	slots := a.MaxConcurrent - a.CurrentLoad
	if slots < 0 {
		return 0
	}
	return slots
}

// SuccessRate returns completed / max(1, completed + failed). An agent
// with no history scores 0 until it completes something.
func (a *Agent) SuccessRate() float64 {
	total := a.TotalCompleted + a.TotalFailed
	if total < 1 {
		total = 1
	}
	return float64(a.TotalCompleted) / float64(total)
}

// LoadPercent returns current load as a percentage of capacity
func (a *Agent) LoadPercent() float64 {
	if a.MaxConcurrent == 0 {
		return 100.0
	}
	return float64(a.CurrentLoad) / float64(a.MaxConcurrent) * 100
}

// AgentRegistration is the registration request body
type AgentRegistration struct {
	WalletAddress     string                 `json:"wallet"`
	GPUVendor         string                 `json:"gpu_vendor"`
	GPUModel          string                 `json:"gpu_model"`
	GPUMemory         int64                  `json:"gpu_memory"`
	ComputeCapability map[string]interface{} `json:"compute_capability,omitempty"`
}

// HeartbeatStatus carries the optional fields of a heartbeat request
type HeartbeatStatus struct {
	Status      string `json:"status,omitempty"`
	CurrentLoad int    `json:"current_load,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
