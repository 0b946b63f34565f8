package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateAssigned  JobState = "assigned"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateAbandoned JobState = "abandoned"
)

// JobPriority orders jobs in the queue. Higher values are dispatched first.
type JobPriority int

const (
	PriorityLow JobPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[JobPriority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p JobPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// ParsePriority maps a priority name to its level, defaulting to normal
func ParsePriority(name string) JobPriority {
	for p, n := range priorityNames {
		if n == name {
			return p
		}
	}
	return PriorityNormal
}

// Promoted returns the next priority level up. Urgent saturates.
func (p JobPriority) Promoted() JobPriority {
	if p >= PriorityUrgent {
		return PriorityUrgent
	}
	return p + 1
}

// MarshalJSON encodes the priority as its name
func (p JobPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a priority name
func (p *JobPriority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*p = ParsePriority(name)
	return nil
}

// Job is a compute workload posted to the marketplace
type Job struct {
	ID string `json:"id"`

	// Requirements
	JobType           string            `json:"job_type"`
	DockerImage       string            `json:"docker_image"`
	Command           []string          `json:"command,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	RequiresGPU       bool              `json:"requires_gpu"`
	GPUMemoryRequired int64             `json:"gpu_memory_required"` // bytes
	DeclaredTimeout   int               `json:"declared_timeout_seconds"`
	Reward            float64           `json:"reward"` // SOL

	// Lifecycle
	State           JobState    `json:"state"`
	Priority        JobPriority `json:"priority"`
	RetryCount      int         `json:"retry_count"`
	MaxRetries      int         `json:"max_retries"`
	AssignedAgentID string      `json:"assigned_agent_id,omitempty"`
	AdmittedAt      time.Time   `json:"admitted_at"`
	AssignedAt      *time.Time  `json:"assigned_at,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	PaymentID       string      `json:"payment_id,omitempty"`
	OutputSummary   string      `json:"output_summary,omitempty"`

	// Unknown boundary fields land here and are never persisted
	Extensions map[string]interface{} `json:"-"`
}

// JobSpec is the admin job submission body
type JobSpec struct {
	JobType           string            `json:"job_type"`
	DockerImage       string            `json:"docker_image"`
	Command           []string          `json:"command,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	RequiresGPU       bool              `json:"requires_gpu"`
	GPUMemoryRequired int64             `json:"gpu_memory_required"`
	DeclaredTimeout   int               `json:"declared_timeout_seconds"`
	Reward            float64           `json:"reward"`
}

// Validate checks the required fields of a job submission
func (s *JobSpec) Validate() error {
	if s.JobType == "" {
		return fmt.Errorf("job_type is required")
	}
	if s.DockerImage == "" {
		return fmt.Errorf("docker_image is required")
	}
	if s.DeclaredTimeout <= 0 {
		return fmt.Errorf("declared_timeout_seconds must be positive")
	}
	if s.Reward < 0 {
		return fmt.Errorf("reward must be non-negative")
	}
	if s.GPUMemoryRequired < 0 {
		return fmt.Errorf("gpu_memory_required must be non-negative")
	}
	return nil
}

// EffectiveDeadline returns the instant after which the job counts as timed
// out, given the configured buffer multiplier. The running clock starts at
// started_at, falling back to assigned_at for jobs stuck in ASSIGNED.
func (j *Job) EffectiveDeadline(buffer float64) time.Time {
	var from time.Time
	switch {
	case j.StartedAt != nil:
		from = *j.StartedAt
	case j.AssignedAt != nil:
		from = *j.AssignedAt
	default:
		from = j.AdmittedAt
	}
	timeout := time.Duration(float64(j.DeclaredTimeout)*buffer) * time.Second
	return from.Add(timeout)
}

// IsTerminal returns true once the job can no longer change state
func (j *Job) IsTerminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateAbandoned || j.State == JobStateFailed
}
