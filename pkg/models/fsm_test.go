package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidateTransition_AllowedEdges(t *testing.T) {
	allowed := []struct {
		from, to JobState
	}{
		{JobStateQueued, JobStateAssigned},
		{JobStateAssigned, JobStateRunning},
		{JobStateAssigned, JobStateQueued},
		{JobStateAssigned, JobStateAbandoned},
		{JobStateRunning, JobStateCompleted},
		{JobStateRunning, JobStateQueued},
		{JobStateRunning, JobStateAbandoned},
	}
	for _, tc := range allowed {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("Expected %s -> %s to be valid: %v", tc.from, tc.to, err)
		}
	}
}

func TestValidateTransition_RejectedEdges(t *testing.T) {
	rejected := []struct {
		from, to JobState
	}{
		{JobStateQueued, JobStateRunning},
		{JobStateQueued, JobStateCompleted},
		{JobStateCompleted, JobStateQueued},
		{JobStateCompleted, JobStateRunning},
		{JobStateAbandoned, JobStateQueued},
		{JobStateFailed, JobStateQueued},
		{JobStateRunning, JobStateAssigned},
	}
	for _, tc := range rejected {
		if err := ValidateTransition(tc.from, tc.to); err == nil {
			t.Errorf("Expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestPriorityPromotion(t *testing.T) {
	cases := []struct {
		in, want JobPriority
	}{
		{PriorityLow, PriorityNormal},
		{PriorityNormal, PriorityHigh},
		{PriorityHigh, PriorityUrgent},
		{PriorityUrgent, PriorityUrgent}, // saturates
	}
	for _, tc := range cases {
		if got := tc.in.Promoted(); got != tc.want {
			t.Errorf("Promoted(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestPriorityJSON(t *testing.T) {
	data, err := json.Marshal(PriorityUrgent)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"urgent"` {
		t.Errorf("Expected \"urgent\", got %s", data)
	}

	var p JobPriority
	if err := json.Unmarshal([]byte(`"high"`), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p != PriorityHigh {
		t.Errorf("Expected high, got %s", p)
	}

	// Unknown names default to normal
	if err := json.Unmarshal([]byte(`"critical"`), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p != PriorityNormal {
		t.Errorf("Expected normal for unknown name, got %s", p)
	}
}

func TestJobSpecValidate(t *testing.T) {
	valid := JobSpec{
		JobType:         "training",
		DockerImage:     "pytorch/pytorch:latest",
		DeclaredTimeout: 300,
		Reward:          0.001,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid spec to pass: %v", err)
	}

	missing := valid
	missing.JobType = ""
	if err := missing.Validate(); err == nil {
		t.Error("Expected missing job_type to fail")
	}

	badTimeout := valid
	badTimeout.DeclaredTimeout = 0
	if err := badTimeout.Validate(); err == nil {
		t.Error("Expected non-positive timeout to fail")
	}

	negativeReward := valid
	negativeReward.Reward = -1
	if err := negativeReward.Validate(); err == nil {
		t.Error("Expected negative reward to fail")
	}
}

func TestCanRun(t *testing.T) {
	agent := &Agent{
		Healthy:       true,
		HasGPU:        true,
		GPUMemory:     8e9,
		MaxConcurrent: 2,
	}
	job := &Job{RequiresGPU: true, GPUMemoryRequired: 4e9}

	if !agent.CanRun(job) {
		t.Error("Expected agent to match job")
	}

	unhealthy := *agent
	unhealthy.Healthy = false
	if unhealthy.CanRun(job) {
		t.Error("Unhealthy agent must not match")
	}

	full := *agent
	full.CurrentLoad = 2
	if full.CanRun(job) {
		t.Error("Agent at capacity must not match")
	}

	small := *agent
	small.GPUMemory = 2e9
	if small.CanRun(job) {
		t.Error("Agent with insufficient GPU memory must not match")
	}

	cpuOnly := *agent
	cpuOnly.HasGPU = false
	cpuOnly.GPUMemory = 8e9
	if cpuOnly.CanRun(job) {
		t.Error("GPU job must not match CPU-only agent")
	}

	cpuJob := &Job{RequiresGPU: false}
	if !cpuOnly.CanRun(cpuJob) {
		t.Error("CPU job should match CPU-only agent")
	}
}

func TestEffectiveDeadline(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	j := &Job{DeclaredTimeout: 10, AdmittedAt: base}

	// Falls back to admitted_at with no assignment
	if got := j.EffectiveDeadline(1.2); !got.Equal(base.Add(12 * time.Second)) {
		t.Errorf("Expected deadline 12s after admitted, got %v", got)
	}

	assigned := base.Add(5 * time.Second)
	j.AssignedAt = &assigned
	if got := j.EffectiveDeadline(1.2); !got.Equal(assigned.Add(12 * time.Second)) {
		t.Errorf("Expected deadline 12s after assigned, got %v", got)
	}

	started := base.Add(8 * time.Second)
	j.StartedAt = &started
	if got := j.EffectiveDeadline(1.2); !got.Equal(started.Add(12 * time.Second)) {
		t.Errorf("Expected deadline 12s after started, got %v", got)
	}
}
