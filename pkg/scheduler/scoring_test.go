package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/node3/marketplace/pkg/models"
)

func candidate(id string) *models.Agent {
	return &models.Agent{
		ID:            id,
		Healthy:       true,
		HasGPU:        true,
		GPUMemory:     8e9,
		MaxConcurrent: 2,
	}
}

func TestScoreWeights(t *testing.T) {
	// Fresh agent: availability 1.0, success 0 (no history), speed clamps
	// to 1.0
	fresh := candidate("fresh")
	if got := Score(fresh); math.Abs(got-0.7) > 1e-9 {
		t.Errorf("Expected score 0.7 for fresh agent, got %f", got)
	}

	// Perfect record, fast: every component saturates
	proven := candidate("proven")
	proven.TotalCompleted = 10
	proven.AvgDurationSeconds = 30
	if got := Score(proven); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Expected score 1.0 for proven agent, got %f", got)
	}

	// Half-loaded, perfect record, slow: 0.5*0.5 + 0.3*1.0 + 0.2*(60/120)
	slow := candidate("slow")
	slow.CurrentLoad = 1
	slow.TotalCompleted = 10
	slow.AvgDurationSeconds = 120
	want := 0.5*0.5 + 0.3*1.0 + 0.2*0.5
	if got := Score(slow); math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected score %f, got %f", want, got)
	}

	// Failing agent: success rate 0.5
	flaky := candidate("flaky")
	flaky.TotalCompleted = 5
	flaky.TotalFailed = 5
	flaky.AvgDurationSeconds = 60
	want = 0.5*1.0 + 0.3*0.5 + 0.2*1.0
	if got := Score(flaky); math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected score %f, got %f", want, got)
	}
}

func TestSelectAgentPicksHighestScore(t *testing.T) {
	job := &models.Job{RequiresGPU: true, GPUMemoryRequired: 4e9}

	idle := candidate("idle")
	busy := candidate("busy")
	busy.CurrentLoad = 1

	best := SelectAgent(job, []*models.Agent{busy, idle})
	if best == nil || best.ID != "idle" {
		t.Errorf("Expected idle agent, got %+v", best)
	}
}

func TestSelectAgentFiltersNonMatching(t *testing.T) {
	job := &models.Job{RequiresGPU: true, GPUMemoryRequired: 16e9}

	small := candidate("small") // 8GB, cannot fit
	if got := SelectAgent(job, []*models.Agent{small}); got != nil {
		t.Errorf("Expected no candidate, got %s", got.ID)
	}

	big := candidate("big")
	big.GPUMemory = 24e9
	if got := SelectAgent(job, []*models.Agent{small, big}); got == nil || got.ID != "big" {
		t.Errorf("Expected big agent, got %+v", got)
	}
}

func TestSelectAgentTieBreaks(t *testing.T) {
	job := &models.Job{}

	// Equal scores: never-assigned beats previously-assigned
	assigned := candidate("assigned")
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assigned.LastAssignedAt = &at
	never := candidate("never")

	best := SelectAgent(job, []*models.Agent{assigned, never})
	if best.ID != "never" {
		t.Errorf("Expected never-assigned agent, got %s", best.ID)
	}

	// Both assigned: earlier assignment wins
	earlier := candidate("earlier")
	e := at.Add(-time.Minute)
	earlier.LastAssignedAt = &e
	best = SelectAgent(job, []*models.Agent{assigned, earlier})
	if best.ID != "earlier" {
		t.Errorf("Expected earlier-assigned agent, got %s", best.ID)
	}

	// Identical timestamps: lexicographic id
	twinA := candidate("aa")
	twinB := candidate("bb")
	twinA.LastAssignedAt = &at
	twinB.LastAssignedAt = &at
	best = SelectAgent(job, []*models.Agent{twinB, twinA})
	if best.ID != "aa" {
		t.Errorf("Expected lexicographic winner aa, got %s", best.ID)
	}
}
