package scheduler

import (
	"github.com/node3/marketplace/pkg/models"
)

// Scoring weights: free capacity dominates, then track record, then speed
const (
	availabilityWeight = 0.5
	successWeight      = 0.3
	speedWeight        = 0.2

	// speedPivot is the duration at which the speed component saturates
	speedPivotSeconds = 60.0
)

// Score rates a candidate agent in [0,1]. Pure over the agent snapshot.
func Score(agent *models.Agent) float64 {
	maxConcurrent := agent.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	availability := float64(agent.AvailableSlots()) / float64(maxConcurrent)

	avgDuration := agent.AvgDurationSeconds
	if avgDuration < 1 {
		avgDuration = 1
	}
	speed := speedPivotSeconds / avgDuration
	if speed > 1 {
		speed = 1
	}

	return availabilityWeight*availability + successWeight*agent.SuccessRate() + speedWeight*speed
}

// SelectAgent picks the best-scoring candidate for a job, or nil when no
// agent matches. Ties break on earliest last assignment, then agent id.
func SelectAgent(job *models.Job, agents []*models.Agent) *models.Agent {
	var best *models.Agent
	var bestScore float64

	for _, agent := range agents {
		if !agent.CanRun(job) {
			continue
		}
		score := Score(agent)
		if best == nil || score > bestScore {
			best = agent
			bestScore = score
			continue
		}
		if score == bestScore && assignedEarlier(agent, best) {
			best = agent
		}
	}
	return best
}

// assignedEarlier orders agents for the tie-break: never-assigned first,
// then oldest last assignment, then lexicographic id
func assignedEarlier(a, b *models.Agent) bool {
	switch {
	case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
		return true
	case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
		return false
	case a.LastAssignedAt != nil && b.LastAssignedAt != nil:
		if !a.LastAssignedAt.Equal(*b.LastAssignedAt) {
			return a.LastAssignedAt.Before(*b.LastAssignedAt)
		}
	}
	return a.ID < b.ID
}
