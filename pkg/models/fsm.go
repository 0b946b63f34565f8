package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobState]map[JobState]bool{
	JobStateQueued: {
		JobStateAssigned: true, // queued → assigned (dispatch or accept)
	},
	JobStateAssigned: {
		JobStateRunning:   true, // assigned → running (agent starts execution)
		JobStateQueued:    true, // assigned → queued (reassign, retries remain)
		JobStateFailed:    true, // assigned → failed (assignment validation failed)
		JobStateAbandoned: true, // assigned → abandoned (retry budget exhausted)
	},
	JobStateRunning: {
		JobStateCompleted: true, // running → completed (agent reports success)
		JobStateQueued:    true, // running → queued (reassign, retries remain)
		JobStateFailed:    true, // running → failed (non-retryable execution error)
		JobStateAbandoned: true, // running → abandoned (retry budget exhausted)
	},
	// Terminal states
	JobStateCompleted: {},
	JobStateFailed:    {},
	JobStateAbandoned: {},
}

// ValidateTransition checks whether a job may move between two states
func ValidateTransition(from, to JobState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsActiveState returns true while a job occupies a slot on an agent
func IsActiveState(state JobState) bool {
	return state == JobStateAssigned || state == JobStateRunning
}
