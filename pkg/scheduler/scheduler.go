// Package scheduler matches queued jobs to agents and runs the periodic
// maintenance loop: heartbeat sweep, timeout sweep, dispatch sweep and
// payment retry sweep, in that order.
package scheduler

import (
	"log"
	"sync"
	"time"

	"github.com/node3/marketplace/pkg/clock"
	"github.com/node3/marketplace/pkg/lifecycle"
	"github.com/node3/marketplace/pkg/models"
	"github.com/node3/marketplace/pkg/queue"
	"github.com/node3/marketplace/pkg/registry"
	"github.com/node3/marketplace/pkg/settlement"
	"github.com/node3/marketplace/pkg/store"
)

// Config holds scheduler tunables
type Config struct {
	RebalanceInterval time.Duration
	// TimeoutBuffer multiplies a job's declared timeout before the
	// maintenance loop reassigns it
	TimeoutBuffer float64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RebalanceInterval: 30 * time.Second,
		TimeoutBuffer:     1.2,
	}
}

// Metrics tracks scheduler activity
type Metrics struct {
	QueueDepth          int
	AssignmentAttempts  int
	AssignmentSuccesses int
	AssignmentFailures  int
	TimeoutCount        int
	HeartbeatExpiries   int
	PaymentRetries      int
	LastRun             time.Time
}

// Scheduler owns the dispatch decision and the maintenance loop
type Scheduler struct {
	store       store.Store
	registry    *registry.Registry
	queue       *queue.JobQueue
	lifecycle   *lifecycle.Controller
	settlements *settlement.Pool
	clock       clock.Clock
	config      Config

	mu      sync.Mutex
	metrics Metrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler
func New(st store.Store, reg *registry.Registry, q *queue.JobQueue, ctrl *lifecycle.Controller, pool *settlement.Pool, c clock.Clock, config Config) *Scheduler {
	if config.RebalanceInterval <= 0 {
		config.RebalanceInterval = 30 * time.Second
	}
	if config.TimeoutBuffer <= 0 {
		config.TimeoutBuffer = 1.2
	}
	return &Scheduler{
		store:       st,
		registry:    reg,
		queue:       q,
		lifecycle:   ctrl,
		settlements: pool,
		clock:       c,
		config:      config,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the maintenance loop
func (s *Scheduler) Start() {
	log.Printf("[Scheduler] Maintenance loop started (interval: %v)", s.config.RebalanceInterval)
	go s.run()
}

// Stop stops the loop. An in-flight pass finishes; a loop parked in its
// interval sleep is abandoned after a grace period.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	select {
	case <-s.doneCh:
		log.Println("[Scheduler] Maintenance loop stopped")
	case <-time.After(10 * time.Second):
		log.Println("[Scheduler] Stop timeout - maintenance loop abandoned mid-sleep")
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.clock.Sleep(s.config.RebalanceInterval)
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.RunOnce()
	}
}

// RunOnce executes a single maintenance pass. Exposed so tests can drive
// the loop against a virtual clock.
func (s *Scheduler) RunOnce() {
	s.mu.Lock()
	s.metrics.LastRun = s.clock.Now()
	s.mu.Unlock()

	s.sweepHeartbeats()
	s.sweepTimeouts()
	s.sweepDispatch()
	s.sweepPayments()
}

// sweepHeartbeats expires stale agents and reassigns their jobs
func (s *Scheduler) sweepHeartbeats() {
	expired := s.registry.ExpireHeartbeats()
	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	s.metrics.HeartbeatExpiries += len(expired)
	s.mu.Unlock()

	for _, agentID := range expired {
		jobs, err := s.store.GetJobsByAgent(agentID)
		if err != nil {
			log.Printf("[Health] Error loading jobs for dead agent %s: %v", agentID, err)
			continue
		}
		for _, job := range jobs {
			if !models.IsActiveState(job.State) {
				continue
			}
			if _, err := s.lifecycle.Reassign(job.ID, "agent unhealthy"); err != nil {
				log.Printf("[Health] Failed to reassign job %s from dead agent %s: %v",
					job.ID, agentID, err)
			}
		}
	}
}

// sweepTimeouts reassigns jobs that exceeded their effective timeout
func (s *Scheduler) sweepTimeouts() {
	now := s.clock.Now()
	for _, state := range []models.JobState{models.JobStateAssigned, models.JobStateRunning} {
		jobs, err := s.store.GetJobsInState(state)
		if err != nil {
			log.Printf("[Health] Error checking timeouts: %v", err)
			return
		}
		for _, job := range jobs {
			if now.After(job.EffectiveDeadline(s.config.TimeoutBuffer)) {
				log.Printf("[Health] Job %s timed out on agent %s", job.ID, job.AssignedAgentID)
				s.mu.Lock()
				s.metrics.TimeoutCount++
				s.mu.Unlock()
				if _, err := s.lifecycle.Reassign(job.ID, "timeout"); err != nil {
					log.Printf("[Health] Failed to reassign timed-out job %s: %v", job.ID, err)
				}
			}
		}
	}
}

// sweepDispatch assigns queued jobs to the best-scoring candidates
func (s *Scheduler) sweepDispatch() {
	s.mu.Lock()
	s.metrics.QueueDepth = s.queue.Len()
	s.mu.Unlock()

	// Bound the pass by the queue depth at entry so a job whose store
	// guard keeps failing cannot spin the sweep
	budget := s.queue.Len()
	for ; budget > 0; budget-- {
		agents := s.registry.Snapshot()
		job, ok := s.queue.PopBestMatch(func(j *models.Job) bool {
			return SelectAgent(j, agents) != nil
		})
		if !ok {
			return
		}

		agent := SelectAgent(job, agents)
		s.mu.Lock()
		s.metrics.AssignmentAttempts++
		s.mu.Unlock()

		now := s.clock.Now()
		assigned, err := s.store.AssignJob(job.ID, agent.ID, now)
		if err != nil {
			// Store unavailable: requeue and stop assigning this pass
			log.Printf("[Scheduler] Failed to assign job %s to agent %s: %v", job.ID, agent.ID, err)
			s.queue.Push(job)
			s.mu.Lock()
			s.metrics.AssignmentFailures++
			s.mu.Unlock()
			return
		}
		if !assigned {
			// Guard failed: the job left QUEUED concurrently (pull-style
			// accept) or the agent row is at capacity. Drop stale entries,
			// requeue live ones.
			current, err := s.store.GetJob(job.ID)
			if err == nil && current.State == models.JobStateQueued {
				s.queue.Push(current)
			}
			s.mu.Lock()
			s.metrics.AssignmentFailures++
			s.mu.Unlock()
			continue
		}

		s.registry.ApplyAssignment(agent.ID, now)
		s.mu.Lock()
		s.metrics.AssignmentSuccesses++
		s.mu.Unlock()
		log.Printf("[Scheduler] Assigned job %s (priority=%s) to agent %s (load: %.0f%%)",
			job.ID, job.Priority, agent.ID, agent.LoadPercent())
	}
}

// sweepPayments resubmits due payments to the settlement pool
func (s *Scheduler) sweepPayments() {
	due, err := s.store.GetDuePayments(s.clock.Now())
	if err != nil {
		log.Printf("[Settlement] Error finding due payments: %v", err)
		return
	}
	for _, payment := range due {
		s.mu.Lock()
		s.metrics.PaymentRetries++
		s.mu.Unlock()
		s.settlements.Submit(payment.ID)
	}
}

// GetMetrics returns a copy of the scheduler counters
func (s *Scheduler) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
