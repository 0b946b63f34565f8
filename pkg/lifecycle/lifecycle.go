// Package lifecycle owns the job state machine. It is the only writer of
// job state outside the scheduler's maintenance loop; every transition is
// a guarded compound store operation, so a handler either commits fully or
// leaves the state unchanged.
package lifecycle

import (
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/node3/marketplace/pkg/clock"
	"github.com/node3/marketplace/pkg/models"
	"github.com/node3/marketplace/pkg/queue"
	"github.com/node3/marketplace/pkg/registry"
	"github.com/node3/marketplace/pkg/settlement"
	"github.com/node3/marketplace/pkg/store"
)

var (
	// ErrConflict marks a state-machine violation: the job is not in the
	// state the operation requires, or belongs to another agent.
	ErrConflict = errors.New("job state conflict")

	// ErrInvalid marks a semantically invalid job submission
	ErrInvalid = errors.New("invalid job spec")
)

// Config holds lifecycle tunables
type Config struct {
	MaxRetries int
	// Reward thresholds for the admission priority heuristic
	PriorityHighReward   float64
	PriorityNormalReward float64
	// MarketplaceWallet funds settlements
	MarketplaceWallet string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		PriorityHighReward:   0.01,
		PriorityNormalReward: 0.001,
	}
}

// Controller drives job transitions
type Controller struct {
	store       store.Store
	registry    *registry.Registry
	queue       *queue.JobQueue
	settlements *settlement.Pool
	clock       clock.Clock
	config      Config
}

// NewController creates a lifecycle controller
func NewController(st store.Store, reg *registry.Registry, q *queue.JobQueue, pool *settlement.Pool, c clock.Clock, config Config) *Controller {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.PriorityHighReward == 0 {
		config.PriorityHighReward = 0.01
	}
	if config.PriorityNormalReward == 0 {
		config.PriorityNormalReward = 0.001
	}
	return &Controller{
		store:       st,
		registry:    reg,
		queue:       q,
		settlements: pool,
		clock:       c,
		config:      config,
	}
}

// PriorityForReward derives the admission priority from the posted reward
func (c *Controller) PriorityForReward(reward float64) models.JobPriority {
	switch {
	case reward >= c.config.PriorityHighReward:
		return models.PriorityHigh
	case reward >= c.config.PriorityNormalReward:
		return models.PriorityNormal
	default:
		return models.PriorityLow
	}
}

// Admit validates a job spec and writes it to the queue
func (c *Controller) Admit(spec *models.JobSpec) (*models.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	job := &models.Job{
		ID:                uuid.New().String(),
		JobType:           spec.JobType,
		DockerImage:       spec.DockerImage,
		Command:           spec.Command,
		Env:               spec.Env,
		RequiresGPU:       spec.RequiresGPU,
		GPUMemoryRequired: spec.GPUMemoryRequired,
		DeclaredTimeout:   spec.DeclaredTimeout,
		Reward:            spec.Reward,
		State:             models.JobStateQueued,
		Priority:          c.PriorityForReward(spec.Reward),
		MaxRetries:        c.config.MaxRetries,
		AdmittedAt:        c.clock.Now(),
	}

	if err := c.store.CreateJob(job); err != nil {
		return nil, err
	}
	c.queue.Push(job)
	log.Printf("[Lifecycle] Job admitted: %s (type=%s, priority=%s, reward=%.6f)",
		job.ID, job.JobType, job.Priority, job.Reward)
	return job, nil
}

// Pull returns up to limit queued jobs matching the agent's capability,
// without transitioning them. Read-only preview for pull-style agents.
func (c *Controller) Pull(agentID string, limit int) ([]*models.Job, error) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	matching := []*models.Job{}
	for _, job := range c.queue.Snapshot() {
		if agent.GPUMemory >= job.GPUMemoryRequired && (!job.RequiresGPU || agent.HasGPU) {
			matching = append(matching, job)
			if len(matching) == limit {
				break
			}
		}
	}
	return matching, nil
}

// Accept transitions queued → assigned for a pull-style agent
func (c *Controller) Accept(agentID, jobID string) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return err
	}
	if job.State != models.JobStateQueued || !agent.CanRun(job) {
		return ErrConflict
	}

	now := c.clock.Now()
	ok, err := c.store.AssignJob(jobID, agentID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}

	c.queue.Remove(jobID)
	c.registry.ApplyAssignment(agentID, now)
	log.Printf("[Lifecycle] Job %s accepted by agent %s", jobID, agentID)
	return nil
}

// Started transitions assigned → running for the owning agent
func (c *Controller) Started(agentID, jobID string) error {
	ok, err := c.store.StartJob(jobID, agentID, c.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Complete transitions running → completed, creating the pending payment
// row in the same transaction, and enqueues the settlement submission.
// Settlement failures never affect the result: once the transition
// commits, the job is completed regardless of payment state.
func (c *Controller) Complete(agentID, jobID string, duration float64, summary string) (*models.Payment, error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateRunning || job.AssignedAgentID != agentID {
		return nil, ErrConflict
	}
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now()
	payment := &models.Payment{
		ID:         uuid.New().String(),
		JobID:      jobID,
		AgentID:    agentID,
		FromWallet: c.config.MarketplaceWallet,
		ToWallet:   agent.WalletAddress,
		Amount:     job.Reward,
		State:      models.PaymentStatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	ok, err := c.store.CompleteJob(jobID, agentID, now, summary, payment)
	if err != nil {
		if errors.Is(err, store.ErrDuplicatePayment) {
			return nil, ErrConflict
		}
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	c.registry.ReleaseSlot(agentID)
	c.registry.ObserveCompletion(agentID, duration, job.Reward)
	c.settlements.Submit(payment.ID)

	log.Printf("[Lifecycle] Job %s completed by agent %s in %.1fs (payment %s pending)",
		jobID, agentID, duration, payment.ID)
	return payment, nil
}

// Fail records an agent-reported failure and reassigns the job
func (c *Controller) Fail(agentID, jobID, errMsg string) error {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if !models.IsActiveState(job.State) || job.AssignedAgentID != agentID {
		return ErrConflict
	}

	if _, err := c.reassign(jobID, agentID, errMsg); err != nil {
		return err
	}
	c.registry.ObserveFailure(agentID)
	log.Printf("[Lifecycle] Job %s failed on agent %s: %s", jobID, agentID, errMsg)
	return nil
}

// Reassign moves an in-flight job back to the queue (or to abandoned when
// the retry budget is spent) after a timeout or heartbeat loss. Called by
// the maintenance loop.
func (c *Controller) Reassign(jobID, reason string) (*models.Job, error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !models.IsActiveState(job.State) {
		return nil, ErrConflict
	}
	updated, err := c.reassign(jobID, job.AssignedAgentID, reason)
	if err != nil {
		return nil, err
	}
	c.registry.ObserveRetry(job.AssignedAgentID)
	return updated, nil
}

// reassign performs the store transition and queue/registry bookkeeping
func (c *Controller) reassign(jobID, oldAgentID, reason string) (*models.Job, error) {
	updated, err := c.store.ReassignJob(jobID, c.clock.Now(), reason)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, ErrConflict
		}
		return nil, err
	}

	c.registry.ReleaseSlot(oldAgentID)

	if updated.State == models.JobStateQueued {
		c.queue.Push(updated)
		log.Printf("[Lifecycle] Job %s requeued (attempt %d/%d, priority=%s, reason: %s)",
			jobID, updated.RetryCount, updated.MaxRetries, updated.Priority, reason)
	} else {
		log.Printf("[Lifecycle] Job %s abandoned after %d retries: %s",
			jobID, updated.RetryCount, reason)
	}
	return updated, nil
}

// Heartbeat forwards a liveness signal to the registry
func (c *Controller) Heartbeat(agentID string, status *models.HeartbeatStatus) error {
	return c.registry.Heartbeat(agentID, status)
}
