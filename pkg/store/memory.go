package store

import (
	"sort"
	"sync"
	"time"

	"github.com/node3/marketplace/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store. A single
// read-write mutex guards all state: writes, including the compound
// operations, hold it exclusively, which makes them trivially atomic;
// reads share it. Used for tests and ephemeral deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent
	jobs     map[string]*models.Job
	payments map[string]*models.Payment
	byJobID  map[string]string // job_id -> payment_id
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*models.Agent),
		jobs:     make(map[string]*models.Job),
		payments: make(map[string]*models.Payment),
		byJobID:  make(map[string]string),
	}
}

func cloneAgent(a *models.Agent) *models.Agent {
	c := *a
	if a.LastAssignedAt != nil {
		t := *a.LastAssignedAt
		c.LastAssignedAt = &t
	}
	return &c
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Command = append([]string(nil), j.Command...)
	if j.Env != nil {
		c.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			c.Env[k] = v
		}
	}
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		c.AssignedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func clonePayment(p *models.Payment) *models.Payment {
	c := *p
	return &c
}

// Agent operations

func (s *MemoryStore) CreateAgent(agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemoryStore) GetAgent(id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(agent), nil
}

func (s *MemoryStore) GetAgentByWallet(wallet string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, agent := range s.agents {
		if agent.WalletAddress == wallet {
			return cloneAgent(agent), nil
		}
	}
	return nil, ErrAgentNotFound
}

func (s *MemoryStore) GetAgentByCredentialHash(hash string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, agent := range s.agents {
		if agent.CredentialHash == hash {
			return cloneAgent(agent), nil
		}
	}
	return nil, ErrAgentNotFound
}

func (s *MemoryStore) GetAllAgents() []*models.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, cloneAgent(agent))
	}
	return agents
}

func (s *MemoryStore) UpdateAgent(agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; !ok {
		return ErrAgentNotFound
	}
	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemoryStore) UpdateAgentHeartbeat(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	agent.LastHeartbeat = at
	agent.Healthy = true
	return nil
}

// Job operations

func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	return jobs
}

func (s *MemoryStore) GetJobsInState(state models.JobState) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := []*models.Job{}
	for _, job := range s.jobs {
		if job.State == state {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].AdmittedAt.Before(jobs[k].AdmittedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) GetJobsByAgent(agentID string) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := []*models.Job{}
	for _, job := range s.jobs {
		if job.AssignedAgentID == agentID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs, nil
}

// Compound operations

func (s *MemoryStore) AssignJob(jobID, agentID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	agent, ok := s.agents[agentID]
	if !ok {
		return false, ErrAgentNotFound
	}

	if job.State != models.JobStateQueued {
		return false, nil
	}
	if agent.CurrentLoad >= agent.MaxConcurrent {
		return false, nil
	}

	job.State = models.JobStateAssigned
	job.AssignedAgentID = agentID
	assignedAt := now
	job.AssignedAt = &assignedAt
	agent.CurrentLoad++
	last := now
	agent.LastAssignedAt = &last
	return true, nil
}

func (s *MemoryStore) StartJob(jobID, agentID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if job.State != models.JobStateAssigned || job.AssignedAgentID != agentID {
		return false, nil
	}
	job.State = models.JobStateRunning
	startedAt := now
	job.StartedAt = &startedAt
	return true, nil
}

func (s *MemoryStore) CompleteJob(jobID, agentID string, now time.Time, summary string, payment *models.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	agent, ok := s.agents[agentID]
	if !ok {
		return false, ErrAgentNotFound
	}
	if job.State != models.JobStateRunning || job.AssignedAgentID != agentID {
		return false, nil
	}
	if _, exists := s.byJobID[jobID]; exists {
		return false, ErrDuplicatePayment
	}

	job.State = models.JobStateCompleted
	completedAt := now
	job.CompletedAt = &completedAt
	job.OutputSummary = summary
	job.PaymentID = payment.ID

	s.payments[payment.ID] = clonePayment(payment)
	s.byJobID[jobID] = payment.ID

	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
	return true, nil
}

func (s *MemoryStore) ReassignJob(jobID string, now time.Time, reason string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !models.IsActiveState(job.State) {
		return nil, ErrJobNotFound
	}

	if agent, ok := s.agents[job.AssignedAgentID]; ok && agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Priority = job.Priority.Promoted()
		job.State = models.JobStateQueued
		job.AssignedAgentID = ""
		job.AssignedAt = nil
		job.StartedAt = nil
		job.LastError = reason
	} else {
		job.State = models.JobStateAbandoned
		job.LastError = reason
		completedAt := now
		job.CompletedAt = &completedAt
	}
	return cloneJob(job), nil
}

// Payment operations

func (s *MemoryStore) GetPayment(id string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payment, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(payment), nil
}

func (s *MemoryStore) GetPaymentByJobID(jobID string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paymentID, ok := s.byJobID[jobID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(s.payments[paymentID]), nil
}

func (s *MemoryStore) GetAllPayments() []*models.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payments := make([]*models.Payment, 0, len(s.payments))
	for _, payment := range s.payments {
		payments = append(payments, clonePayment(payment))
	}
	return payments
}

func (s *MemoryStore) GetDuePayments(now time.Time) ([]*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := []*models.Payment{}
	for _, payment := range s.payments {
		if payment.Settled() || payment.Parked() {
			continue
		}
		if payment.State == models.PaymentStateSubmitted {
			continue
		}
		if !payment.NextRetryAt.After(now) {
			due = append(due, clonePayment(payment))
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	return due, nil
}

func (s *MemoryStore) UpdatePayment(payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[payment.ID]; !ok {
		return ErrPaymentNotFound
	}
	s.payments[payment.ID] = clonePayment(payment)
	return nil
}

// Metrics returns aggregate counters over the full data set
func (s *MemoryStore) Metrics() (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &Metrics{
		JobsByState:     make(map[models.JobState]int),
		QueueByPriority: make(map[string]int),
		PaymentsByState: make(map[models.PaymentState]int),
	}
	for _, job := range s.jobs {
		m.JobsByState[job.State]++
		if job.State == models.JobStateQueued {
			m.QueueDepth++
			m.QueueByPriority[job.Priority.String()]++
		}
	}
	for _, agent := range s.agents {
		m.AgentsTotal++
		if agent.Healthy {
			m.AgentsHealthy++
			m.CapacityTotal += agent.MaxConcurrent
			m.LoadTotal += agent.CurrentLoad
		}
	}
	for _, payment := range s.payments {
		m.PaymentsByState[payment.State]++
		if payment.State == models.PaymentStateConfirmed {
			m.PaymentsTotalSOL += payment.Amount
		}
	}
	return m, nil
}

// Lifecycle

func (s *MemoryStore) Close() error       { return nil }
func (s *MemoryStore) HealthCheck() error { return nil }
func (s *MemoryStore) Vacuum() error      { return nil }

// AuditAgentLoad recomputes each agent's load from its assigned jobs and
// reports mismatches. Used by the invariant tests.
func (s *MemoryStore) AuditAgentLoad() map[string][2]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counted := make(map[string]int)
	for _, job := range s.jobs {
		if models.IsActiveState(job.State) && job.AssignedAgentID != "" {
			counted[job.AssignedAgentID]++
		}
	}
	mismatches := make(map[string][2]int)
	for id, agent := range s.agents {
		if agent.CurrentLoad != counted[id] {
			mismatches[id] = [2]int{agent.CurrentLoad, counted[id]}
		}
	}
	return mismatches
}
