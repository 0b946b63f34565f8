// Package registry maintains the authoritative in-memory view of every
// registered agent: capacity, health, rolling stats. Changes are written
// through to the store; the in-memory map is rebuilt from the store on
// startup.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/node3/marketplace/pkg/auth"
	"github.com/node3/marketplace/pkg/clock"
	"github.com/node3/marketplace/pkg/models"
	"github.com/node3/marketplace/pkg/store"
)

var ErrUnauthorized = errors.New("invalid agent credential")

// ewmaAlpha is the smoothing factor for the average-duration estimate
const ewmaAlpha = 0.2

// Config holds registry tunables
type Config struct {
	HeartbeatTimeout     time.Duration
	DefaultMaxConcurrent int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:     60 * time.Second,
		DefaultMaxConcurrent: 2,
	}
}

// Registry tracks agent capacity, health and rolling stats
type Registry struct {
	mu          sync.RWMutex
	store       store.Store
	clock       clock.Clock
	config      Config
	agents      map[string]*models.Agent
	credentials map[string]string // credential hash -> agent id
}

// New creates a registry backed by the given store
func New(st store.Store, c clock.Clock, config Config) *Registry {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 60 * time.Second
	}
	if config.DefaultMaxConcurrent <= 0 {
		config.DefaultMaxConcurrent = 2
	}
	return &Registry{
		store:       st,
		clock:       c,
		config:      config,
		agents:      make(map[string]*models.Agent),
		credentials: make(map[string]string),
	}
}

// Rebuild reloads the in-memory view from the store. Called on startup;
// the store is the source of truth.
func (r *Registry) Rebuild() error {
	agents := r.store.GetAllAgents()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]*models.Agent, len(agents))
	r.credentials = make(map[string]string, len(agents))
	for _, agent := range agents {
		r.agents[agent.ID] = agent
		if agent.CredentialHash != "" {
			r.credentials[agent.CredentialHash] = agent.ID
		}
	}
	log.Printf("[Registry] Rebuilt from store: %d agents", len(agents))
	return nil
}

// Register creates a new agent or refreshes an existing one (same wallet
// and GPU model). A fresh credential is issued either way and returned
// exactly once; only its hash is retained.
func (r *Registry) Register(reg *models.AgentRegistration) (*models.Agent, string, error) {
	credential, err := auth.GenerateCredential()
	if err != nil {
		return nil, "", err
	}
	credentialHash := auth.HashCredential(credential)
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var agent *models.Agent
	created := false
	for _, existing := range r.agents {
		if existing.WalletAddress == reg.WalletAddress && existing.GPUModel == reg.GPUModel {
			agent = existing
			break
		}
	}

	if agent != nil {
		// Re-registration: refresh capability, rotate the credential
		delete(r.credentials, agent.CredentialHash)
		agent.GPUVendor = reg.GPUVendor
		agent.GPUMemory = reg.GPUMemory
		agent.HasGPU = reg.GPUMemory > 0 || reg.GPUModel != ""
		agent.ComputeCapability = reg.ComputeCapability
		agent.CredentialHash = credentialHash
		agent.LastHeartbeat = now
		agent.Healthy = true
		log.Printf("[Registry] Agent re-registered: %s (%s, %.1fGB)",
			agent.ID, agent.GPUModel, float64(agent.GPUMemory)/1e9)
	} else {
		agent = &models.Agent{
			ID:                uuid.New().String(),
			WalletAddress:     reg.WalletAddress,
			GPUVendor:         reg.GPUVendor,
			GPUModel:          reg.GPUModel,
			GPUMemory:         reg.GPUMemory,
			HasGPU:            reg.GPUMemory > 0 || reg.GPUModel != "",
			ComputeCapability: reg.ComputeCapability,
			MaxConcurrent:     r.config.DefaultMaxConcurrent,
			Healthy:           true,
			LastHeartbeat:     now,
			ReputationScore:   1.0,
			CredentialHash:    credentialHash,
			RegisteredAt:      now,
		}
		r.agents[agent.ID] = agent
		created = true
		log.Printf("[Registry] Agent registered: %s (%s, %.1fGB, %d slots)",
			agent.ID, agent.GPUModel, float64(agent.GPUMemory)/1e9, agent.MaxConcurrent)
	}
	r.credentials[credentialHash] = agent.ID

	if err := r.store.CreateAgent(agent); err != nil {
		delete(r.credentials, credentialHash)
		if created {
			delete(r.agents, agent.ID)
		}
		return nil, "", fmt.Errorf("failed to persist agent: %w", err)
	}
	return snapshot(agent), credential, nil
}

// Authenticate resolves a bearer credential to an agent id
func (r *Registry) Authenticate(credential string) (string, error) {
	hash := auth.HashCredential(credential)
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.credentials[hash]
	if !ok {
		return "", ErrUnauthorized
	}
	return agentID, nil
}

// Heartbeat updates the agent's liveness. Last writer wins on the
// heartbeat timestamp.
func (r *Registry) Heartbeat(agentID string, status *models.HeartbeatStatus) error {
	now := r.clock.Now()

	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return store.ErrAgentNotFound
	}
	agent.LastHeartbeat = now
	agent.Healthy = true
	r.mu.Unlock()

	if err := r.store.UpdateAgentHeartbeat(agentID, now); err != nil {
		log.Printf("[Registry] Warning: failed to persist heartbeat for %s: %v", agentID, err)
	}
	return nil
}

// ObserveCompletion updates rolling counters after a successful job.
// Called after the store transaction has released the slot, so the
// persisted row carries a consistent load.
func (r *Registry) ObserveCompletion(agentID string, duration float64, reward float64) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	agent.TotalCompleted++
	agent.TotalEarned += reward
	if agent.AvgDurationSeconds == 0 {
		agent.AvgDurationSeconds = duration
	} else {
		agent.AvgDurationSeconds = ewmaAlpha*duration + (1-ewmaAlpha)*agent.AvgDurationSeconds
	}
	agent.ReputationScore = min(1.0, agent.ReputationScore+0.001)
	r.persistLocked(agent)
	r.mu.Unlock()
}

// ObserveFailure updates rolling counters after an agent-reported failure
func (r *Registry) ObserveFailure(agentID string) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	agent.TotalFailed++
	agent.ReputationScore = max(0, agent.ReputationScore-0.01)
	r.persistLocked(agent)
	r.mu.Unlock()
}

// ObserveRetry counts a job retried away from this agent after a timeout
// or heartbeat loss
func (r *Registry) ObserveRetry(agentID string) {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	agent.TotalRetried++
	r.persistLocked(agent)
	r.mu.Unlock()
}

// ApplyAssignment mirrors a committed store assignment into the cache.
// The store transaction already incremented the durable load.
func (r *Registry) ApplyAssignment(agentID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	agent.CurrentLoad++
	last := at
	agent.LastAssignedAt = &last
}

// ReleaseSlot mirrors a committed store slot release into the cache
func (r *Registry) ReleaseSlot(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	if agent.CurrentLoad > 0 {
		agent.CurrentLoad--
	}
}

// ExpireHeartbeats marks agents unhealthy whose heartbeat is older than
// the timeout and returns the ids that just transitioned.
func (r *Registry) ExpireHeartbeats() []string {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := []string{}
	for id, agent := range r.agents {
		if !agent.Healthy {
			continue
		}
		if now.Sub(agent.LastHeartbeat) > r.config.HeartbeatTimeout {
			agent.Healthy = false
			expired = append(expired, id)
			log.Printf("[Registry] Agent %s unhealthy (no heartbeat for %v)",
				id, now.Sub(agent.LastHeartbeat))
			r.persistLocked(agent)
		}
	}
	return expired
}

// Get returns a snapshot of one agent
func (r *Registry) Get(agentID string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, store.ErrAgentNotFound
	}
	return snapshot(agent), nil
}

// Snapshot returns a copy of every agent
func (r *Registry) Snapshot() []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, snapshot(agent))
	}
	return out
}

// AvailableSlots returns the free capacity of an agent
func (r *Registry) AvailableSlots(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return 0
	}
	return agent.AvailableSlots()
}

// persistLocked writes an agent through to the store. Registry callers
// hold the lock; persistence failures degrade to a warning since the
// store row is reconciled on the next change.
func (r *Registry) persistLocked(agent *models.Agent) {
	if err := r.store.UpdateAgent(agent); err != nil {
		log.Printf("[Registry] Warning: failed to persist agent %s: %v", agent.ID, err)
	}
}

func snapshot(agent *models.Agent) *models.Agent {
	c := *agent
	if agent.LastAssignedAt != nil {
		t := *agent.LastAssignedAt
		c.LastAssignedAt = &t
	}
	return &c
}
