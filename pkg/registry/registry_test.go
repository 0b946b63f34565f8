package registry

import (
	"math"
	"testing"
	"time"

	"github.com/node3/marketplace/pkg/clock"
	"github.com/node3/marketplace/pkg/models"
	"github.com/node3/marketplace/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore, *clock.Virtual) {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := New(st, clk, DefaultConfig())
	return reg, st, clk
}

func registration(wallet, gpuModel string) *models.AgentRegistration {
	return &models.AgentRegistration{
		WalletAddress: wallet,
		GPUVendor:     "NVIDIA",
		GPUModel:      gpuModel,
		GPUMemory:     8e9,
	}
}

func TestRegisterIssuesCredentialOnce(t *testing.T) {
	reg, st, _ := newTestRegistry(t)

	agent, credential, err := reg.Register(registration("wallet-1", "RTX 4090"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if credential == "" {
		t.Fatal("Expected a credential")
	}
	if agent.MaxConcurrent != 2 {
		t.Errorf("Expected default max_concurrent 2, got %d", agent.MaxConcurrent)
	}

	// The credential authenticates
	agentID, err := reg.Authenticate(credential)
	if err != nil || agentID != agent.ID {
		t.Errorf("Authenticate = %q, %v; want %q", agentID, err, agent.ID)
	}

	// Only the hash is persisted
	stored, err := st.GetAgent(agent.ID)
	if err != nil {
		t.Fatalf("Agent not persisted: %v", err)
	}
	if stored.CredentialHash == credential || stored.CredentialHash == "" {
		t.Error("Store must hold a hash, never the plaintext credential")
	}
}

func TestAuthenticateRejectsUnknownCredential(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if _, err := reg.Authenticate("bogus"); err != ErrUnauthorized {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestReRegistrationRotatesCredential(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	first, cred1, _ := reg.Register(registration("wallet-1", "RTX 4090"))
	updated := registration("wallet-1", "RTX 4090")
	updated.GPUMemory = 24e9
	second, cred2, err := reg.Register(updated)
	if err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("Re-registration must keep the agent id: %s != %s", first.ID, second.ID)
	}
	if second.GPUMemory != 24e9 {
		t.Errorf("Capability must refresh, got %d", second.GPUMemory)
	}
	if _, err := reg.Authenticate(cred1); err == nil {
		t.Error("Old credential must stop working")
	}
	if id, err := reg.Authenticate(cred2); err != nil || id != second.ID {
		t.Errorf("New credential must work: %q, %v", id, err)
	}
}

func TestDistinctGPURegistersNewAgent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	a, _, _ := reg.Register(registration("wallet-1", "RTX 4090"))
	b, _, _ := reg.Register(registration("wallet-1", "RTX 3080"))
	if a.ID == b.ID {
		t.Error("Different GPU on the same wallet must register a new agent")
	}
}

func TestHeartbeatExpiry(t *testing.T) {
	reg, _, clk := newTestRegistry(t)
	agent, _, _ := reg.Register(registration("wallet-1", "RTX 4090"))

	// No expiry inside the window
	clk.Advance(59 * time.Second)
	if expired := reg.ExpireHeartbeats(); len(expired) != 0 {
		t.Errorf("Expected no expiries at 59s, got %v", expired)
	}

	// Expiry just past the window
	clk.Advance(2 * time.Second)
	expired := reg.ExpireHeartbeats()
	if len(expired) != 1 || expired[0] != agent.ID {
		t.Fatalf("Expected %s expired, got %v", agent.ID, expired)
	}

	got, _ := reg.Get(agent.ID)
	if got.Healthy {
		t.Error("Expired agent must be unhealthy")
	}

	// A second sweep does not re-report it
	if expired := reg.ExpireHeartbeats(); len(expired) != 0 {
		t.Errorf("Already-unhealthy agent must not re-expire, got %v", expired)
	}

	// A heartbeat restores health
	if err := reg.Heartbeat(agent.ID, nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	got, _ = reg.Get(agent.ID)
	if !got.Healthy {
		t.Error("Heartbeat must restore health")
	}
}

func TestObserveCompletionEWMA(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	agent, _, _ := reg.Register(registration("wallet-1", "RTX 4090"))

	// First observation seeds the average
	reg.ObserveCompletion(agent.ID, 100, 0.001)
	got, _ := reg.Get(agent.ID)
	if got.AvgDurationSeconds != 100 {
		t.Errorf("Expected avg 100, got %.1f", got.AvgDurationSeconds)
	}

	// Second observation: 0.2*50 + 0.8*100 = 90
	reg.ObserveCompletion(agent.ID, 50, 0.001)
	got, _ = reg.Get(agent.ID)
	if math.Abs(got.AvgDurationSeconds-90) > 1e-9 {
		t.Errorf("Expected avg 90, got %.4f", got.AvgDurationSeconds)
	}

	if got.TotalCompleted != 2 {
		t.Errorf("Expected 2 completions, got %d", got.TotalCompleted)
	}
	if math.Abs(got.TotalEarned-0.002) > 1e-12 {
		t.Errorf("Expected earnings 0.002, got %.6f", got.TotalEarned)
	}
}

func TestReputationBounds(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	agent, _, _ := reg.Register(registration("wallet-1", "RTX 4090"))

	// Reputation never exceeds 1.0
	reg.ObserveCompletion(agent.ID, 10, 0)
	got, _ := reg.Get(agent.ID)
	if got.ReputationScore > 1.0 {
		t.Errorf("Reputation must cap at 1.0, got %f", got.ReputationScore)
	}

	// Reputation never drops below 0
	for i := 0; i < 200; i++ {
		reg.ObserveFailure(agent.ID)
	}
	got, _ = reg.Get(agent.ID)
	if got.ReputationScore < 0 {
		t.Errorf("Reputation must floor at 0, got %f", got.ReputationScore)
	}
}

func TestRebuildFromStore(t *testing.T) {
	reg, st, clk := newTestRegistry(t)
	agent, credential, _ := reg.Register(registration("wallet-1", "RTX 4090"))

	// A fresh registry over the same store recovers agents and credentials
	rebuilt := New(st, clk, DefaultConfig())
	if err := rebuilt.Rebuild(); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if id, err := rebuilt.Authenticate(credential); err != nil || id != agent.ID {
		t.Errorf("Rebuilt registry must authenticate: %q, %v", id, err)
	}
	if _, err := rebuilt.Get(agent.ID); err != nil {
		t.Errorf("Rebuilt registry must hold the agent: %v", err)
	}
}

func TestSlotAccounting(t *testing.T) {
	reg, _, clk := newTestRegistry(t)
	agent, _, _ := reg.Register(registration("wallet-1", "RTX 4090"))

	reg.ApplyAssignment(agent.ID, clk.Now())
	if reg.AvailableSlots(agent.ID) != 1 {
		t.Errorf("Expected 1 free slot, got %d", reg.AvailableSlots(agent.ID))
	}
	reg.ApplyAssignment(agent.ID, clk.Now())
	if reg.AvailableSlots(agent.ID) != 0 {
		t.Errorf("Expected 0 free slots, got %d", reg.AvailableSlots(agent.ID))
	}

	reg.ReleaseSlot(agent.ID)
	reg.ReleaseSlot(agent.ID)
	reg.ReleaseSlot(agent.ID) // never drops below zero
	if reg.AvailableSlots(agent.ID) != 2 {
		t.Errorf("Expected full capacity restored, got %d", reg.AvailableSlots(agent.ID))
	}
}
