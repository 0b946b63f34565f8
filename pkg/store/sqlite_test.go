package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/node3/marketplace/pkg/models"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteAgentRoundTrip(t *testing.T) {
	st := newSQLiteStore(t)

	agent := testAgent("a1")
	agent.ComputeCapability = map[string]interface{}{"cuda": "12.2"}
	agent.CredentialHash = "deadbeef"
	agent.RegisteredAt = time.Now().UTC()
	if err := st.CreateAgent(agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := st.GetAgent("a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.WalletAddress != agent.WalletAddress || got.GPUMemory != agent.GPUMemory {
		t.Errorf("Round trip mismatch: %+v", got)
	}
	if got.ComputeCapability["cuda"] != "12.2" {
		t.Errorf("Capability lost in round trip: %+v", got.ComputeCapability)
	}

	if _, err := st.GetAgentByCredentialHash("deadbeef"); err != nil {
		t.Errorf("Credential hash lookup failed: %v", err)
	}
	if _, err := st.GetAgentByWallet(agent.WalletAddress); err != nil {
		t.Errorf("Wallet lookup failed: %v", err)
	}
	if _, err := st.GetAgent("missing"); err != ErrAgentNotFound {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestSQLiteAssignCompleteFlow(t *testing.T) {
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	agent := testAgent("a1")
	agent.CredentialHash = "hash"
	st.CreateAgent(agent)
	if err := st.CreateJob(testJob("j1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	ok, err := st.AssignJob("j1", "a1", now)
	if err != nil || !ok {
		t.Fatalf("AssignJob failed: ok=%v err=%v", ok, err)
	}
	// Guard holds on replay
	if ok, _ := st.AssignJob("j1", "a1", now); ok {
		t.Error("Second assign must be rejected")
	}

	if ok, _ := st.StartJob("j1", "a1", now); !ok {
		t.Fatal("StartJob failed")
	}

	ok, err = st.CompleteJob("j1", "a1", now, "done", testPayment("p1", "j1", "a1"))
	if err != nil || !ok {
		t.Fatalf("CompleteJob failed: ok=%v err=%v", ok, err)
	}

	job, _ := st.GetJob("j1")
	if job.State != models.JobStateCompleted || job.PaymentID != "p1" {
		t.Errorf("Unexpected job: state=%s payment=%s", job.State, job.PaymentID)
	}
	got, _ := st.GetAgent("a1")
	if got.CurrentLoad != 0 {
		t.Errorf("Expected load released, got %d", got.CurrentLoad)
	}

	payment, err := st.GetPaymentByJobID("j1")
	if err != nil {
		t.Fatalf("Payment not found: %v", err)
	}
	if payment.State != models.PaymentStatePending {
		t.Errorf("Expected pending, got %s", payment.State)
	}
}

func TestSQLiteReassignFlow(t *testing.T) {
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	agent := testAgent("a1")
	agent.CredentialHash = "hash"
	st.CreateAgent(agent)
	st.CreateJob(testJob("j1"))
	st.AssignJob("j1", "a1", now)

	updated, err := st.ReassignJob("j1", now, "timeout")
	if err != nil {
		t.Fatalf("ReassignJob failed: %v", err)
	}
	if updated.State != models.JobStateQueued || updated.RetryCount != 1 {
		t.Errorf("Unexpected job after reassign: %+v", updated)
	}
	if updated.Priority != models.PriorityHigh {
		t.Errorf("Expected promotion to high, got %s", updated.Priority)
	}

	// Exhaust the budget
	for i := 0; i < 3; i++ {
		st.AssignJob("j1", "a1", now)
		updated, err = st.ReassignJob("j1", now, "timeout")
		if err != nil {
			t.Fatalf("ReassignJob %d failed: %v", i, err)
		}
	}
	if updated.State != models.JobStateAbandoned {
		t.Errorf("Expected abandoned, got %s", updated.State)
	}
}

func TestSQLiteJobOrdering(t *testing.T) {
	st := newSQLiteStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	low := testJob("low")
	low.Priority = models.PriorityLow
	low.AdmittedAt = base
	urgent := testJob("urgent")
	urgent.Priority = models.PriorityUrgent
	urgent.AdmittedAt = base.Add(time.Minute)
	normalOld := testJob("normal-old")
	normalOld.AdmittedAt = base.Add(time.Second)
	normalNew := testJob("normal-new")
	normalNew.AdmittedAt = base.Add(2 * time.Second)

	for _, j := range []*models.Job{low, urgent, normalOld, normalNew} {
		if err := st.CreateJob(j); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	jobs, err := st.GetJobsInState(models.JobStateQueued)
	if err != nil {
		t.Fatalf("GetJobsInState failed: %v", err)
	}
	want := []string{"urgent", "normal-old", "normal-new", "low"}
	if len(jobs) != len(want) {
		t.Fatalf("Expected %d jobs, got %d", len(want), len(jobs))
	}
	for i, job := range jobs {
		if job.ID != want[i] {
			t.Errorf("jobs[%d] = %s, want %s", i, job.ID, want[i])
		}
	}
}

func TestSQLiteDuePayments(t *testing.T) {
	st := newSQLiteStore(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	agent := testAgent("a1")
	agent.CredentialHash = "hash"
	st.CreateAgent(agent)
	st.CreateJob(testJob("j1"))
	st.AssignJob("j1", "a1", now)
	st.StartJob("j1", "a1", now)
	st.CompleteJob("j1", "a1", now, "", testPayment("p1", "j1", "a1"))

	due, err := st.GetDuePayments(now)
	if err != nil {
		t.Fatalf("GetDuePayments failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("Expected fresh pending payment due, got %d", len(due))
	}

	// Push the retry into the future
	payment := due[0]
	payment.State = models.PaymentStateFailed
	payment.Attempts = 1
	payment.NextRetryAt = now.Add(time.Minute)
	payment.UpdatedAt = now
	if err := st.UpdatePayment(payment); err != nil {
		t.Fatalf("UpdatePayment failed: %v", err)
	}

	if due, _ := st.GetDuePayments(now); len(due) != 0 {
		t.Errorf("Expected no due payments before backoff, got %d", len(due))
	}
	if due, _ := st.GetDuePayments(now.Add(2 * time.Minute)); len(due) != 1 {
		t.Errorf("Expected payment due after backoff, got %d", len(due))
	}
}

func TestSQLiteMetrics(t *testing.T) {
	st := newSQLiteStore(t)
	now := time.Now().UTC()

	agent := testAgent("a1")
	agent.CredentialHash = "hash"
	st.CreateAgent(agent)
	st.CreateJob(testJob("j1"))
	st.CreateJob(testJob("j2"))
	st.AssignJob("j1", "a1", now)

	m, err := st.Metrics()
	if err != nil {
		t.Fatalf("Metrics failed: %v", err)
	}
	if m.JobsByState[models.JobStateQueued] != 1 || m.JobsByState[models.JobStateAssigned] != 1 {
		t.Errorf("Unexpected job counts: %v", m.JobsByState)
	}
	if m.AgentsTotal != 1 || m.AgentsHealthy != 1 {
		t.Errorf("Unexpected agent counts: total=%d healthy=%d", m.AgentsTotal, m.AgentsHealthy)
	}
	if m.LoadTotal != 1 || m.CapacityTotal != 2 {
		t.Errorf("Unexpected capacity: load=%d capacity=%d", m.LoadTotal, m.CapacityTotal)
	}
}
