package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/node3/marketplace/pkg/clock"
	"github.com/node3/marketplace/pkg/models"
	"github.com/node3/marketplace/pkg/store"
)

type scriptedSettler struct {
	failures int
	calls    int
}

func (s *scriptedSettler) Pay(ctx context.Context, from, to string, amount float64, memo string) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("rpc unavailable")
	}
	return "sig-" + memo, nil
}

func seedPayment(t *testing.T, st *store.MemoryStore, clk clock.Clock) *models.Payment {
	t.Helper()
	agent := &models.Agent{ID: "a1", WalletAddress: "wallet-a", MaxConcurrent: 2, Healthy: true, LastHeartbeat: clk.Now()}
	st.CreateAgent(agent)
	job := &models.Job{
		ID: "j1", JobType: "training", DockerImage: "img", DeclaredTimeout: 60,
		Reward: 0.001, State: models.JobStateQueued, MaxRetries: 3, AdmittedAt: clk.Now(),
	}
	st.CreateJob(job)
	st.AssignJob("j1", "a1", clk.Now())
	st.StartJob("j1", "a1", clk.Now())

	payment := &models.Payment{
		ID: "p1", JobID: "j1", AgentID: "a1", ToWallet: "wallet-a",
		Amount: 0.001, State: models.PaymentStatePending,
		CreatedAt: clk.Now(), UpdatedAt: clk.Now(),
	}
	if ok, err := st.CompleteJob("j1", "a1", clk.Now(), "", payment); !ok || err != nil {
		t.Fatalf("CompleteJob failed: ok=%v err=%v", ok, err)
	}
	return payment
}

func TestProcessConfirms(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	pool := NewPool(&scriptedSettler{}, st, clk, DefaultConfig())
	payment := seedPayment(t, st, clk)

	pool.Process(payment.ID)

	got, _ := st.GetPayment(payment.ID)
	if got.State != models.PaymentStateConfirmed {
		t.Fatalf("Expected confirmed, got %s", got.State)
	}
	if got.Signature != "sig-j1" {
		t.Errorf("Expected signature sig-j1, got %q", got.Signature)
	}
	if !got.NextRetryAt.IsZero() {
		t.Error("Confirmed payment must have no retry scheduled")
	}
}

func TestProcessFollowsBackoffSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	settler := &scriptedSettler{failures: 100}
	pool := NewPool(settler, st, clk, DefaultConfig())
	payment := seedPayment(t, st, clk)

	schedule := DefaultConfig().Backoff
	for i, backoff := range schedule {
		pool.Process(payment.ID)
		got, _ := st.GetPayment(payment.ID)
		if got.State != models.PaymentStateFailed {
			t.Fatalf("Attempt %d: expected failed, got %s", i+1, got.State)
		}
		if got.Attempts != i+1 {
			t.Fatalf("Expected attempts %d, got %d", i+1, got.Attempts)
		}
		want := clk.Now().Add(backoff)
		if !got.NextRetryAt.Equal(want) {
			t.Errorf("Attempt %d: next retry %v, want %v", i+1, got.NextRetryAt, want)
		}
		clk.Advance(backoff + time.Second)
	}

	// One more failure parks the payment for manual review
	pool.Process(payment.ID)
	got, _ := st.GetPayment(payment.ID)
	if !got.Parked() {
		t.Fatalf("Expected parked payment after schedule exhausted, got %+v", got)
	}

	// Parked payments are never due and never resubmitted
	due, _ := st.GetDuePayments(clk.Now().Add(24 * time.Hour))
	if len(due) != 0 {
		t.Errorf("Parked payment must not be due, got %d", len(due))
	}
	callsBefore := settler.calls
	pool.Process(payment.ID)
	if settler.calls != callsBefore {
		t.Error("Process must skip parked payments")
	}
}

func TestProcessSkipsConfirmed(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	settler := &scriptedSettler{}
	pool := NewPool(settler, st, clk, DefaultConfig())
	payment := seedPayment(t, st, clk)

	pool.Process(payment.ID)
	pool.Process(payment.ID)
	if settler.calls != 1 {
		t.Errorf("Confirmed payment must not be paid again, calls=%d", settler.calls)
	}
}

func TestWorkerPoolEndToEnd(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewVirtual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	pool := NewPool(&scriptedSettler{}, st, clk, Config{Workers: 2})
	payment := seedPayment(t, st, clk)

	pool.Start()
	defer pool.Stop()
	pool.Submit(payment.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := st.GetPayment(payment.ID)
		if got.State == models.PaymentStateConfirmed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Payment was not confirmed by the worker pool")
}

func TestDryRunSettler(t *testing.T) {
	sig, err := DryRun{}.Pay(context.Background(), "from", "to", 0.001, "job-1")
	if err != nil {
		t.Fatalf("DryRun.Pay failed: %v", err)
	}
	if sig == "" {
		t.Error("Expected a synthetic signature")
	}
}
