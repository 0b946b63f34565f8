package models

import (
	"time"
)

// PaymentState represents the settlement status of a payment
type PaymentState string

const (
	PaymentStatePending   PaymentState = "pending"
	PaymentStateSubmitted PaymentState = "submitted"
	PaymentStateConfirmed PaymentState = "confirmed"
	PaymentStateFailed    PaymentState = "failed"
)

// Payment records the single settlement owed for a completed job.
// At most one payment row exists per job_id.
type Payment struct {
	ID         string       `json:"id"`
	JobID      string       `json:"job_id"`
	AgentID    string       `json:"agent_id"`
	FromWallet string       `json:"from_wallet"`
	ToWallet   string       `json:"to_wallet"`
	Amount     float64      `json:"amount"` // SOL
	Signature  string       `json:"signature,omitempty"`
	State      PaymentState `json:"state"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"last_error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`

	// NextRetryAt is zero once the payment is confirmed or parked for
	// manual review after the backoff schedule is exhausted.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

// Settled returns true once no further submission should happen
func (p *Payment) Settled() bool {
	return p.State == PaymentStateConfirmed
}

// Parked returns true when the payment has exhausted its retry schedule
// and awaits manual review
func (p *Payment) Parked() bool {
	return !p.Settled() && p.Attempts > 0 && p.NextRetryAt.IsZero()
}
