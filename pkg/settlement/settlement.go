// Package settlement submits payments to the external payment transport
// through a bounded worker pool. The core guarantees at most one payment
// row per job; this package guarantees each row is retried on a fixed
// backoff schedule until confirmed or parked for manual review.
package settlement

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/node3/marketplace/pkg/clock"
	"github.com/node3/marketplace/pkg/models"
	"github.com/node3/marketplace/pkg/store"
)

// Settler is the external payment transport. Pay releases funds from the
// marketplace wallet to the agent wallet with the job id as memo. It may
// block; callers bound it with a context deadline.
type Settler interface {
	Pay(ctx context.Context, fromWallet, toWallet string, amount float64, memo string) (signature string, err error)
}

// ErrPayTimeout marks a submission that exceeded the pay deadline;
// treated as a retryable failure.
var ErrPayTimeout = errors.New("settlement pay timed out")

// Config holds worker pool tunables
type Config struct {
	Workers    int
	PayTimeout time.Duration
	// Backoff is the retry schedule. A payment that fails more times than
	// the schedule has entries is parked for manual review.
	Backoff []time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		PayTimeout: 30 * time.Second,
		Backoff: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			30 * time.Second,
			5 * time.Minute,
			30 * time.Minute,
		},
	}
}

// Pool is the bounded settlement worker pool
type Pool struct {
	settler Settler
	store   store.Store
	clock   clock.Clock
	config  Config

	submitCh chan string
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

// NewPool creates a settlement pool
func NewPool(settler Settler, st store.Store, c clock.Clock, config Config) *Pool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.PayTimeout <= 0 {
		config.PayTimeout = 30 * time.Second
	}
	if len(config.Backoff) == 0 {
		config.Backoff = DefaultConfig().Backoff
	}
	return &Pool{
		settler:  settler,
		store:    st,
		clock:    c,
		config:   config,
		submitCh: make(chan string, 256),
		stopCh:   make(chan struct{}),
		inflight: make(map[string]bool),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	log.Printf("[Settlement] Starting %d settlement workers", p.config.Workers)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop drains in-flight submissions and stops the workers
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	log.Println("[Settlement] Settlement pool stopped")
}

// Submit enqueues a payment for submission. Duplicate submissions of an
// in-flight payment are dropped; a full queue defers to the next
// maintenance sweep.
func (p *Pool) Submit(paymentID string) {
	p.mu.Lock()
	if p.inflight[paymentID] {
		p.mu.Unlock()
		return
	}
	p.inflight[paymentID] = true
	p.mu.Unlock()

	select {
	case p.submitCh <- paymentID:
	default:
		p.mu.Lock()
		delete(p.inflight, paymentID)
		p.mu.Unlock()
		log.Printf("[Settlement] Queue full, payment %s deferred to next sweep", paymentID)
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case paymentID := <-p.submitCh:
			p.Process(paymentID)
			p.mu.Lock()
			delete(p.inflight, paymentID)
			p.mu.Unlock()
		}
	}
}

// Process submits one payment synchronously. Exposed for the virtual-time
// tests; production traffic flows through Submit and the workers.
func (p *Pool) Process(paymentID string) {
	payment, err := p.store.GetPayment(paymentID)
	if err != nil {
		log.Printf("[Settlement] Failed to load payment %s: %v", paymentID, err)
		return
	}
	if payment.Settled() || payment.Parked() {
		return
	}

	payment.State = models.PaymentStateSubmitted
	payment.UpdatedAt = p.clock.Now()
	if err := p.store.UpdatePayment(payment); err != nil {
		log.Printf("[Settlement] Failed to mark payment %s submitted: %v", paymentID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PayTimeout)
	signature, payErr := p.settler.Pay(ctx, payment.FromWallet, payment.ToWallet, payment.Amount, payment.JobID)
	if payErr == nil && ctx.Err() == context.DeadlineExceeded {
		payErr = ErrPayTimeout
	}
	cancel()

	now := p.clock.Now()
	payment.UpdatedAt = now
	payment.Attempts++

	if payErr != nil {
		payment.State = models.PaymentStateFailed
		payment.LastError = payErr.Error()
		if payment.Attempts > len(p.config.Backoff) {
			payment.NextRetryAt = time.Time{}
			log.Printf("[Settlement] Payment %s parked for manual review after %d attempts: %v",
				payment.ID, payment.Attempts, payErr)
		} else {
			payment.NextRetryAt = now.Add(p.config.Backoff[payment.Attempts-1])
			log.Printf("[Settlement] Payment %s failed (attempt %d), retry at %v: %v",
				payment.ID, payment.Attempts, payment.NextRetryAt, payErr)
		}
	} else {
		payment.State = models.PaymentStateConfirmed
		payment.Signature = signature
		payment.LastError = ""
		payment.NextRetryAt = time.Time{}
		log.Printf("[Settlement] Paid %.6f SOL to %s (job: %s, sig: %s)",
			payment.Amount, payment.ToWallet, payment.JobID, signature)
	}

	if err := p.store.UpdatePayment(payment); err != nil {
		log.Printf("[Settlement] Failed to persist payment %s: %v", payment.ID, err)
	}
}

// DryRun is a settler that confirms payments locally without touching a
// chain. The marketplaced binary uses it as its settler regardless of the
// configured wallet, mirroring the simulated payment path of development
// deployments.
type DryRun struct{}

func (DryRun) Pay(ctx context.Context, fromWallet, toWallet string, amount float64, memo string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate signature: %w", err)
	}
	return "dryrun-" + hex.EncodeToString(buf), nil
}
