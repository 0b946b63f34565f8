package store

import (
	"errors"
	"time"

	"github.com/node3/marketplace/pkg/models"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrDuplicatePayment guards the at-most-one-payment-per-job invariant
	ErrDuplicatePayment = errors.New("payment already exists for job")

	// ErrUnavailable wraps transient backend failures. Callers degrade to
	// read-only behavior until the store recovers.
	ErrUnavailable = errors.New("store unavailable")

	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store defines the interface for durable marketplace state.
// Memory, SQLite and PostgreSQL implement this interface.
//
// The compound operations (AssignJob, StartJob, CompleteJob, ReassignJob)
// are atomic: either every effect commits or the state is unchanged. Their
// boolean result reports whether the state-machine guard held; false means
// the job was not in the expected state for the caller and nothing changed.
type Store interface {
	// Agent operations
	CreateAgent(agent *models.Agent) error
	GetAgent(id string) (*models.Agent, error)
	GetAgentByWallet(wallet string) (*models.Agent, error)
	GetAgentByCredentialHash(hash string) (*models.Agent, error)
	GetAllAgents() []*models.Agent
	UpdateAgent(agent *models.Agent) error
	UpdateAgentHeartbeat(id string, at time.Time) error

	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetAllJobs() []*models.Job
	// GetJobsInState returns jobs ordered by (priority desc, admitted_at asc)
	GetJobsInState(state models.JobState) ([]*models.Job, error)
	GetJobsByAgent(agentID string) ([]*models.Job, error)

	// AssignJob transitions queued → assigned and increments the agent's
	// load in one transaction
	AssignJob(jobID, agentID string, now time.Time) (bool, error)

	// StartJob transitions assigned → running for the owning agent
	StartJob(jobID, agentID string, now time.Time) (bool, error)

	// CompleteJob transitions running → completed for the owning agent,
	// creates the pending payment row and decrements the agent's load in
	// one transaction
	CompleteJob(jobID, agentID string, now time.Time, summary string, payment *models.Payment) (bool, error)

	// ReassignJob moves an assigned/running job back to queued with its
	// retry count incremented and priority promoted, or to abandoned once
	// the retry budget is spent. The old agent's load is decremented in
	// the same transaction. Returns the updated job.
	ReassignJob(jobID string, now time.Time, reason string) (*models.Job, error)

	// Payment operations
	GetPayment(id string) (*models.Payment, error)
	GetPaymentByJobID(jobID string) (*models.Payment, error)
	GetAllPayments() []*models.Payment
	// GetDuePayments returns non-confirmed payments whose next retry time
	// has arrived
	GetDuePayments(now time.Time) ([]*models.Payment, error)
	UpdatePayment(payment *models.Payment) error

	// Metrics returns aggregate counters for the stats and metrics surfaces
	Metrics() (*Metrics, error)

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error
}

// Metrics contains aggregated marketplace statistics
type Metrics struct {
	JobsByState      map[models.JobState]int
	QueueByPriority  map[string]int
	AgentsTotal      int
	AgentsHealthy    int
	CapacityTotal    int
	LoadTotal        int
	PaymentsByState  map[models.PaymentState]int
	PaymentsTotalSOL float64
	QueueDepth       int
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string (postgres) or file path (sqlite)

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New creates a store based on configuration
func New(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "sqlite":
		path := config.DSN
		if path == "" {
			path = "marketplace.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, ErrUnsupportedDatabase
	}
}
