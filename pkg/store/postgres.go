package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/node3/marketplace/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the data store
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database schema
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		gpu_vendor TEXT,
		gpu_model TEXT,
		gpu_memory BIGINT NOT NULL DEFAULT 0,
		has_gpu BOOLEAN NOT NULL DEFAULT FALSE,
		compute_capability JSONB,
		max_concurrent INTEGER NOT NULL,
		current_load INTEGER NOT NULL DEFAULT 0,
		healthy BOOLEAN NOT NULL DEFAULT TRUE,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		last_assigned_at TIMESTAMPTZ,
		total_completed INTEGER NOT NULL DEFAULT 0,
		total_failed INTEGER NOT NULL DEFAULT 0,
		total_retried INTEGER NOT NULL DEFAULT 0,
		avg_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_earned DOUBLE PRECISION NOT NULL DEFAULT 0,
		reputation_score DOUBLE PRECISION NOT NULL DEFAULT 1,
		credential_hash TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		docker_image TEXT NOT NULL,
		command JSONB,
		env JSONB,
		requires_gpu BOOLEAN NOT NULL DEFAULT FALSE,
		gpu_memory_required BIGINT NOT NULL DEFAULT 0,
		declared_timeout_seconds INTEGER NOT NULL,
		reward DOUBLE PRECISION NOT NULL,
		state TEXT NOT NULL,
		priority INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		assigned_agent_id TEXT,
		admitted_at TIMESTAMPTZ NOT NULL,
		assigned_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		last_error TEXT,
		payment_id TEXT,
		output_summary TEXT
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL,
		from_wallet TEXT NOT NULL,
		to_wallet TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		signature TEXT,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_retry_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state, priority, admitted_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs(assigned_agent_id);
	CREATE INDEX IF NOT EXISTS idx_agents_healthy ON agents(healthy);
	CREATE INDEX IF NOT EXISTS idx_agents_credential ON agents(credential_hash);
	CREATE INDEX IF NOT EXISTS idx_payments_state ON payments(state, next_retry_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Agent operations

func (s *PostgresStore) CreateAgent(agent *models.Agent) error {
	capability, err := json.Marshal(agent.ComputeCapability)
	if err != nil {
		return fmt.Errorf("failed to marshal compute_capability: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO agents
		(id, wallet_address, gpu_vendor, gpu_model, gpu_memory, has_gpu, compute_capability,
		 max_concurrent, current_load, healthy, last_heartbeat, last_assigned_at,
		 total_completed, total_failed, total_retried, avg_duration_seconds,
		 total_earned, reputation_score, credential_hash, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			gpu_vendor = EXCLUDED.gpu_vendor,
			gpu_model = EXCLUDED.gpu_model,
			gpu_memory = EXCLUDED.gpu_memory,
			has_gpu = EXCLUDED.has_gpu,
			compute_capability = EXCLUDED.compute_capability,
			max_concurrent = EXCLUDED.max_concurrent,
			healthy = EXCLUDED.healthy,
			last_heartbeat = EXCLUDED.last_heartbeat,
			credential_hash = EXCLUDED.credential_hash
	`, agent.ID, agent.WalletAddress, agent.GPUVendor, agent.GPUModel, agent.GPUMemory,
		agent.HasGPU, string(capability), agent.MaxConcurrent, agent.CurrentLoad,
		agent.Healthy, agent.LastHeartbeat, nullTime(agent.LastAssignedAt),
		agent.TotalCompleted, agent.TotalFailed, agent.TotalRetried,
		agent.AvgDurationSeconds, agent.TotalEarned, agent.ReputationScore,
		agent.CredentialHash, agent.RegisteredAt)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *PostgresStore) getAgentWhere(where string, args ...interface{}) (*models.Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE `+where, args...)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return agent, nil
}

func (s *PostgresStore) GetAgent(id string) (*models.Agent, error) {
	return s.getAgentWhere("id = $1", id)
}

func (s *PostgresStore) GetAgentByWallet(wallet string) (*models.Agent, error) {
	return s.getAgentWhere("wallet_address = $1", wallet)
}

func (s *PostgresStore) GetAgentByCredentialHash(hash string) (*models.Agent, error) {
	return s.getAgentWhere("credential_hash = $1", hash)
}

func (s *PostgresStore) GetAllAgents() []*models.Agent {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY registered_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	return agents
}

func (s *PostgresStore) UpdateAgent(agent *models.Agent) error {
	capability, err := json.Marshal(agent.ComputeCapability)
	if err != nil {
		return fmt.Errorf("failed to marshal compute_capability: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE agents SET wallet_address = $1, gpu_vendor = $2, gpu_model = $3,
			gpu_memory = $4, has_gpu = $5, compute_capability = $6, max_concurrent = $7,
			current_load = $8, healthy = $9, last_heartbeat = $10, last_assigned_at = $11,
			total_completed = $12, total_failed = $13, total_retried = $14,
			avg_duration_seconds = $15, total_earned = $16, reputation_score = $17,
			credential_hash = $18
		WHERE id = $19
	`, agent.WalletAddress, agent.GPUVendor, agent.GPUModel, agent.GPUMemory,
		agent.HasGPU, string(capability), agent.MaxConcurrent, agent.CurrentLoad,
		agent.Healthy, agent.LastHeartbeat, nullTime(agent.LastAssignedAt),
		agent.TotalCompleted, agent.TotalFailed, agent.TotalRetried,
		agent.AvgDurationSeconds, agent.TotalEarned, agent.ReputationScore,
		agent.CredentialHash, agent.ID)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateAgentHeartbeat(id string, at time.Time) error {
	result, err := s.db.Exec(`UPDATE agents SET last_heartbeat = $1, healthy = TRUE WHERE id = $2`, at, id)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Job operations

func (s *PostgresStore) CreateJob(job *models.Job) error {
	command, err := json.Marshal(job.Command)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	env, err := json.Marshal(job.Env)
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs
		(id, job_type, docker_image, command, env, requires_gpu, gpu_memory_required,
		 declared_timeout_seconds, reward, state, priority, retry_count, max_retries,
		 assigned_agent_id, admitted_at, assigned_at, started_at, completed_at,
		 last_error, payment_id, output_summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, job.ID, job.JobType, job.DockerImage, string(command), string(env),
		job.RequiresGPU, job.GPUMemoryRequired, job.DeclaredTimeout, job.Reward,
		string(job.State), int(job.Priority), job.RetryCount, job.MaxRetries,
		job.AssignedAgentID, job.AdmittedAt, nullTime(job.AssignedAt),
		nullTime(job.StartedAt), nullTime(job.CompletedAt), job.LastError,
		job.PaymentID, job.OutputSummary)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return job, nil
}

func (s *PostgresStore) queryJobs(query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) GetAllJobs() []*models.Job {
	jobs, _ := s.queryJobs(`SELECT ` + jobColumns + ` FROM jobs ORDER BY admitted_at`)
	return jobs
}

func (s *PostgresStore) GetJobsInState(state models.JobState) ([]*models.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE state = $1
		ORDER BY priority DESC, admitted_at ASC`, string(state))
}

func (s *PostgresStore) GetJobsByAgent(agentID string) ([]*models.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE assigned_agent_id = $1`, agentID)
}

// Compound operations

func (s *PostgresStore) AssignJob(jobID, agentID string, now time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, unavailable(err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE jobs SET state = $1, assigned_agent_id = $2, assigned_at = $3
		WHERE id = $4 AND state = $5
	`, string(models.JobStateAssigned), agentID, now, jobID, string(models.JobStateQueued))
	if err != nil {
		return false, unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	result, err = tx.Exec(`
		UPDATE agents SET current_load = current_load + 1, last_assigned_at = $1
		WHERE id = $2 AND current_load < max_concurrent
	`, now, agentID)
	if err != nil {
		return false, unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

func (s *PostgresStore) StartJob(jobID, agentID string, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE jobs SET state = $1, started_at = $2
		WHERE id = $3 AND state = $4 AND assigned_agent_id = $5
	`, string(models.JobStateRunning), now, jobID, string(models.JobStateAssigned), agentID)
	if err != nil {
		return false, unavailable(err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) CompleteJob(jobID, agentID string, now time.Time, summary string, payment *models.Payment) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, unavailable(err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE jobs SET state = $1, completed_at = $2, output_summary = $3, payment_id = $4
		WHERE id = $5 AND state = $6 AND assigned_agent_id = $7
	`, string(models.JobStateCompleted), now, summary, payment.ID,
		jobID, string(models.JobStateRunning), agentID)
	if err != nil {
		return false, unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = tx.Exec(`
		INSERT INTO payments
		(id, job_id, agent_id, from_wallet, to_wallet, amount, signature, state,
		 attempts, last_error, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, payment.ID, payment.JobID, payment.AgentID, payment.FromWallet,
		payment.ToWallet, payment.Amount, payment.Signature, string(payment.State),
		payment.Attempts, payment.LastError, nullTimeValue(payment.NextRetryAt),
		payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return false, ErrDuplicatePayment
		}
		return false, unavailable(err)
	}

	_, err = tx.Exec(`
		UPDATE agents SET current_load = GREATEST(current_load - 1, 0) WHERE id = $1
	`, agentID)
	if err != nil {
		return false, unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

func (s *PostgresStore) ReassignJob(jobID string, now time.Time, reason string) (*models.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if !models.IsActiveState(job.State) {
		return nil, ErrJobNotFound
	}

	if job.AssignedAgentID != "" {
		if _, err := tx.Exec(`
			UPDATE agents SET current_load = GREATEST(current_load - 1, 0) WHERE id = $1
		`, job.AssignedAgentID); err != nil {
			return nil, unavailable(err)
		}
	}

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Priority = job.Priority.Promoted()
		job.State = models.JobStateQueued
		job.AssignedAgentID = ""
		job.AssignedAt = nil
		job.StartedAt = nil
		job.LastError = reason
		_, err = tx.Exec(`
			UPDATE jobs SET state = $1, priority = $2, retry_count = $3,
				assigned_agent_id = NULL, assigned_at = NULL, started_at = NULL,
				last_error = $4
			WHERE id = $5
		`, string(job.State), int(job.Priority), job.RetryCount, reason, jobID)
	} else {
		job.State = models.JobStateAbandoned
		job.LastError = reason
		completedAt := now
		job.CompletedAt = &completedAt
		_, err = tx.Exec(`
			UPDATE jobs SET state = $1, last_error = $2, completed_at = $3 WHERE id = $4
		`, string(job.State), reason, now, jobID)
	}
	if err != nil {
		return nil, unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return job, nil
}

// Payment operations

func (s *PostgresStore) GetPayment(id string) (*models.Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return payment, nil
}

func (s *PostgresStore) GetPaymentByJobID(jobID string) (*models.Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payments WHERE job_id = $1`, jobID)
	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return payment, nil
}

func (s *PostgresStore) GetAllPayments() []*models.Payment {
	rows, err := s.db.Query(`SELECT ` + paymentColumns + ` FROM payments ORDER BY created_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	payments := []*models.Payment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			continue
		}
		payments = append(payments, payment)
	}
	return payments
}

func (s *PostgresStore) GetDuePayments(now time.Time) ([]*models.Payment, error) {
	rows, err := s.db.Query(`
		SELECT `+paymentColumns+` FROM payments
		WHERE state IN ($1, $2) AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY created_at
	`, string(models.PaymentStatePending), string(models.PaymentStateFailed), now)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	due := []*models.Payment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		if payment.Parked() {
			continue
		}
		due = append(due, payment)
	}
	return due, nil
}

func (s *PostgresStore) UpdatePayment(payment *models.Payment) error {
	result, err := s.db.Exec(`
		UPDATE payments SET signature = $1, state = $2, attempts = $3, last_error = $4,
			next_retry_at = $5, updated_at = $6
		WHERE id = $7
	`, payment.Signature, string(payment.State), payment.Attempts, payment.LastError,
		nullTimeValue(payment.NextRetryAt), payment.UpdatedAt, payment.ID)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// Metrics returns aggregate counters using index-backed queries
func (s *PostgresStore) Metrics() (*Metrics, error) {
	m := &Metrics{
		JobsByState:     make(map[models.JobState]int),
		QueueByPriority: make(map[string]int),
		PaymentsByState: make(map[models.PaymentState]int),
	}

	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, unavailable(err)
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err == nil {
			m.JobsByState[models.JobState(state)] = count
		}
	}
	rows.Close()
	m.QueueDepth = m.JobsByState[models.JobStateQueued]

	rows, err = s.db.Query(`SELECT priority, COUNT(*) FROM jobs WHERE state = $1 GROUP BY priority`,
		string(models.JobStateQueued))
	if err != nil {
		return nil, unavailable(err)
	}
	for rows.Next() {
		var priority, count int
		if err := rows.Scan(&priority, &count); err == nil {
			m.QueueByPriority[models.JobPriority(priority).String()] = count
		}
	}
	rows.Close()

	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN healthy THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN healthy THEN max_concurrent ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN healthy THEN current_load ELSE 0 END), 0)
		FROM agents`)
	if err := row.Scan(&m.AgentsTotal, &m.AgentsHealthy, &m.CapacityTotal, &m.LoadTotal); err != nil {
		return nil, unavailable(err)
	}

	rows, err = s.db.Query(`SELECT state, COUNT(*), COALESCE(SUM(amount), 0) FROM payments GROUP BY state`)
	if err != nil {
		return nil, unavailable(err)
	}
	for rows.Next() {
		var state string
		var count int
		var amount float64
		if err := rows.Scan(&state, &count, &amount); err == nil {
			m.PaymentsByState[models.PaymentState(state)] = count
			if models.PaymentState(state) == models.PaymentStateConfirmed {
				m.PaymentsTotalSOL += amount
			}
		}
	}
	rows.Close()

	return m, nil
}

// Lifecycle

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) HealthCheck() error {
	if err := s.db.Ping(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *PostgresStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM ANALYZE")
	return err
}
