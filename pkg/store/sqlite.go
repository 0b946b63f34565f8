package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/node3/marketplace/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// WAL for concurrent readers, busy timeout to ride out write bursts,
	// immediate txlock so compound operations grab the write lock up front
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under load
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		gpu_vendor TEXT,
		gpu_model TEXT,
		gpu_memory INTEGER NOT NULL DEFAULT 0,
		has_gpu BOOLEAN NOT NULL DEFAULT 0,
		compute_capability TEXT,
		max_concurrent INTEGER NOT NULL,
		current_load INTEGER NOT NULL DEFAULT 0,
		healthy BOOLEAN NOT NULL DEFAULT 1,
		last_heartbeat DATETIME NOT NULL,
		last_assigned_at DATETIME,
		total_completed INTEGER NOT NULL DEFAULT 0,
		total_failed INTEGER NOT NULL DEFAULT 0,
		total_retried INTEGER NOT NULL DEFAULT 0,
		avg_duration_seconds REAL NOT NULL DEFAULT 0,
		total_earned REAL NOT NULL DEFAULT 0,
		reputation_score REAL NOT NULL DEFAULT 1,
		credential_hash TEXT NOT NULL,
		registered_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		docker_image TEXT NOT NULL,
		command TEXT,
		env TEXT,
		requires_gpu BOOLEAN NOT NULL DEFAULT 0,
		gpu_memory_required INTEGER NOT NULL DEFAULT 0,
		declared_timeout_seconds INTEGER NOT NULL,
		reward REAL NOT NULL,
		state TEXT NOT NULL,
		priority INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		assigned_agent_id TEXT,
		admitted_at DATETIME NOT NULL,
		assigned_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME,
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
		amount REAL NOT NULL,
		signature TEXT,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_retry_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
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

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Agent operations

func (s *SQLiteStore) CreateAgent(agent *models.Agent) error {
	capability, err := json.Marshal(agent.ComputeCapability)
	if err != nil {
		return fmt.Errorf("failed to marshal compute_capability: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO agents
		(id, wallet_address, gpu_vendor, gpu_model, gpu_memory, has_gpu, compute_capability,
		 max_concurrent, current_load, healthy, last_heartbeat, last_assigned_at,
		 total_completed, total_failed, total_retried, avg_duration_seconds,
		 total_earned, reputation_score, credential_hash, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

const agentColumns = `id, wallet_address, gpu_vendor, gpu_model, gpu_memory, has_gpu,
	compute_capability, max_concurrent, current_load, healthy, last_heartbeat,
	last_assigned_at, total_completed, total_failed, total_retried,
	avg_duration_seconds, total_earned, reputation_score, credential_hash, registered_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*models.Agent, error) {
	agent := &models.Agent{}
	var capability sql.NullString
	var lastAssigned sql.NullTime
	err := row.Scan(&agent.ID, &agent.WalletAddress, &agent.GPUVendor, &agent.GPUModel,
		&agent.GPUMemory, &agent.HasGPU, &capability, &agent.MaxConcurrent,
		&agent.CurrentLoad, &agent.Healthy, &agent.LastHeartbeat, &lastAssigned,
		&agent.TotalCompleted, &agent.TotalFailed, &agent.TotalRetried,
		&agent.AvgDurationSeconds, &agent.TotalEarned, &agent.ReputationScore,
		&agent.CredentialHash, &agent.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if capability.Valid && capability.String != "" && capability.String != "null" {
		if err := json.Unmarshal([]byte(capability.String), &agent.ComputeCapability); err != nil {
			return nil, fmt.Errorf("failed to unmarshal compute_capability: %w", err)
		}
	}
	if lastAssigned.Valid {
		t := lastAssigned.Time
		agent.LastAssignedAt = &t
	}
	return agent, nil
}

func (s *SQLiteStore) getAgentWhere(where string, args ...interface{}) (*models.Agent, error) {
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

func (s *SQLiteStore) GetAgent(id string) (*models.Agent, error) {
	return s.getAgentWhere("id = ?", id)
}

func (s *SQLiteStore) GetAgentByWallet(wallet string) (*models.Agent, error) {
	return s.getAgentWhere("wallet_address = ?", wallet)
}

func (s *SQLiteStore) GetAgentByCredentialHash(hash string) (*models.Agent, error) {
	return s.getAgentWhere("credential_hash = ?", hash)
}

func (s *SQLiteStore) GetAllAgents() []*models.Agent {
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

func (s *SQLiteStore) UpdateAgent(agent *models.Agent) error {
	capability, err := json.Marshal(agent.ComputeCapability)
	if err != nil {
		return fmt.Errorf("failed to marshal compute_capability: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE agents SET wallet_address = ?, gpu_vendor = ?, gpu_model = ?,
			gpu_memory = ?, has_gpu = ?, compute_capability = ?, max_concurrent = ?,
			current_load = ?, healthy = ?, last_heartbeat = ?, last_assigned_at = ?,
			total_completed = ?, total_failed = ?, total_retried = ?,
			avg_duration_seconds = ?, total_earned = ?, reputation_score = ?,
			credential_hash = ?
		WHERE id = ?
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

func (s *SQLiteStore) UpdateAgentHeartbeat(id string, at time.Time) error {
	result, err := s.db.Exec(`UPDATE agents SET last_heartbeat = ?, healthy = 1 WHERE id = ?`, at, id)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Job operations

const jobColumns = `id, job_type, docker_image, command, env, requires_gpu,
	gpu_memory_required, declared_timeout_seconds, reward, state, priority,
	retry_count, max_retries, assigned_agent_id, admitted_at, assigned_at,
	started_at, completed_at, last_error, payment_id, output_summary`

func (s *SQLiteStore) CreateJob(job *models.Job) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	job := &models.Job{}
	var command, env sql.NullString
	var state string
	var priority int
	var agentID, lastError, paymentID, summary sql.NullString
	var assignedAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.JobType, &job.DockerImage, &command, &env,
		&job.RequiresGPU, &job.GPUMemoryRequired, &job.DeclaredTimeout, &job.Reward,
		&state, &priority, &job.RetryCount, &job.MaxRetries, &agentID,
		&job.AdmittedAt, &assignedAt, &startedAt, &completedAt, &lastError,
		&paymentID, &summary)
	if err != nil {
		return nil, err
	}

	job.State = models.JobState(state)
	job.Priority = models.JobPriority(priority)
	job.AssignedAgentID = agentID.String
	job.LastError = lastError.String
	job.PaymentID = paymentID.String
	job.OutputSummary = summary.String
	if command.Valid && command.String != "" && command.String != "null" {
		if err := json.Unmarshal([]byte(command.String), &job.Command); err != nil {
			return nil, fmt.Errorf("failed to unmarshal command: %w", err)
		}
	}
	if env.Valid && env.String != "" && env.String != "null" {
		if err := json.Unmarshal([]byte(env.String), &job.Env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal env: %w", err)
		}
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		job.AssignedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return job, nil
}

func (s *SQLiteStore) queryJobs(query string, args ...interface{}) ([]*models.Job, error) {
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

func (s *SQLiteStore) GetAllJobs() []*models.Job {
	jobs, _ := s.queryJobs(`SELECT ` + jobColumns + ` FROM jobs ORDER BY admitted_at`)
	return jobs
}

func (s *SQLiteStore) GetJobsInState(state models.JobState) ([]*models.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE state = ?
		ORDER BY priority DESC, admitted_at ASC`, string(state))
}

func (s *SQLiteStore) GetJobsByAgent(agentID string) ([]*models.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE assigned_agent_id = ?`, agentID)
}

// Compound operations

func (s *SQLiteStore) AssignJob(jobID, agentID string, now time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, unavailable(err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE jobs SET state = ?, assigned_agent_id = ?, assigned_at = ?
		WHERE id = ? AND state = ?
	`, string(models.JobStateAssigned), agentID, now, jobID, string(models.JobStateQueued))
	if err != nil {
		return false, unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	result, err = tx.Exec(`
		UPDATE agents SET current_load = current_load + 1, last_assigned_at = ?
		WHERE id = ? AND current_load < max_concurrent
	`, now, agentID)
	if err != nil {
		return false, unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Capacity guard failed; roll the job transition back
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

func (s *SQLiteStore) StartJob(jobID, agentID string, now time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE jobs SET state = ?, started_at = ?
		WHERE id = ? AND state = ? AND assigned_agent_id = ?
	`, string(models.JobStateRunning), now, jobID, string(models.JobStateAssigned), agentID)
	if err != nil {
		return false, unavailable(err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) CompleteJob(jobID, agentID string, now time.Time, summary string, payment *models.Payment) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, unavailable(err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE jobs SET state = ?, completed_at = ?, output_summary = ?, payment_id = ?
		WHERE id = ? AND state = ? AND assigned_agent_id = ?
	`, string(models.JobStateCompleted), now, summary, payment.ID,
		jobID, string(models.JobStateRunning), agentID)
	if err != nil {
		return false, unavailable(err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	// UNIQUE(job_id) enforces at most one payment per job
	_, err = tx.Exec(`
		INSERT INTO payments
		(id, job_id, agent_id, from_wallet, to_wallet, amount, signature, state,
		 attempts, last_error, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, payment.ID, payment.JobID, payment.AgentID, payment.FromWallet,
		payment.ToWallet, payment.Amount, payment.Signature, string(payment.State),
		payment.Attempts, payment.LastError, nullTimeValue(payment.NextRetryAt),
		payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		return false, ErrDuplicatePayment
	}

	_, err = tx.Exec(`
		UPDATE agents SET current_load = MAX(current_load - 1, 0) WHERE id = ?
	`, agentID)
	if err != nil {
		return false, unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable(err)
	}
	return true, nil
}

func (s *SQLiteStore) ReassignJob(jobID string, now time.Time, reason string) (*models.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
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
			UPDATE agents SET current_load = MAX(current_load - 1, 0) WHERE id = ?
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
			UPDATE jobs SET state = ?, priority = ?, retry_count = ?,
				assigned_agent_id = NULL, assigned_at = NULL, started_at = NULL,
				last_error = ?
			WHERE id = ?
		`, string(job.State), int(job.Priority), job.RetryCount, reason, jobID)
	} else {
		job.State = models.JobStateAbandoned
		job.LastError = reason
		completedAt := now
		job.CompletedAt = &completedAt
		_, err = tx.Exec(`
			UPDATE jobs SET state = ?, last_error = ?, completed_at = ? WHERE id = ?
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

const paymentColumns = `id, job_id, agent_id, from_wallet, to_wallet, amount,
	signature, state, attempts, last_error, next_retry_at, created_at, updated_at`

func scanPayment(row interface{ Scan(...interface{}) error }) (*models.Payment, error) {
	payment := &models.Payment{}
	var signature, lastError sql.NullString
	var state string
	var nextRetry sql.NullTime

	err := row.Scan(&payment.ID, &payment.JobID, &payment.AgentID, &payment.FromWallet,
		&payment.ToWallet, &payment.Amount, &signature, &state, &payment.Attempts,
		&lastError, &nextRetry, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		return nil, err
	}
	payment.Signature = signature.String
	payment.LastError = lastError.String
	payment.State = models.PaymentState(state)
	if nextRetry.Valid {
		payment.NextRetryAt = nextRetry.Time
	}
	return payment, nil
}

func (s *SQLiteStore) GetPayment(id string) (*models.Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return payment, nil
}

func (s *SQLiteStore) GetPaymentByJobID(jobID string) (*models.Payment, error) {
	row := s.db.QueryRow(`SELECT `+paymentColumns+` FROM payments WHERE job_id = ?`, jobID)
	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return payment, nil
}

func (s *SQLiteStore) GetAllPayments() []*models.Payment {
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

func (s *SQLiteStore) GetDuePayments(now time.Time) ([]*models.Payment, error) {
	rows, err := s.db.Query(`
		SELECT `+paymentColumns+` FROM payments
		WHERE state IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
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

func (s *SQLiteStore) UpdatePayment(payment *models.Payment) error {
	result, err := s.db.Exec(`
		UPDATE payments SET signature = ?, state = ?, attempts = ?, last_error = ?,
			next_retry_at = ?, updated_at = ?
		WHERE id = ?
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
func (s *SQLiteStore) Metrics() (*Metrics, error) {
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

	rows, err = s.db.Query(`SELECT priority, COUNT(*) FROM jobs WHERE state = ? GROUP BY priority`,
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) HealthCheck() error {
	if err := s.db.Ping(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullTimeValue(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
