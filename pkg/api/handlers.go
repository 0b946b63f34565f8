// Package api translates HTTP requests into lifecycle and registry
// operations. Handlers never partially apply a mutation: either the store
// transaction behind the operation commits or the state is unchanged.
package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/node3/marketplace/pkg/lifecycle"
	"github.com/node3/marketplace/pkg/models"
	"github.com/node3/marketplace/pkg/registry"
	"github.com/node3/marketplace/pkg/scheduler"
	"github.com/node3/marketplace/pkg/store"
)

// Version is the marketplace API version reported by the root endpoint
const Version = "1.0.0"

// Handler handles marketplace API requests
type Handler struct {
	store        store.Store
	registry     *registry.Registry
	lifecycle    *lifecycle.Controller
	scheduler    *scheduler.Scheduler
	adminKeyHash string
	adminKey     string
	startTime    time.Time
}

// NewHandler creates an API handler. adminKeyHash is the bcrypt hash of
// the admin key and is preferred; adminKey is the plaintext fallback for
// development setups. With both empty the admin surface is disabled.
func NewHandler(st store.Store, reg *registry.Registry, ctrl *lifecycle.Controller, sched *scheduler.Scheduler, adminKeyHash, adminKey string) *Handler {
	return &Handler{
		store:        st,
		registry:     reg,
		lifecycle:    ctrl,
		scheduler:    sched,
		adminKeyHash: adminKeyHash,
		adminKey:     adminKey,
		startTime:    time.Now(),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.Root).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")

	// Agent routes
	r.HandleFunc("/agents/register", h.RegisterAgent).Methods("POST")
	r.HandleFunc("/agents/heartbeat", h.agentAuth(h.Heartbeat)).Methods("POST")
	r.HandleFunc("/agents", h.ListAgents).Methods("GET")

	// Job routes
	r.HandleFunc("/jobs/available", h.agentAuth(h.AvailableJobs)).Methods("POST")
	r.HandleFunc("/jobs/{id}/accept", h.agentAuth(h.AcceptJob)).Methods("POST")
	r.HandleFunc("/jobs/{id}/start", h.agentAuth(h.StartJob)).Methods("POST")
	r.HandleFunc("/jobs/{id}/complete", h.agentAuth(h.CompleteJob)).Methods("POST")
	r.HandleFunc("/jobs/{id}/fail", h.agentAuth(h.FailJob)).Methods("POST")

	// Admin routes
	r.HandleFunc("/admin/jobs", h.adminAuth(h.CreateJob)).Methods("POST")
	r.HandleFunc("/admin/jobs", h.adminAuth(h.ListJobs)).Methods("GET")
	r.HandleFunc("/admin/payments", h.adminAuth(h.ListPayments)).Methods("GET")
	r.HandleFunc("/admin/stats", h.adminAuth(h.Stats)).Methods("GET")
	r.HandleFunc("/admin/load-balancer", h.adminAuth(h.LoadBalancer)).Methods("GET")
}

// Root returns the service banner
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "node3 Marketplace API",
		"version": Version,
		"endpoints": []string{
			"POST /agents/register",
			"POST /agents/heartbeat",
			"GET  /agents",
			"POST /jobs/available",
			"POST /jobs/{id}/accept",
			"POST /jobs/{id}/start",
			"POST /jobs/{id}/complete",
			"POST /jobs/{id}/fail",
			"GET  /health",
		},
	})
}

// Health reports service and store health plus a host snapshot
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	storeStatus := "ok"
	if err := h.store.HealthCheck(); err != nil {
		status = "degraded"
		storeStatus = err.Error()
	}

	body := map[string]interface{}{
		"status":         status,
		"store":          storeStatus,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	}
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		body["host_cpu_percent"] = cpuPercent[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		body["host_mem_used_percent"] = vmem.UsedPercent
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

// RegisterAgent registers a new agent and returns its credential once
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var reg models.AgentRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}
	if reg.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "wallet is required")
		return
	}

	agent, credential, err := h.registry.Register(&reg)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"agent_id":       agent.ID,
		"credential":     credential,
		"max_concurrent": agent.MaxConcurrent,
	})
}

// Heartbeat updates agent liveness
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var status models.HeartbeatStatus
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
			return
		}
	}
	if err := h.lifecycle.Heartbeat(agentID(r), &status); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAgents returns the public marketplace listing of agents
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.Snapshot()
	sort.Slice(agents, func(i, k int) bool {
		return scheduler.Score(agents[i]) > scheduler.Score(agents[k])
	})

	listing := make([]map[string]interface{}, 0, len(agents))
	for _, agent := range agents {
		listing = append(listing, map[string]interface{}{
			"agent_id":        agent.ID,
			"gpu_vendor":      agent.GPUVendor,
			"gpu_model":       agent.GPUModel,
			"gpu_memory":      agent.GPUMemory,
			"healthy":         agent.Healthy,
			"jobs_completed":  agent.TotalCompleted,
			"reputation":      agent.ReputationScore,
			"avg_duration":    agent.AvgDurationSeconds,
			"load_percent":    agent.LoadPercent(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": listing,
		"count":  len(listing),
	})
}

type availableJobsRequest struct {
	GPUMemory   int64 `json:"gpu_memory"`
	RequiresGPU bool  `json:"requires_gpu"`
	Max         int   `json:"max,omitempty"`
}

// AvailableJobs returns a read-only preview of matching queued jobs
func (h *Handler) AvailableJobs(w http.ResponseWriter, r *http.Request) {
	var req availableJobsRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
			return
		}
	}

	jobs, err := h.lifecycle.Pull(agentID(r), req.Max)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// AcceptJob pins a queued job to the calling agent
func (h *Handler) AcceptJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.lifecycle.Accept(agentID(r), jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartJob marks an assigned job as running
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.lifecycle.Started(agentID(r), jobID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeJobRequest struct {
	DurationSeconds float64 `json:"duration_seconds"`
	OutputSummary   string  `json:"output_summary,omitempty"`
}

// CompleteJob marks a running job as completed and returns the payment id.
// Settlement state never affects the response: the payment is submitted
// asynchronously and retried by the maintenance loop.
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	var req completeJobRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
			return
		}
	}

	payment, err := h.lifecycle.Complete(agentID(r), jobID, req.DurationSeconds, req.OutputSummary)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payment_id": payment.ID})
}

type failJobRequest struct {
	Error string `json:"error"`
}

// FailJob records an agent-reported failure
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	var req failJobRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
			return
		}
	}
	if req.Error == "" {
		req.Error = "agent reported failure"
	}

	if err := h.lifecycle.Fail(agentID(r), jobID, req.Error); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateJob admits a new job (admin)
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var spec models.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body")
		return
	}

	job, err := h.lifecycle.Admit(&spec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"job_id": job.ID})
}

// ListJobs returns all jobs, optionally filtered by state (admin)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	stateFilter := r.URL.Query().Get("state")

	var jobs []*models.Job
	if stateFilter != "" {
		filtered, err := h.store.GetJobsInState(models.JobState(stateFilter))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		jobs = filtered
	} else {
		jobs = h.store.GetAllJobs()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// ListPayments returns all payment rows (admin)
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments := h.store.GetAllPayments()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payments": payments,
		"count":    len(payments),
	})
}

// Stats returns aggregate marketplace counters (admin)
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.Metrics()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	jobsByState := make(map[string]int, len(m.JobsByState))
	total := 0
	for state, count := range m.JobsByState {
		jobsByState[string(state)] = count
		total += count
	}
	paymentsByState := make(map[string]int, len(m.PaymentsByState))
	paymentCount := 0
	for state, count := range m.PaymentsByState {
		paymentsByState[string(state)] = count
		paymentCount += count
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": map[string]interface{}{
			"total":   m.AgentsTotal,
			"healthy": m.AgentsHealthy,
		},
		"jobs": map[string]interface{}{
			"total":     total,
			"by_state":  jobsByState,
			"abandoned": m.JobsByState[models.JobStateAbandoned],
		},
		"payments": map[string]interface{}{
			"total_count":  paymentCount,
			"by_state":     paymentsByState,
			"total_amount": m.PaymentsTotalSOL,
		},
		"queue": map[string]interface{}{
			"depth":       m.QueueDepth,
			"by_priority": m.QueueByPriority,
		},
	})
}

// LoadBalancer returns the full scheduler snapshot (admin)
func (h *Handler) LoadBalancer(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.Snapshot()
	sort.Slice(agents, func(i, k int) bool {
		return scheduler.Score(agents[i]) > scheduler.Score(agents[k])
	})

	agentRows := make([]map[string]interface{}, 0, len(agents))
	totalCapacity, currentLoad, healthy := 0, 0, 0
	for _, agent := range agents {
		if agent.Healthy {
			healthy++
			totalCapacity += agent.MaxConcurrent
			currentLoad += agent.CurrentLoad
		}
		agentRows = append(agentRows, map[string]interface{}{
			"agent_id":        agent.ID,
			"current_jobs":    agent.CurrentLoad,
			"max_jobs":        agent.MaxConcurrent,
			"load_percent":    agent.LoadPercent(),
			"total_completed": agent.TotalCompleted,
			"total_failed":    agent.TotalFailed,
			"total_retried":   agent.TotalRetried,
			"success_rate":    agent.SuccessRate() * 100,
			"avg_time":        agent.AvgDurationSeconds,
			"score":           scheduler.Score(agent),
			"is_healthy":      agent.Healthy,
		})
	}

	utilization := 0.0
	if totalCapacity > 0 {
		utilization = float64(currentLoad) / float64(totalCapacity) * 100
	}

	sm := h.scheduler.GetMetrics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_agents":         len(agents),
		"healthy_agents":       healthy,
		"total_capacity":       totalCapacity,
		"current_load":         currentLoad,
		"utilization":          utilization,
		"queued_jobs":          sm.QueueDepth,
		"assignment_attempts":  sm.AssignmentAttempts,
		"assignment_successes": sm.AssignmentSuccesses,
		"assignment_failures":  sm.AssignmentFailures,
		"timeouts":             sm.TimeoutCount,
		"heartbeat_expiries":   sm.HeartbeatExpiries,
		"payment_retries":      sm.PaymentRetries,
		"agents":               agentRows,
	})
}
