// Package metrics exposes the marketplace state in Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/node3/marketplace/pkg/scheduler"
	"github.com/node3/marketplace/pkg/store"
)

// Exporter serves marketplace metrics at /metrics
type Exporter struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	startTime time.Time
}

// NewExporter creates a Prometheus exporter
func NewExporter(s store.Store, sched *scheduler.Scheduler) *Exporter {
	return &Exporter{
		store:     s,
		scheduler: sched,
		startTime: time.Now(),
	}
}

// ServeHTTP serves Prometheus-compatible metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	m, err := e.store.Metrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting metrics: %v", err), http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "# HELP node3_uptime_seconds Time since marketplace started\n")
	fmt.Fprintf(w, "# TYPE node3_uptime_seconds gauge\n")
	fmt.Fprintf(w, "node3_uptime_seconds %d\n", int64(time.Since(e.startTime).Seconds()))

	fmt.Fprintf(w, "\n# HELP node3_jobs_total Number of jobs by state\n")
	fmt.Fprintf(w, "# TYPE node3_jobs_total gauge\n")
	for state, count := range m.JobsByState {
		fmt.Fprintf(w, "node3_jobs_total{state=\"%s\"} %d\n", state, count)
	}

	fmt.Fprintf(w, "\n# HELP node3_queue_depth Number of jobs awaiting dispatch\n")
	fmt.Fprintf(w, "# TYPE node3_queue_depth gauge\n")
	fmt.Fprintf(w, "node3_queue_depth %d\n", m.QueueDepth)

	fmt.Fprintf(w, "\n# HELP node3_queue_by_priority Queued jobs by priority\n")
	fmt.Fprintf(w, "# TYPE node3_queue_by_priority gauge\n")
	for priority, count := range m.QueueByPriority {
		fmt.Fprintf(w, "node3_queue_by_priority{priority=\"%s\"} %d\n", priority, count)
	}

	fmt.Fprintf(w, "\n# HELP node3_agents_total Total number of registered agents\n")
	fmt.Fprintf(w, "# TYPE node3_agents_total gauge\n")
	fmt.Fprintf(w, "node3_agents_total %d\n", m.AgentsTotal)

	fmt.Fprintf(w, "\n# HELP node3_agents_healthy Number of healthy agents\n")
	fmt.Fprintf(w, "# TYPE node3_agents_healthy gauge\n")
	fmt.Fprintf(w, "node3_agents_healthy %d\n", m.AgentsHealthy)

	fmt.Fprintf(w, "\n# HELP node3_cluster_capacity Total job slots on healthy agents\n")
	fmt.Fprintf(w, "# TYPE node3_cluster_capacity gauge\n")
	fmt.Fprintf(w, "node3_cluster_capacity %d\n", m.CapacityTotal)

	fmt.Fprintf(w, "\n# HELP node3_cluster_load Occupied job slots on healthy agents\n")
	fmt.Fprintf(w, "# TYPE node3_cluster_load gauge\n")
	fmt.Fprintf(w, "node3_cluster_load %d\n", m.LoadTotal)

	fmt.Fprintf(w, "\n# HELP node3_payments_total Number of payments by state\n")
	fmt.Fprintf(w, "# TYPE node3_payments_total gauge\n")
	for state, count := range m.PaymentsByState {
		fmt.Fprintf(w, "node3_payments_total{state=\"%s\"} %d\n", state, count)
	}

	fmt.Fprintf(w, "\n# HELP node3_payments_confirmed_sol Total SOL paid out\n")
	fmt.Fprintf(w, "# TYPE node3_payments_confirmed_sol counter\n")
	fmt.Fprintf(w, "node3_payments_confirmed_sol %.9f\n", m.PaymentsTotalSOL)

	if e.scheduler != nil {
		sm := e.scheduler.GetMetrics()
		fmt.Fprintf(w, "\n# HELP node3_assignments_total Assignment attempts by result\n")
		fmt.Fprintf(w, "# TYPE node3_assignments_total counter\n")
		fmt.Fprintf(w, "node3_assignments_total{result=\"success\"} %d\n", sm.AssignmentSuccesses)
		fmt.Fprintf(w, "node3_assignments_total{result=\"failure\"} %d\n", sm.AssignmentFailures)

		fmt.Fprintf(w, "\n# HELP node3_job_timeouts_total Jobs reassigned after timeout\n")
		fmt.Fprintf(w, "# TYPE node3_job_timeouts_total counter\n")
		fmt.Fprintf(w, "node3_job_timeouts_total %d\n", sm.TimeoutCount)

		fmt.Fprintf(w, "\n# HELP node3_heartbeat_expiries_total Agents expired for missed heartbeats\n")
		fmt.Fprintf(w, "# TYPE node3_heartbeat_expiries_total counter\n")
		fmt.Fprintf(w, "node3_heartbeat_expiries_total %d\n", sm.HeartbeatExpiries)

		fmt.Fprintf(w, "\n# HELP node3_payment_retries_total Payment submissions triggered by the retry sweep\n")
		fmt.Fprintf(w, "# TYPE node3_payment_retries_total counter\n")
		fmt.Fprintf(w, "node3_payment_retries_total %d\n", sm.PaymentRetries)
	}

	// Append Go runtime metrics from the default registry
	e.writeRuntimeMetrics(w)
}

// writeRuntimeMetrics gathers the default registry (process and Go
// collectors) and appends it in exposition format
func (e *Exporter) writeRuntimeMetrics(w http.ResponseWriter) {
	families, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		return
	}
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return
		}
	}
}
