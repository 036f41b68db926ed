package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"agentgate/internal/domain"
	"agentgate/internal/infra/middleware"
)

// Metrics holds the counters exposed on the admin listener. The text
// format is written by hand; there is no Prometheus client dependency.
type Metrics struct {
	started time.Time

	requestsByClass   [6]atomic.Int64 // index = status / 100
	requestSeconds    atomic.Int64    // microseconds, summed
	generationsTotal  atomic.Int64
	generationsFailed atomic.Int64

	mu        sync.Mutex
	runs      map[string]int64 // outcome -> count
	runFailed map[domain.ErrorCode]int64
}

// NewMetrics creates zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{
		started:   time.Now(),
		runs:      make(map[string]int64),
		runFailed: make(map[domain.ErrorCode]int64),
	}
}

// ObserveRequest counts a completed API request. It matches
// middleware.RequestObserver.
func (m *Metrics) ObserveRequest(_ *http.Request, status int, elapsed time.Duration) {
	class := status / 100
	if class < 1 || class > 5 {
		class = 0
	}
	m.requestsByClass[class].Add(1)
	m.requestSeconds.Add(elapsed.Microseconds())
}

// ObserveGeneration counts one generation call.
func (m *Metrics) ObserveGeneration(_ string, err error) {
	m.generationsTotal.Add(1)
	if err != nil {
		m.generationsFailed.Add(1)
	}
}

// ObserveRun counts a finished ritual workflow run by outcome.
func (m *Metrics) ObserveRun(run *domain.WorkflowRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[string(run.State)]++
	if run.State == domain.WorkflowFailed {
		m.runFailed[run.FailureCode]++
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Agents int    `json:"agents"`
	Uptime string `json:"uptime"`
}

func (m *Metrics) healthHandler(agents AgentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, healthResponse{
			Status: "ok",
			Agents: agents.Len(),
			Uptime: time.Since(m.started).Round(time.Second).String(),
		})
	}
}

// metricsHandler serves GET /metrics in Prometheus text format.
func (m *Metrics) metricsHandler(agents AgentRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP agentgate_http_requests_total API requests by status class.\n")
		fmt.Fprintf(w, "# TYPE agentgate_http_requests_total counter\n")
		for class := 1; class <= 5; class++ {
			fmt.Fprintf(w, "agentgate_http_requests_total{class=\"%dxx\"} %d\n", class, m.requestsByClass[class].Load())
		}

		fmt.Fprintf(w, "# HELP agentgate_http_request_duration_seconds_sum Total time spent serving API requests.\n")
		fmt.Fprintf(w, "# TYPE agentgate_http_request_duration_seconds_sum counter\n")
		fmt.Fprintf(w, "agentgate_http_request_duration_seconds_sum %f\n", float64(m.requestSeconds.Load())/1e6)

		fmt.Fprintf(w, "# HELP agentgate_generation_calls_total Generation client invocations.\n")
		fmt.Fprintf(w, "# TYPE agentgate_generation_calls_total counter\n")
		fmt.Fprintf(w, "agentgate_generation_calls_total %d\n", m.generationsTotal.Load())

		fmt.Fprintf(w, "# HELP agentgate_generation_failures_total Generation client invocations that failed.\n")
		fmt.Fprintf(w, "# TYPE agentgate_generation_failures_total counter\n")
		fmt.Fprintf(w, "agentgate_generation_failures_total %d\n", m.generationsFailed.Load())

		m.mu.Lock()
		states := sortedKeys(m.runs)
		codes := sortedKeys(m.runFailed)
		fmt.Fprintf(w, "# HELP agentgate_workflow_runs_total Ritual workflow runs by final state.\n")
		fmt.Fprintf(w, "# TYPE agentgate_workflow_runs_total counter\n")
		for _, s := range states {
			fmt.Fprintf(w, "agentgate_workflow_runs_total{state=%q} %d\n", s, m.runs[s])
		}
		fmt.Fprintf(w, "# HELP agentgate_workflow_failures_total Failed ritual workflow runs by code.\n")
		fmt.Fprintf(w, "# TYPE agentgate_workflow_failures_total counter\n")
		for _, c := range codes {
			fmt.Fprintf(w, "agentgate_workflow_failures_total{code=%q} %d\n", c, m.runFailed[c])
		}
		m.mu.Unlock()

		fmt.Fprintf(w, "# HELP agentgate_agents_registered Registered agent descriptors.\n")
		fmt.Fprintf(w, "# TYPE agentgate_agents_registered gauge\n")
		fmt.Fprintf(w, "agentgate_agents_registered %d\n", agents.Len())

		fmt.Fprintf(w, "# HELP agentgate_uptime_seconds Seconds since the gateway started.\n")
		fmt.Fprintf(w, "# TYPE agentgate_uptime_seconds gauge\n")
		fmt.Fprintf(w, "agentgate_uptime_seconds %.0f\n", time.Since(m.started).Seconds())

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
