// Package metrics exposes Prometheus instrumentation for Overlord.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TaskTransitions counts work-queue state transitions by edge.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_task_transitions_total",
		Help: "Work queue state transitions.",
	}, []string{"from", "to"})

	// TasksDispatched counts dispatch attempts by worker.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_tasks_dispatched_total",
		Help: "Dispatch attempts handed to a worker.",
	}, []string{"worker"})

	// WorkerFailures counts failed worker executions.
	WorkerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_worker_failures_total",
		Help: "Worker executions that returned failure.",
	}, []string{"worker"})

	// Tokens counts LLM tokens by direction (input, output).
	Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_tokens_total",
		Help: "LLM tokens recorded in the cost ledger.",
	}, []string{"direction"})

	// Proposals counts proposal resolutions by final state.
	Proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "overlord_proposals_total",
		Help: "Proposals by resolution state.",
	}, []string{"state"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
