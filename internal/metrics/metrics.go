// Package metrics holds the prometheus collectors shared by the batch runner
// and the deployment monitors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is exposed by the services on /metrics.
var Registry = prometheus.NewRegistry()

var (
	batchTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcdeploy",
			Subsystem: "batch",
			Name:      "tasks_total",
			Help:      "Total number of batch tasks by result",
		},
		[]string{"runner", "result"},
	)

	batchTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fcdeploy",
			Subsystem: "batch",
			Name:      "task_duration_seconds",
			Help:      "Duration of batch tasks in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43min
		},
		[]string{"runner"},
	)

	monitorQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcdeploy",
			Subsystem: "monitor",
			Name:      "queries_total",
			Help:      "Total number of remote status queries by result",
		},
		[]string{"monitor", "result"},
	)

	monitorTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fcdeploy",
			Subsystem: "monitor",
			Name:      "terminal_total",
			Help:      "Total number of monitors reaching a terminal state",
		},
		[]string{"monitor", "state"},
	)
)

func init() {
	Registry.MustRegister(
		batchTasksTotal,
		batchTaskDuration,
		monitorQueriesTotal,
		monitorTerminalTotal,
	)
}

// RecordTask records one finished batch task.
func RecordTask(runner string, failed bool, took time.Duration) {
	result := "success"
	if failed {
		result = "failure"
	}
	batchTasksTotal.WithLabelValues(runner, result).Inc()
	batchTaskDuration.WithLabelValues(runner).Observe(took.Seconds())
}

// RecordQuery records one monitor status query.
func RecordQuery(monitor string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	monitorQueriesTotal.WithLabelValues(monitor, result).Inc()
}

// RecordTerminal records a monitor reaching state.
func RecordTerminal(monitor, state string) {
	monitorTerminalTotal.WithLabelValues(monitor, state).Inc()
}
