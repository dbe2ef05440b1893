// Package metrics exposes queue activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskcluster/taskcluster-sub006/observe"
)

var (
	TaskEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_task_events_total",
			Help: "Task and task group events emitted, by event name",
		},
		[]string{"event"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_claims_total",
			Help: "Claim attempts by outcome (success, stale, error)",
		},
		[]string{"task_queue", "outcome"},
	)

	HintPollerIterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_hintpoller_iterations_total",
			Help: "Hint poller loop iterations",
		},
		[]string{"task_queue"},
	)

	HintPollerHintsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_hintpoller_hints_total",
			Help: "Hints handed out or released by hint pollers",
		},
		[]string{"task_queue", "disposition"}, // claimed, released
	)

	HintPollerSleepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_hintpoller_sleeps_total",
			Help: "Hint poller iterations that found nothing and backed off",
		},
		[]string{"task_queue"},
	)

	ReaperRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqueue_reaper_rows_total",
			Help: "Rows handled by reapers and sweepers",
		},
		[]string{"reaper", "outcome"}, // resolved, skipped, failed
	)

	ReaperSweepSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskqueue_reaper_sweep_seconds",
			Help:    "Duration of a reaper sweep",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"reaper"},
	)
)

// Sink turns emitted events into metric updates. Poller and reaper events
// carry their counts as integer attributes.
type Sink struct{}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	switch event.Kind {
	case observe.KindTask, observe.KindGroup:
		TaskEventsTotal.WithLabelValues(event.Name).Inc()
	case observe.KindPoller:
		queue := event.TaskQueueID
		HintPollerIterationsTotal.WithLabelValues(queue).Inc()
		HintPollerHintsTotal.WithLabelValues(queue, "claimed").Add(float64(intAttr(event, "claimed")))
		HintPollerHintsTotal.WithLabelValues(queue, "released").Add(float64(intAttr(event, "released")))
		if slept, _ := event.Attributes["slept"].(bool); slept {
			HintPollerSleepsTotal.WithLabelValues(queue).Inc()
		}
	case observe.KindReaper:
		for _, outcome := range []string{"resolved", "deleted", "skipped", "failed"} {
			if n := intAttr(event, outcome); n > 0 {
				ReaperRowsTotal.WithLabelValues(event.Name, outcome).Add(float64(n))
			}
		}
		if event.DurationMs > 0 {
			ReaperSweepSeconds.WithLabelValues(event.Name).Observe(float64(event.DurationMs) / 1000)
		}
	}
	return nil
}

// RecordClaim counts one claim attempt.
func RecordClaim(taskQueueID, outcome string) {
	ClaimsTotal.WithLabelValues(taskQueueID, outcome).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func intAttr(event observe.Event, key string) int {
	switch v := event.Attributes[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
