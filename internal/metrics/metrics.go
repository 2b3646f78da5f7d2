package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Mutation outcomes.
const (
	OutcomeSynced   = "synced"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
	OutcomeSkipped  = "skipped"
)

// Pass outcomes.
const (
	PassCompleted = "completed"
	PassAborted   = "aborted"
	PassSkipped   = "skipped"
)

var (
	once sync.Once

	syncMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planner",
			Subsystem: "sync",
			Name:      "mutations_total",
			Help:      "Queued mutations processed by outcome.",
		},
		[]string{"outcome"},
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planner",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Sync passes by outcome.",
		},
		[]string{"outcome"},
	)

	emergencyChannel = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "planner",
			Subsystem: "emergency",
			Name:      "channel_total",
			Help:      "Emergency save attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(syncMutations, syncPasses, emergencyChannel)
	})
}

func IncMutation(outcome string) {
	syncMutations.WithLabelValues(outcome).Inc()
}

func IncPass(outcome string) {
	syncPasses.WithLabelValues(outcome).Inc()
}

// IncEmergency records one channel attempt; ok selects the "ok" or "error" label.
func IncEmergency(channel string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	emergencyChannel.WithLabelValues(channel, outcome).Inc()
}
