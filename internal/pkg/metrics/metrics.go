// Package metrics keeps prometheus counters of the pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "provider_attempts_total",
		Help:      "Speech to text provider calls by candidate and outcome",
	}, []string{"candidate", "outcome"})

	jobOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "jobs_total",
		Help:      "Finished jobs by final status and error code",
	}, []string{"status", "code"})

	minutesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "minutes_consumed_total",
		Help:      "Transcription minutes charged on completion",
	})
)

// ProviderAttempt counts provider call
func ProviderAttempt(candidate string, attempt int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	providerAttempts.WithLabelValues(candidate, outcome).Inc()
}

// JobFinished counts terminal job
func JobFinished(status, code string) {
	jobOutcomes.WithLabelValues(status, code).Inc()
}

// MinutesConsumed adds charged minutes
func MinutesConsumed(m int32) {
	if m > 0 {
		minutesConsumed.Add(float64(m))
	}
}
