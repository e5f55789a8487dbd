package delivery

import (
	"time"

	"github.com/bissquit/campaign-relay/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of work units waiting in the queue",
		},
	)

	unitsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "queue",
			Name:      "units_processed_total",
			Help:      "Total work units processed by kind and result",
		},
		[]string{"kind", "result"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "delivery",
			Name:      "sends_total",
			Help:      "Dispatch outcomes by provider",
		},
		[]string{"provider", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the provider send call",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	pagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "delivery",
			Name:      "pages_total",
			Help:      "Coordinator page passes by outcome",
		},
		[]string{"outcome"},
	)

	campaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "delivery",
			Name:      "campaign_transitions_total",
			Help:      "Campaign status changes by target status",
		},
		[]string{"status"},
	)
)

func recordUnit(kind UnitKind, result string) {
	unitsProcessed.WithLabelValues(string(kind), result).Inc()
}

func recordSend(provider, outcome string) {
	sendsTotal.WithLabelValues(provider, outcome).Inc()
}

func recordSendDuration(provider string, d time.Duration) {
	sendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func recordPage(outcome PageOutcome) {
	pagesProcessed.WithLabelValues(string(outcome)).Inc()
}

func recordTransition(status string) {
	campaignTransitions.WithLabelValues(status).Inc()
}

// RecordQueueDepth updates the queue depth gauge.
func RecordQueueDepth(depth int64) {
	queueDepth.Set(float64(depth))
}
