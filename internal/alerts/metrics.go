package alerts

import (
	"github.com/bissquit/campaign-relay/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var alertsPosted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "alerts",
		Name:      "posted_total",
		Help:      "Campaign alerts posted to the webhook by result",
	},
	[]string{"result"},
)

func recordAlert(result string) {
	alertsPosted.WithLabelValues(result).Inc()
}
