package credentials

import (
	"github.com/bissquit/campaign-relay/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	credentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "credentials",
			Name:      "refreshes_total",
			Help:      "Token refresh exchanges by result",
		},
		[]string{"result"},
	)

	credentialLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "credentials",
			Name:      "lookups_total",
			Help:      "Credential acquisitions by cache result",
		},
		[]string{"cache"},
	)
)

func recordRefresh(result string) {
	credentialRefreshes.WithLabelValues(result).Inc()
}

func recordLookup(cacheResult string) {
	credentialLookups.WithLabelValues(cacheResult).Inc()
}
