package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "broadcastd",
			Name:      "deliveries_total",
			Help:      "Delivery task outcomes",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "broadcastd",
			Name:      "send_duration_seconds",
			Help:      "Duration of Sender calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "broadcastd",
		Name:      "queue_pending",
		Help:      "Pending tasks waiting in the dispatch queue",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "broadcastd",
		Name:      "sends_in_flight",
		Help:      "Tasks currently in the sending state",
	})
)
