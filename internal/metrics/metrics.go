// Package metrics registers the prometheus collectors scraped through the
// ops server and fans structured metric events out to registered handlers.
//
//	cryptotrack_tickers_total{venue}
//	cryptotrack_stream_reconnects_total{venue}
//	cryptotrack_stream_state{venue}
//	cryptotrack_venue_degraded{venue}
//	cryptotrack_rest_requests_total{venue,outcome}
//	cryptotrack_rest_used_weight{venue}
//	cryptotrack_messages_dropped_total{venue,reason}
//	cryptotrack_aggregate_updates_total
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	tickers          *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	streamState      *prometheus.GaugeVec
	degraded         *prometheus.GaugeVec
	restRequests     *prometheus.CounterVec
	usedWeight       *prometheus.GaugeVec
	dropped          *prometheus.CounterVec
	aggregateUpdates prometheus.Counter
)

// Init registers every collector. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		tickers = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptotrack_tickers_total",
			Help: "Ticker samples received from venue streams",
		}, []string{"venue"})
		reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptotrack_stream_reconnects_total",
			Help: "Scheduled stream reconnect attempts",
		}, []string{"venue"})
		streamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptotrack_stream_state",
			Help: "Stream state (0 idle, 1 connecting, 2 open, 3 reconnecting, 4 closed)",
		}, []string{"venue"})
		degraded = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptotrack_venue_degraded",
			Help: "1 when a venue exhausted its reconnect attempts",
		}, []string{"venue"})
		restRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptotrack_rest_requests_total",
			Help: "REST requests by outcome",
		}, []string{"venue", "outcome"})
		usedWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cryptotrack_rest_used_weight",
			Help: "Venue reported REST weight used in the current window",
		}, []string{"venue"})
		dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cryptotrack_messages_dropped_total",
			Help: "Stream messages or updates dropped",
		}, []string{"venue", "reason"})
		aggregateUpdates = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptotrack_aggregate_updates_total",
			Help: "Aggregated market data recomputations",
		})

		registry.MustRegister(tickers, reconnects, streamState, degraded, restRequests,
			usedWeight, dropped, aggregateUpdates,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and the ops server.
func Gatherer() prometheus.Gatherer {
	Init()
	return registry
}

func IncTicker(venue string) {
	Init()
	tickers.WithLabelValues(venue).Inc()
}

func IncReconnect(venue string) {
	Init()
	reconnects.WithLabelValues(venue).Inc()
}

func SetStreamState(venue string, state int) {
	Init()
	streamState.WithLabelValues(venue).Set(float64(state))
}

func SetDegraded(venue string, on bool) {
	Init()
	v := 0.0
	if on {
		v = 1
	}
	degraded.WithLabelValues(venue).Set(v)
}

func IncRestRequest(venue, outcome string) {
	Init()
	restRequests.WithLabelValues(venue, outcome).Inc()
}

func SetUsedWeight(venue string, used float64) {
	Init()
	usedWeight.WithLabelValues(venue).Set(used)
}

func IncAggregateUpdate() {
	Init()
	aggregateUpdates.Inc()
}
