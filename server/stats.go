// Logic related to metrics: reporting live stats such as
// session and channel counts, handshake and delivery outcomes.
// Metrics are exposed in Prometheus text format.

package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/testmycode/tmc-comet/server/logs"
)

const statsNamespace = "tmc_comet"

var (
	statsRegistry = prometheus.NewRegistry()

	statsSessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: statsNamespace,
		Name:      "sessions_live_count",
		Help:      "Number of live sessions.",
	})
	statsSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: statsNamespace,
		Name:      "sessions_total",
		Help:      "Total number of sessions since the server start.",
	})
	statsChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: statsNamespace,
		Name:      "channels_live_count",
		Help:      "Number of channels with subscribers or persistent channels.",
	})
	statsHandshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: statsNamespace,
		Name:      "handshakes_total",
		Help:      "Handshakes by session role and result.",
	}, []string{"role", "result"})
	statsDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: statsNamespace,
		Name:      "denials_total",
		Help:      "Channel operations refused by the access control.",
	}, []string{"op"})
	statsPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: statsNamespace,
		Name:      "published_total",
		Help:      "Messages processed by the hub by result.",
	}, []string{"result"})
	statsIncomingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: statsNamespace,
		Name:      "incoming_messages_websock_total",
		Help:      "Messages received over websocket.",
	})
	statsOutgoingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: statsNamespace,
		Name:      "outgoing_messages_websock_total",
		Help:      "Messages sent over websocket.",
	})
	statsPublishLatencyMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: statsNamespace,
		Name:      "synchronous_publish_latency_ms",
		Help:      "Latency of synchronous publish requests in milliseconds.",
		Buckets:   RequestLatencyDistribution,
	})
)

func init() {
	statsRegistry.MustRegister(
		statsSessionsLive,
		statsSessionsTotal,
		statsChannels,
		statsHandshakes,
		statsDenials,
		statsPublishes,
		statsIncomingTotal,
		statsOutgoingTotal,
		statsPublishLatencyMs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Initialize stats reporting. The presence count is read on demand.
func statsInit(mux *http.ServeMux, path string, presencePages func() int) {
	if path == "" || path == "-" {
		return
	}

	if presencePages != nil {
		statsRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: statsNamespace,
			Name:      "presence_pages_live_count",
			Help:      "Number of pages with at least one user present.",
		}, func() float64 { return float64(presencePages()) }))
	}

	mux.Handle(path, promhttp.HandlerFor(statsRegistry, promhttp.HandlerOpts{}))

	logs.Info.Printf("stats: metrics exposed at '%s'", path)
}

func statsSessionStarted() {
	statsSessionsLive.Inc()
	statsSessionsTotal.Inc()
}

func statsSessionEnded() {
	statsSessionsLive.Dec()
}

func statsHandshake(role, result string) {
	statsHandshakes.WithLabelValues(role, result).Inc()
}

func statsDenied(op string) {
	statsDenials.WithLabelValues(op).Inc()
}

func statsPublished(result string) {
	statsPublishes.WithLabelValues(result).Inc()
}

func statsIncoming() {
	statsIncomingTotal.Inc()
}

func statsOutgoing() {
	statsOutgoingTotal.Inc()
}

func statsPublishLatency(d time.Duration) {
	statsPublishLatencyMs.Observe(float64(d) / float64(time.Millisecond))
}
