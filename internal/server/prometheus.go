package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "chiasim"

// Metrics used in monitoring service.
var (
	reqCounter = map[string]prometheus.Counter{}
	reqTimes   = map[string]prometheus.Histogram{}

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of open websocket sessions",
			Name:      "ws_connections",
			Namespace: metricsNamespace,
		},
	)
	updatesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of coin state updates written to sessions",
			Name:      "updates_delivered_total",
			Namespace: metricsNamespace,
		},
	)
	updatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of coin state updates dropped on full session buffers",
			Name:      "updates_dropped_total",
			Namespace: metricsNamespace,
		},
	)
)

func addReqTimeMetric(name string, t time.Duration) {
	hist, ok := reqTimes[name]
	if ok {
		hist.Observe(t.Seconds())
	}
	ctr, ok := reqCounter[name]
	if ok {
		ctr.Inc()
	}
}

func regCounter(call string) {
	ctr := prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      fmt.Sprintf("Number of %s requests", call),
			Name:      fmt.Sprintf("%s_called", call),
			Namespace: metricsNamespace,
		},
	)
	prometheus.MustRegister(ctr)
	reqCounter[call] = ctr
	reqTimes[call] = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "Request " + call + " handling time",
			Name:      "req_" + strings.ToLower(call) + "_time",
			Namespace: metricsNamespace,
		},
	)
	prometheus.MustRegister(reqTimes[call])
}

func init() {
	prometheus.MustRegister(wsConnections, updatesDelivered, updatesDropped)
	for call := range wsHandlers {
		regCounter(call)
	}
}
