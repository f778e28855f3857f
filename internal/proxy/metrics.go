package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castbridge",
		Subsystem: "proxy",
		Name:      "starts_total",
		Help:      "Number of proxy instance starts.",
	})
	clientsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castbridge",
		Subsystem: "proxy",
		Name:      "clients_total",
		Help:      "Number of accepted proxy client connections.",
	})
	activeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "castbridge",
		Subsystem: "proxy",
		Name:      "active_clients",
		Help:      "Currently connected proxy clients.",
	})
	transcodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "castbridge",
		Subsystem: "proxy",
		Name:      "transcode_failures_total",
		Help:      "Transcode or source failures observed while serving clients.",
	})
)
