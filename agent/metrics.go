package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	endpointCommand = "command"
	endpointStream  = "stream"
)

type metrics struct {
	started       *prometheus.CounterVec
	startFailures *prometheus.CounterVec
	exits         *prometheus.CounterVec
	running       prometheus.Gauge
	duration      *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		started: f.NewCounterVec(prometheus.CounterOpts{
			Name: "procrt_agent_processes_started_total",
			Help: "Processes started, by endpoint",
		}, []string{"endpoint"}),
		startFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "procrt_agent_process_start_failures_total",
			Help: "Processes that could not be started, by endpoint and reason",
		}, []string{"endpoint", "reason"}),
		exits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "procrt_agent_process_exits_total",
			Help: "Process exits, by endpoint and whether the exit code was zero",
		}, []string{"endpoint", "status"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Name: "procrt_agent_processes_running",
			Help: "Processes currently running",
		}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "procrt_agent_process_duration_seconds",
			Help:    "Process run time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}, []string{"endpoint"}),
	}
}
