// Package metrics defines the Manager's Prometheus instrumentation,
// grounded on ws/metrics.go's metric set and naming convention
// (ws_<noun>_<unit>) but renamed to the Manager's own domain: channels,
// clients, subscriptions, and FD transfers rather than websocket
// connections and broadcasts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every counter/gauge the Manager exposes on /metrics.
// Held as a struct (rather than package-level vars, unlike ws/metrics.go)
// so tests can register an isolated instance against a private registry.
type Metrics struct {
	ClientsActive  prometheus.Gauge
	ClientsTotal   prometheus.Counter
	ChannelsActive prometheus.Gauge

	SubscriptionsTotal   *prometheus.CounterVec
	UnsubscriptionsTotal *prometheus.CounterVec
	DenialsTotal         *prometheus.CounterVec

	AdmissionRejectionsTotal *prometheus.CounterVec
	FDTransferFailuresTotal  prometheus.Counter

	ReactorEventsTotal prometheus.Counter

	ResidentMemoryBytes prometheus.Gauge
	OpenFileDescriptors prometheus.Gauge
}

// New builds a Metrics set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shmembroker_clients_active",
			Help: "Current number of connected client sessions",
		}),
		ClientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmembroker_clients_total",
			Help: "Total number of client sessions accepted",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shmembroker_channels_active",
			Help: "Current number of live channels",
		}),
		SubscriptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmembroker_subscriptions_total",
			Help: "Total successful subscriptions by role",
		}, []string{"role"}),
		UnsubscriptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmembroker_unsubscriptions_total",
			Help: "Total successful unsubscriptions by role",
		}, []string{"role"}),
		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmembroker_denials_total",
			Help: "Total denied requests by reason",
		}, []string{"reason"}),
		AdmissionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shmembroker_admission_rejections_total",
			Help: "Total connection admission rejections by reason",
		}, []string{"reason"}),
		FDTransferFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmembroker_fd_transfer_failures_total",
			Help: "Total failures sending a buffer file descriptor to a client",
		}),
		ReactorEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shmembroker_reactor_events_total",
			Help: "Total readiness events processed by the reactor loop",
		}),
		ResidentMemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shmembroker_resident_memory_bytes",
			Help: "Resident set size of the Manager process",
		}),
		OpenFileDescriptors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shmembroker_open_file_descriptors",
			Help: "Number of open file descriptors held by the Manager process",
		}),
	}

	reg.MustRegister(
		m.ClientsActive,
		m.ClientsTotal,
		m.ChannelsActive,
		m.SubscriptionsTotal,
		m.UnsubscriptionsTotal,
		m.DenialsTotal,
		m.AdmissionRejectionsTotal,
		m.FDTransferFailuresTotal,
		m.ReactorEventsTotal,
		m.ResidentMemoryBytes,
		m.OpenFileDescriptors,
	)

	return m
}
