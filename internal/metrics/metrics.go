// Package metrics defines the Prometheus collectors the engine reports
// against, grounded on the registerer-scoped factory pattern used
// throughout the teacher (e.g. gnmi.NewConsumerMetrics,
// gnmi.NewProcessorMetrics) rather than the package-level-var style used
// elsewhere in the teacher, since multiple Engine instances in the same
// process (and in tests) each need their own registerer to avoid
// duplicate-registration panics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds the probe lifecycle counters the engine updates
// directly (spec §4.6/§7): sends, failures, replies, timeouts, and the
// current in-flight gauge.
type Collectors struct {
	ProbesSent     prometheus.Counter
	SendFailed     prometheus.Counter
	RepliesMatched prometheus.Counter
	Timeouts       prometheus.Counter
	InFlight       prometheus.Gauge
}

// New creates engine collectors registered with reg.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		ProbesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracelet_probes_sent_total",
			Help: "Total number of probes transmitted by the engine",
		}),
		SendFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracelet_probe_send_failed_total",
			Help: "Total number of probes that failed transmission after retry",
		}),
		RepliesMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracelet_replies_matched_total",
			Help: "Total number of captured replies matched to an in-flight probe",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracelet_probe_timeouts_total",
			Help: "Total number of probes that elapsed their deadline unmatched",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracelet_probes_in_flight",
			Help: "Current number of probes awaiting a reply or timeout",
		}),
	}
}
