// Package metrics implements component K's prometheus collectors:
// transfer throughput, pipeline failures by error category, per-box
// online status, and transaction status transitions.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector this module registers. The daemon
// hands *Metrics to boxapi.Server, the only component that records
// into it.
type Metrics struct {
	ImagesSent       prometheus.Counter
	ImagesReceived   prometheus.Counter
	PipelineFailures *prometheus.CounterVec
	BoxOnline        *prometheus.GaugeVec
	TransactionState *prometheus.CounterVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ImagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slicebox",
			Subsystem: "transfer",
			Name:      "images_sent_total",
			Help:      "Images successfully delivered by the outgoing transfer engine.",
		}),
		ImagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slicebox",
			Subsystem: "transfer",
			Name:      "images_received_total",
			Help:      "Images successfully accepted by the incoming transfer engine.",
		}),
		PipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slicebox",
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "DICOM pipeline failures, labeled by error category.",
		}, []string{"kind"}),
		BoxOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "slicebox",
			Subsystem: "box",
			Name:      "online",
			Help:      "1 if the box's last activity fell within the online timeout, else 0.",
		}, []string{"box"}),
		TransactionState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slicebox",
			Subsystem: "transaction",
			Name:      "state_transitions_total",
			Help:      "Outgoing/incoming transaction state transitions, labeled by direction and new status.",
		}, []string{"direction", "status"}),
	}
	reg.MustRegister(m.ImagesSent, m.ImagesReceived, m.PipelineFailures, m.BoxOnline, m.TransactionState)
	return m
}
