package usb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the transfer engine and the input monitor. All methods
// are nil-safe so instrumentation stays optional.
type Metrics struct {
	controlTransfers  *prometheus.CounterVec
	bulkTransfers     *prometheus.CounterVec
	requestsSubmitted prometheus.Counter
	requestsReaped    prometheus.Counter
	requestsCancelled prometheus.Counter
	requestsPending   prometheus.Gauge
	monitorDelivered  prometheus.Counter
	monitorBackoffs   prometheus.Counter
}

// NewMetrics registers the transport's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		controlTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usb_control_transfers_total",
			Help: "Blocking control transfers issued, by direction.",
		}, []string{"direction"}),
		bulkTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usb_bulk_transfers_total",
			Help: "Blocking bulk/interrupt transfers issued, by direction.",
		}, []string{"direction"}),
		requestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "usb_requests_submitted_total",
			Help: "Asynchronous requests handed to the kernel.",
		}),
		requestsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "usb_requests_reaped_total",
			Help: "Asynchronous completions collected from the kernel.",
		}),
		requestsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "usb_requests_cancelled_total",
			Help: "Asynchronous requests discarded before completion.",
		}),
		requestsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "usb_requests_pending",
			Help: "Asynchronous requests currently owned by the kernel.",
		}),
		monitorDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "usb_monitor_deliveries_total",
			Help: "Data-bearing completions delivered by input monitors.",
		}),
		monitorBackoffs: factory.NewCounter(prometheus.CounterOpts{
			Name: "usb_monitor_backoffs_total",
			Help: "Idle backoff cycles entered by input monitors.",
		}),
	}
}

func directionLabel(d EndpointDirection) string {
	if d == EndpointDirectionIn {
		return "in"
	}
	return "out"
}

func (m *Metrics) controlTransfer(direction EndpointDirection) {
	if m != nil {
		m.controlTransfers.WithLabelValues(directionLabel(direction)).Inc()
	}
}

func (m *Metrics) bulkTransfer(direction EndpointDirection) {
	if m != nil {
		m.bulkTransfers.WithLabelValues(directionLabel(direction)).Inc()
	}
}

func (m *Metrics) requestSubmitted() {
	if m != nil {
		m.requestsSubmitted.Inc()
		m.requestsPending.Inc()
	}
}

func (m *Metrics) requestReaped() {
	if m != nil {
		m.requestsReaped.Inc()
		m.requestsPending.Dec()
	}
}

func (m *Metrics) requestCancelled() {
	if m != nil {
		m.requestsCancelled.Inc()
	}
}

// requestDropped accounts for a request abandoned without a reap, such as
// when the device disappears or the session closes with requests in flight.
func (m *Metrics) requestDropped() {
	if m != nil {
		m.requestsPending.Dec()
	}
}

func (m *Metrics) monitorDelivery() {
	if m != nil {
		m.monitorDelivered.Inc()
	}
}

func (m *Metrics) monitorBackoff() {
	if m != nil {
		m.monitorBackoffs.Inc()
	}
}
