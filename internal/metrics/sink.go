// Package metrics defines the write-only counter/gauge/histogram sink
// (component G) that the rest of the core treats as an external
// collaborator (spec.md §1), and a Prometheus-backed implementation of it
// grounded in kstaniek-go-ampio-server's use of
// github.com/prometheus/client_golang.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the write-only interface every component in this repository
// depends on. The core never reads metric values back.
type Sink interface {
	IncBytesSent(protocol string, n int)
	IncBytesReceived(protocol string, n int)
	IncFinalizations(kind string)
	IncClientConnectedEventFailures()
	IncClientDisconnectedEventFailures()
	SetClientsConnected(n int)
	ObserveClientConnectedEventTime(d time.Duration)
	ObserveClientDisconnectedEventTime(d time.Duration)

	// Supplemented (SPEC_FULL.md "SUPPLEMENTED FEATURES"): aggregate counter
	// for datagrams from an unrouted endpoint that did not complete a pending
	// handshake (wrong length, unknown token, or endpoint already recorded),
	// and a histogram of client-ID allocator probe-step counts.
	IncUDPHandshakeRejected()
	ObserveClientIDProbeSteps(steps int)
}

// Prometheus implements Sink over a *prometheus.Registry.
type Prometheus struct {
	bytesSent        *prometheus.CounterVec
	bytesReceived    *prometheus.CounterVec
	finalizations    *prometheus.CounterVec
	connFailures     prometheus.Counter
	disconnFailures  prometheus.Counter
	clientsConnected prometheus.Gauge
	connEventTime    prometheus.Histogram
	disconnEventTime prometheus.Histogram
	handshakeReject  prometheus.Counter
	idProbeSteps     prometheus.Histogram
}

// NewPrometheus registers the core's metrics with reg and returns a Sink
// backed by them. Pass prometheus.NewRegistry() for an isolated registry,
// or prometheus.DefaultRegisterer-wrapped registry to expose via the
// default /metrics handler.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bichannel_bytes_sent_total",
			Help: "Bytes sent, by channel protocol.",
		}, []string{"protocol"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bichannel_bytes_received_total",
			Help: "Bytes received, by channel protocol.",
		}, []string{"protocol"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bichannel_finalizations_total",
			Help: "Pooled objects released twice or garbage collected unreleased, by kind.",
		}, []string{"type"}),
		connFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bichannel_client_connected_event_failures_total",
			Help: "ClientConnected extension handler failures.",
		}),
		disconnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bichannel_client_disconnected_event_failures_total",
			Help: "ClientDisconnected extension handler failures.",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bichannel_clients_connected",
			Help: "Currently admitted clients.",
		}),
		connEventTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bichannel_client_connected_event_time_seconds",
			Help:    "Wall time spent in the ClientConnected extension handler.",
			Buckets: prometheus.DefBuckets,
		}),
		disconnEventTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bichannel_client_disconnected_event_time_seconds",
			Help:    "Wall time spent in the ClientDisconnected extension handler.",
			Buckets: prometheus.DefBuckets,
		}),
		handshakeReject: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bichannel_udp_handshake_rejected_total",
			Help: "Unreliable-channel datagrams dropped for an unrecognized or mismatched AuthToken.",
		}),
		idProbeSteps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bichannel_client_id_probe_steps",
			Help:    "Linear-probe steps taken by the client ID allocator per allocation.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
	}

	reg.MustRegister(
		p.bytesSent, p.bytesReceived, p.finalizations,
		p.connFailures, p.disconnFailures, p.clientsConnected,
		p.connEventTime, p.disconnEventTime,
		p.handshakeReject, p.idProbeSteps,
	)
	return p
}

func (p *Prometheus) IncBytesSent(protocol string, n int) {
	p.bytesSent.WithLabelValues(protocol).Add(float64(n))
}

func (p *Prometheus) IncBytesReceived(protocol string, n int) {
	p.bytesReceived.WithLabelValues(protocol).Add(float64(n))
}

func (p *Prometheus) IncFinalizations(kind string) {
	p.finalizations.WithLabelValues(kind).Inc()
}

func (p *Prometheus) IncClientConnectedEventFailures()    { p.connFailures.Inc() }
func (p *Prometheus) IncClientDisconnectedEventFailures() { p.disconnFailures.Inc() }

func (p *Prometheus) SetClientsConnected(n int) { p.clientsConnected.Set(float64(n)) }

func (p *Prometheus) ObserveClientConnectedEventTime(d time.Duration) {
	p.connEventTime.Observe(d.Seconds())
}

func (p *Prometheus) ObserveClientDisconnectedEventTime(d time.Duration) {
	p.disconnEventTime.Observe(d.Seconds())
}

func (p *Prometheus) IncUDPHandshakeRejected() { p.handshakeReject.Inc() }

func (p *Prometheus) ObserveClientIDProbeSteps(steps int) {
	p.idProbeSteps.Observe(float64(steps))
}
