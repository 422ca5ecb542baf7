// Package metrics exposes prometheus counters for the transport's hot path
// (packets sent/received/dropped, retries, NACKs, timeouts) and the
// broker's request outcomes. The Collector registers against its own
// prometheus.Registry rather than the global default, so embedding
// applications keep full control of what they expose.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-link/rdt/pkg/broker"
	"github.com/kestrel-link/rdt/pkg/rdt"
)

// Collector owns every counter this package exports. It is safe for
// concurrent use: prometheus counter/gauge vectors already serialize their
// own increments.
type Collector struct {
	registry *prometheus.Registry

	packetsSent        *prometheus.CounterVec
	packetsRecv        *prometheus.CounterVec
	framesDropped      prometheus.Counter
	blocksDropped      *prometheus.CounterVec
	retries            *prometheus.CounterVec
	nacksSent          *prometheus.CounterVec
	nacksReceived      *prometheus.CounterVec
	transmitsAbandoned *prometheus.CounterVec
	brokerOutcomes     *prometheus.CounterVec
}

// New builds a Collector and registers its metrics on a fresh registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.packetsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdt",
		Name:      "packets_sent_total",
		Help:      "RDT frames sent, by channel and service code.",
	}, []string{"channel", "service"})

	c.packetsRecv = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdt",
		Name:      "packets_received_total",
		Help:      "RDT frames accepted after CRC/length verification, by channel and service code.",
	}, []string{"channel", "service"})

	c.framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rdt",
		Name:      "frames_dropped_total",
		Help:      "Inbound frames dropped before reaching a channel: bad length, CRC mismatch, unknown channel, or a full event queue.",
	})

	c.blocksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdt",
		Name:      "blocks_dropped_total",
		Help:      "Reassembled blocks dropped because the channel's rx_queue was full.",
	}, []string{"channel"})

	c.retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdt",
		Name:      "tx_retries_total",
		Help:      "ACK_TIMEOUT retries on the transmit state machine, by channel.",
	}, []string{"channel"})

	c.nacksSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdt",
		Name:      "nacks_sent_total",
		Help:      "NACK frames sent by the receive state machine, by channel.",
	}, []string{"channel"})

	c.nacksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdt",
		Name:      "nacks_received_total",
		Help:      "NACK frames received by the transmit state machine, by channel.",
	}, []string{"channel"})

	c.transmitsAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdt",
		Name:      "transmits_abandoned_total",
		Help:      "Transmits abandoned after MAX_RETRY timeouts, by channel.",
	}, []string{"channel"})

	c.brokerOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rdt",
		Subsystem: "broker",
		Name:      "request_outcomes_total",
		Help:      "Request Broker outcomes, by channel and outcome.",
	}, []string{"channel", "outcome"})

	c.registry.MustRegister(
		c.packetsSent,
		c.packetsRecv,
		c.framesDropped,
		c.blocksDropped,
		c.retries,
		c.nacksSent,
		c.nacksReceived,
		c.transmitsAbandoned,
		c.brokerOutcomes,
	)
	return c
}

// Handler returns an http.Handler serving this Collector's metrics in the
// Prometheus exposition format, for mounting under e.g. /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObservePacketSent records one outbound frame.
func (c *Collector) ObservePacketSent(ch uint8, svc rdt.ServiceCode) {
	c.packetsSent.WithLabelValues(chLabel(ch), svc.String()).Inc()
}

// ObservePacketReceived records one accepted inbound frame.
func (c *Collector) ObservePacketReceived(ch uint8, svc rdt.ServiceCode) {
	c.packetsRecv.WithLabelValues(chLabel(ch), svc.String()).Inc()
}

// ObserveFrameDropped records a frame dropped before it reached a channel
// (bad length, CRC mismatch, unknown channel, or a full event queue).
func (c *Collector) ObserveFrameDropped() {
	c.framesDropped.Inc()
}

// ObserveBlockDropped records a reassembled block dropped for a full
// rx_queue.
func (c *Collector) ObserveBlockDropped(ch uint8) {
	c.blocksDropped.WithLabelValues(chLabel(ch)).Inc()
}

// ObserveRetry records one ACK_TIMEOUT-triggered retransmit.
func (c *Collector) ObserveRetry(ch uint8) {
	c.retries.WithLabelValues(chLabel(ch)).Inc()
}

// ObserveNackSent records one NACK sent by the receive state machine.
func (c *Collector) ObserveNackSent(ch uint8) {
	c.nacksSent.WithLabelValues(chLabel(ch)).Inc()
}

// ObserveNackReceived records one NACK received by the transmit state
// machine.
func (c *Collector) ObserveNackReceived(ch uint8) {
	c.nacksReceived.WithLabelValues(chLabel(ch)).Inc()
}

// ObserveTransmitAbandoned records a transmit abandoned after MAX_RETRY.
func (c *Collector) ObserveTransmitAbandoned(ch uint8) {
	c.transmitsAbandoned.WithLabelValues(chLabel(ch)).Inc()
}

// ObserveBrokerOutcome records one Broker.Request outcome.
func (c *Collector) ObserveBrokerOutcome(ch uint8, outcome broker.Outcome) {
	c.brokerOutcomes.WithLabelValues(chLabel(ch), outcome.String()).Inc()
}

func chLabel(ch uint8) string {
	return strconv.Itoa(int(ch))
}
