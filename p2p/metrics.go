package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

// networkMetrics is the reporting boundary: named numeric events with no
// feedback into control flow.
type networkMetrics struct {
	connectedPeers *prometheus.GaugeVec
	peerScore      *prometheus.GaugeVec
	requests       *prometheus.CounterVec
	handshakes     *prometheus.CounterVec
	bans           prometheus.Counter
	timeouts       prometheus.Counter

	meter          metric.Meter
	requestCounter metric.Int64Counter
	banCounter     metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			connectedPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "helio_p2p_connected_peers",
				Help: "Connected peers by direction.",
			}, []string{"direction"}),
			peerScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "helio_p2p_peer_score",
				Help: "Reputation score per peer.",
			}, []string{"peer"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "helio_p2p_requests_total",
				Help: "RPC requests by method, direction and outcome.",
			}, []string{"method", "direction", "outcome"}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "helio_p2p_handshakes_total",
				Help: "Handshake outcomes.",
			}, []string{"result"}),
			bans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "helio_p2p_bans_total",
				Help: "Peers banned.",
			}),
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "helio_p2p_request_timeouts_total",
				Help: "Peer-attributable request timeouts.",
			}),
		}
		prometheus.MustRegister(nm.connectedPeers, nm.peerScore, nm.requests, nm.handshakes, nm.bans, nm.timeouts)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("heliochain/p2p")
	requests, err := meter.Int64Counter("helio.p2p.requests")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("heliochain/p2p")
		requests, _ = fallback.Int64Counter("helio.p2p.requests")
		meter = fallback
	}
	bansCounter, err := meter.Int64Counter("helio.p2p.bans")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("heliochain/p2p")
		bansCounter, _ = fallback.Int64Counter("helio.p2p.bans")
		meter = fallback
	}
	m.meter = meter
	m.requestCounter = requests
	m.banCounter = bansCounter
}

func (m *networkMetrics) setPeerCounts(inbound, outbound int) {
	if m == nil {
		return
	}
	m.connectedPeers.WithLabelValues("inbound").Set(float64(inbound))
	m.connectedPeers.WithLabelValues("outbound").Set(float64(outbound))
}

func (m *networkMetrics) observePeerScore(peerID string, score int) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.WithLabelValues(peerID).Set(float64(score))
}

func (m *networkMetrics) recordRequest(method Method, direction Direction, outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.requests.WithLabelValues(string(method), direction.String(), outcome).Inc()
	if m.requestCounter != nil {
		m.requestCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("method", string(method)),
			attribute.String("direction", direction.String()),
			attribute.String("outcome", outcome),
		))
	}
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *networkMetrics) recordBan() {
	if m == nil {
		return
	}
	m.bans.Inc()
	if m.banCounter != nil {
		m.banCounter.Add(context.Background(), 1)
	}
}

func (m *networkMetrics) recordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *networkMetrics) removePeer(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.peerScore.DeleteLabelValues(peerID)
}
