package connmgr

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// managerMetrics are the Prometheus instruments for one connection
// manager. Each manager owns its registry so several instances (tests,
// multi-account processes) never collide on registration.
type managerMetrics struct {
	registry *prometheus.Registry

	NegotiationsStarted prometheus.Counter
	NegotiationsFailed  *prometheus.CounterVec // label: reason
	SocketsActive       prometheus.Gauge
	ChannelsOpened      prometheus.Counter
	ChannelsDeclined    prometheus.Counter
	BeaconTimeouts      prometheus.Counter
}

func newManagerMetrics(device string) *managerMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	constLabels := prometheus.Labels{"device": device}

	return &managerMetrics{
		registry: registry,
		NegotiationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "peerconn_negotiations_started_total",
			Help:        "Connection negotiations started, both directions.",
			ConstLabels: constLabels,
		}),
		NegotiationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "peerconn_negotiations_failed_total",
			Help:        "Connection negotiations failed, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		SocketsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "peerconn_sockets_active",
			Help:        "Established multiplexed sockets.",
			ConstLabels: constLabels,
		}),
		ChannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name:        "peerconn_channels_opened_total",
			Help:        "Channels opened on any socket, both directions.",
			ConstLabels: constLabels,
		}),
		ChannelsDeclined: factory.NewCounter(prometheus.CounterOpts{
			Name:        "peerconn_channels_declined_total",
			Help:        "Channel opens declined by either side.",
			ConstLabels: constLabels,
		}),
		BeaconTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "peerconn_beacon_timeouts_total",
			Help:        "Sockets torn down because the peer stopped answering beacons.",
			ConstLabels: constLabels,
		}),
	}
}

// MetricsRegistry exposes the manager's Prometheus registry so the owner
// can mount it on its metrics endpoint.
func (m *ConnectionManager) MetricsRegistry() *prometheus.Registry {
	return m.metrics.registry
}

// failReason maps a negotiation error to a metrics label.
func failReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, ErrNegotiationTimeout):
		return "timeout"
	case errors.Is(err, ErrIceFailed):
		return "ice"
	case errors.Is(err, ErrTlsFailed):
		return "tls"
	case errors.Is(err, ErrPeerDeclined):
		return "declined"
	case errors.Is(err, ErrTransportClosed), errors.Is(err, ErrNoExistingSocket):
		return "closed"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "other"
	}
}
