package overlay

import (
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the Network Core. These are process-wide
// registered counters/gauges an external HTTP surface can scrape; the core
// itself never serves them (§4.5's scoping applies equally to metrics —
// exposing them is outside this package).
var (
	connectedPeersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatr",
		Subsystem: "overlay",
		Name:      "connected_peers",
		Help:      "Number of libp2p connections currently open to remote peers.",
	})
	envelopesPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatr",
		Subsystem: "overlay",
		Name:      "envelopes_published_total",
		Help:      "Envelopes published to a gossip topic, by envelope type.",
	}, []string{"type"})
	envelopesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatr",
		Subsystem: "overlay",
		Name:      "envelopes_received_total",
		Help:      "Envelopes decoded from a gossip topic, by envelope type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(connectedPeersGauge, envelopesPublishedTotal, envelopesReceivedTotal)
}

// connNotifiee updates the connected-peers gauge and republishes
// connect/disconnect transitions onto the event bus so internal/rooms can
// drive its debounced PeerInfo.Online flag (§4.1 "Connection failures cause
// peer-disconnected events; the peer entry is marked offline but
// retained"). Embedding network.NoopNotifiee means only the two callbacks
// that matter here need implementing.
type connNotifiee struct {
	network.NoopNotifiee
	n *Node
}

func (c *connNotifiee) Connected(net network.Network, conn network.Conn) {
	connectedPeersGauge.Set(float64(len(net.Peers())))
	c.n.events.Publish("PeerLinkUp", peerIDString(conn.RemotePeer()))
}

func (c *connNotifiee) Disconnected(net network.Network, conn network.Conn) {
	connectedPeersGauge.Set(float64(len(net.Peers())))
	c.n.events.Publish("PeerLinkDown", peerIDString(conn.RemotePeer()))
}

func peerIDString(id peer.ID) string { return id.String() }
