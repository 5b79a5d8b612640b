// Package overlay is the Network Core: a single-task event loop driving a
// libp2p swarm over TCP and QUIC, with gossip pub/sub, LAN discovery, a
// Kademlia DHT for invite-code resolution, and the standard NAT-traversal
// composition (Identify, AutoNAT, relay client, DCUtR).
package overlay

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/chatr/chatr/internal/eventbus"
	"github.com/chatr/chatr/internal/identity"
	"github.com/chatr/chatr/internal/proto"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("dht", "warn")
}

// Node is the Network Core component. It owns the libp2p host and is never
// shared: every mutation runs on the single command-processing goroutine
// started by Run (see commands.go).
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	dht  *dht.IpfsDHT

	discoveryTopic *pubsub.Topic
	discoverySub   *pubsub.Subscription

	mu         sync.Mutex
	roomTopics map[string]*pubsub.Topic
	roomSubs   map[string]*pubsub.Subscription

	events *eventbus.Bus

	relayPeer *peer.AddrInfo

	diagMu   sync.Mutex
	diagLogs []string
	diagMax  int

	startTime time.Time

	cmds chan func()
}

// Config controls swarm construction.
type Config struct {
	ListenPort    int
	RelayAddrInfo *peer.AddrInfo // nil disables relay/autorelay
	PresenceTTL   time.Duration
}

// New constructs the swarm and starts its background services: mDNS,
// GossipSub, and the Kademlia DHT. The returned Node's command loop must be
// driven by calling Run in its own goroutine.
func New(ctx context.Context, kp identity.Keypair, cfg Config, events *eventbus.Bus) (*Node, error) {
	opts := []libp2p.Option{
		libp2p.Identity(kp.PrivKey),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.ListenPort),
		),
	}

	if cfg.RelayAddrInfo != nil {
		opts = append(opts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*cfg.RelayAddrInfo},
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(30*time.Second),
			),
		)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("construct swarm: %w", err)
	}

	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("start mdns: %w", err)
	}

	mode := dht.ModeAutoServer
	kdht, err := dht.New(ctx, h, dht.Mode(mode), dht.NamespacedValidator("invite", inviteValidator{}))
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("construct dht: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("bootstrap dht: %w", err)
	}
	go connectBootstrapPeers(ctx, h)

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithFloodPublish(true),
		pubsub.WithGossipSubParams(meshParams()),
	)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("construct pubsub: %w", err)
	}

	discTopic, err := ps.Join(proto.DiscoveryTopic)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("join discovery topic: %w", err)
	}
	discSub, err := discTopic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("subscribe discovery topic: %w", err)
	}

	n := &Node{
		Host:           h,
		ps:             ps,
		dht:            kdht,
		discoveryTopic: discTopic,
		discoverySub:   discSub,
		roomTopics:     make(map[string]*pubsub.Topic),
		roomSubs:       make(map[string]*pubsub.Subscription),
		events:         events,
		relayPeer:      cfg.RelayAddrInfo,
		diagLogs:       make([]string, 0, 200),
		diagMax:        200,
		startTime:      time.Now(),
		cmds:           make(chan func(), 64),
	}

	h.Network().Notify(&connNotifiee{n: n})

	return n, nil
}

// meshParams returns GossipSub parameters tuned per the application's mesh
// degree target (low 1, high 4) and 10s heartbeat, overriding the library's
// own defaults (D=6, Dlo=5, Dhi=12).
func meshParams() pubsub.GossipSubParams {
	p := pubsub.DefaultGossipSubParams()
	p.D = 2
	p.Dlo = 1
	p.Dhi = 4
	p.HeartbeatInterval = 10 * time.Second
	return p
}

func connectBootstrapPeers(ctx context.Context, h host.Host) {
	var wg sync.WaitGroup
	for _, addr := range dht.DefaultBootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			_ = h.Connect(connectCtx, pi)
		}(*pi)
	}
	wg.Wait()
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// Close shuts down the swarm and all its subsystems.
func (n *Node) Close() error {
	_ = n.dht.Close()
	return n.Host.Close()
}

// ID returns the local peer id as text.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

func (n *Node) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)

	ts := time.Now().Format("15:04:05")
	entry := fmt.Sprintf("[%s] %s", ts, msg)

	n.diagMu.Lock()
	n.diagLogs = append(n.diagLogs, entry)
	if len(n.diagLogs) > n.diagMax {
		n.diagLogs = n.diagLogs[len(n.diagLogs)-n.diagMax:]
	}
	n.diagMu.Unlock()
}

// DiagSnapshot returns a diagnostic report for this peer, supplementing
// the bare §4.1 contract with the observability surface the teacher's own
// relay diagnostic stream provides.
func (n *Node) DiagSnapshot() map[string]any {
	now := time.Now()

	var addrs []string
	hasCircuit := false
	for _, a := range n.Host.Addrs() {
		s := a.String()
		addrs = append(addrs, s)
		if isCircuitAddr(a) {
			hasCircuit = true
		}
	}

	relayConns := 0
	if n.relayPeer != nil {
		relayConns = len(n.Host.Network().ConnsToPeer(n.relayPeer.ID))
	}

	n.diagMu.Lock()
	logs := make([]string, len(n.diagLogs))
	copy(logs, n.diagLogs)
	n.diagMu.Unlock()

	return map[string]any{
		"peer_id":         n.Host.ID().String(),
		"addrs":           addrs,
		"has_circuit":      hasCircuit,
		"relay_conns":     relayConns,
		"connected_peers": len(n.Host.Network().Peers()),
		"uptime":          now.Sub(n.startTime).Truncate(time.Second).String(),
		"num_goroutine":   runtime.NumGoroutine(),
		"logs":            logs,
	}
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses. Circuit relay addresses are always included
// since they represent a public relay path.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

func (n *Node) hasCircuitAddr() bool {
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

// SubscribeAddressChanges watches for libp2p address changes and triggers
// relay recovery when the circuit address disappears. Ported near-verbatim
// from the teacher's own relay-recovery logic.
func (n *Node) SubscribeAddressChanges(ctx context.Context, onChange func()) {
	if n.relayPeer == nil {
		return
	}
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		n.diag("relay: failed to subscribe to address changes: %v", err)
		return
	}

	hadCircuit := n.hasCircuitAddr()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Out():
				hasCircuit := n.hasCircuitAddr()
				if hasCircuit != hadCircuit {
					if !hasCircuit {
						n.diag("relay: circuit address lost, recovering...")
						n.recoverRelay(ctx)
					}
					hadCircuit = hasCircuit
					if onChange != nil {
						onChange()
					}
				}
			}
		}
	}()
}

func (n *Node) recoverRelay(ctx context.Context) {
	if n.relayPeer == nil {
		return
	}
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return
	}
	if n.hasCircuitAddr() {
		n.diag("relay: autorelay recovered on its own")
		return
	}

	conns := n.Host.Network().ConnsToPeer(n.relayPeer.ID)
	for _, c := range conns {
		_ = c.Close()
	}
	if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(n.relayPeer.ID)
	}
	n.Host.Peerstore().AddAddrs(n.relayPeer.ID, n.relayPeer.Addrs, 10*time.Minute)

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := n.Host.Connect(connCtx, *n.relayPeer); err != nil {
		n.diag("relay: recovery connect failed: %v", err)
		return
	}

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			n.diag("relay: reservation timeout after recovery")
			return
		case <-tick.C:
			if n.hasCircuitAddr() {
				n.diag("relay: reservation restored after recovery")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// StartRelayRefresh periodically forces a fresh relay reservation.
func (n *Node) StartRelayRefresh(ctx context.Context, interval time.Duration) {
	if n.relayPeer == nil {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n.ensureRelayReservation(ctx)
			}
		}
	}()
}

func (n *Node) ensureRelayReservation(ctx context.Context) {
	conns := n.Host.Network().ConnsToPeer(n.relayPeer.ID)
	for _, c := range conns {
		_ = c.Close()
	}
	if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(n.relayPeer.ID)
	}
	n.Host.Peerstore().AddAddrs(n.relayPeer.ID, n.relayPeer.Addrs, 10*time.Minute)

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := n.Host.Connect(connCtx, *n.relayPeer); err != nil {
		n.diag("relay: refresh — connect failed: %v", err)
		return
	}

	deadline := time.After(8 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			n.diag("relay: refresh — reservation NOT restored after 8s")
			return
		case <-tick.C:
			if n.hasCircuitAddr() {
				n.diag("relay: refresh — reservation confirmed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func dirString(d network.Direction) string {
	switch d {
	case network.DirInbound:
		return "inbound"
	case network.DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}
