// Package svcctx is the Service Context (spec §2): the thread-safe handle
// bundle constructed once at startup and passed to every request handler.
// It owns the lifetime of every long-running component — store, identity,
// overlay, room manager, media engine, signaling glue, frame server — and
// is the single place that wires them together, grounded on the teacher's
// own runPeer construction sequence in internal/app/run.go (host, avatar
// store, database, then the higher-level managers, in that order).
package svcctx

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chatr/chatr/internal/config"
	"github.com/chatr/chatr/internal/eventbus"
	"github.com/chatr/chatr/internal/frameserver"
	"github.com/chatr/chatr/internal/identity"
	"github.com/chatr/chatr/internal/media"
	"github.com/chatr/chatr/internal/overlay"
	"github.com/chatr/chatr/internal/rooms"
	"github.com/chatr/chatr/internal/signaling"
	"github.com/chatr/chatr/internal/store"
	"github.com/chatr/chatr/internal/util"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// relayRefreshInterval matches the teacher's own relay-reservation refresh
// cadence in internal/p2p/node.go's StartRelayRefresh caller.
const relayRefreshInterval = 60 * time.Second

// Context bundles every long-lived handle a request handler needs. Every
// field is safe for concurrent use by multiple goroutines; Context itself
// holds no additional lock because each field already serializes its own
// access (DB behind a mutex, Overlay/Media behind their own command
// queues, Events/Frames natively concurrency-safe).
type Context struct {
	Config   config.Config
	Identity identity.Keypair
	DB       *store.DB
	Events   *eventbus.Bus
	Overlay  *overlay.Node
	Rooms    *rooms.Manager
	Media    *media.Engine
	Frames   *frameserver.Registry

	signaling *signaling.Glue
}

// avatarAdapter lets the overlay pull the local avatar out of the store
// without importing internal/store directly, matching the decoupling
// pattern overlay.AvatarStore documents for itself.
type avatarAdapter struct{ db *store.DB }

func (a avatarAdapter) CurrentAvatar() (data []byte, ok bool) {
	profile, err := a.db.LoadProfile()
	if err != nil || profile.AvatarHash == "" {
		return nil, false
	}
	img, err := a.db.LoadAvatar(profile.AvatarHash)
	if err != nil {
		return nil, false
	}
	return img, true
}

// Build constructs and wires every component described in spec §2 from a
// loaded configuration, resolving relative paths against cfgDir (the
// directory containing the config file). The returned Context's background
// tasks (Overlay.Run, Media.Run, signaling glue) are already started in
// their own goroutines; callers only need to block on ctx and call Close.
func Build(ctx context.Context, cfgDir string, cfg config.Config) (*Context, error) {
	keyFile := cfg.KeyFilePath(cfgDir)
	kp, created, err := identity.LoadOrCreate(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if created {
		log.Printf("svcctx: generated new identity key at %s", keyFile)
	}
	log.Printf("svcctx: peer id %s", kp.String())

	db, err := store.Open(cfg.StoreDirPath(cfgDir))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	events := eventbus.New()

	var relayInfo *peer.AddrInfo
	if cfg.Overlay.RelayAddr != "" {
		info, err := parseRelayAddr(cfg.Overlay.RelayAddr)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("parse overlay.relay_addr: %w", err)
		}
		relayInfo = info
	}

	ov, err := overlay.New(ctx, kp, overlay.Config{
		ListenPort:    cfg.Overlay.ListenPort,
		RelayAddrInfo: relayInfo,
		PresenceTTL:   util.DefaultFetchTimeout,
	}, events)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("construct overlay: %w", err)
	}
	ov.EnableAvatar(avatarAdapter{db: db})

	frames := frameserver.New()

	rm := rooms.New(db, ov, events, kp.String())
	if profile, err := db.LoadProfile(); err == nil {
		rm.SetAvatarHash(profile.AvatarHash)
	}

	eng := media.New(kp.String(), events, frames, ov)
	glue := signaling.New(kp.String(), eng, events)

	c := &Context{
		Config:    cfg,
		Identity:  kp,
		DB:        db,
		Events:    events,
		Overlay:   ov,
		Rooms:     rm,
		Media:     eng,
		Frames:    frames,
		signaling: glue,
	}

	go ov.Run(ctx)
	go eng.Run(ctx)
	go glue.Run(ctx)
	go ov.StartRelayRefresh(ctx, relayRefreshInterval)
	ov.SubscribeAddressChanges(ctx, func() {})
	go watchPeerLinks(ctx, events, rm)

	return c, nil
}

// watchPeerLinks drives rooms.Manager's debounced PeerInfo.Online flag from
// the overlay's raw libp2p connect/disconnect notifications (§4.1:
// "Connection failures cause peer-disconnected events; the peer entry is
// marked offline but retained").
func watchPeerLinks(ctx context.Context, events *eventbus.Bus, rm *rooms.Manager) {
	ch, unsubscribe := events.Subscribe(32)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			peerID, ok := evt.Payload.(string)
			if !ok {
				continue
			}
			switch evt.Type {
			case "PeerLinkUp":
				rm.SetReachable(peerID, true)
			case "PeerLinkDown":
				rm.SetReachable(peerID, false)
			}
		}
	}
}

// parseRelayAddr parses a static relay multiaddr string (e.g.
// "/ip4/1.2.3.4/tcp/4001/p2p/Qm...") into a peer.AddrInfo, the shape
// overlay.Config.RelayAddrInfo expects.
func parseRelayAddr(addr string) (*peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid relay multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("extract relay peer info: %w", err)
	}
	return info, nil
}

// Close releases every handle in dependency order (reverse of Build):
// media engine first (it may still be driving device threads), then the
// overlay swarm, then the store.
func (c *Context) Close() error {
	c.Media.Leave(context.Background())
	if err := c.Overlay.Close(); err != nil {
		log.Printf("svcctx: close overlay: %v", err)
	}
	return c.DB.Close()
}
