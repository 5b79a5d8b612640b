// Package rooms implements the room/channel state replication design
// described in spec §4.2: invite-code resolution, the join sequence that
// derives the default channel id without coordination, channel mutation
// gossip, and the peer roster kept per room.
package rooms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chatr/chatr/internal/eventbus"
	"github.com/chatr/chatr/internal/overlay"
	"github.com/chatr/chatr/internal/proto"
	"github.com/chatr/chatr/internal/store"
	"github.com/chatr/chatr/internal/util"

	"github.com/google/uuid"
)

// GeneralChannelName is the name of the default channel every room gets on
// creation/join, whose id is a deterministic function of (room id, name).
const GeneralChannelName = "general"

// Peer mirrors spec §3 PeerInfo: known peers, process-wide.
type Peer struct {
	PeerID      string
	DisplayName string
	AvatarHash  string
	Online      bool

	// failStreak/lastFailAt implement the debounced reachable→unreachable
	// transition grounded on the teacher's state.PeerTable.SetReachable:
	// a single transient disconnect must not flap the online flag.
	failStreak int
	lastFailAt time.Time
}

// Manager owns the in-memory peers map and room→peer-set roster, and
// drives invite resolution, join, and channel mutation gossip on top of an
// overlay.Node and a store.DB.
type Manager struct {
	db      *store.DB
	overlay *overlay.Node
	events  *eventbus.Bus
	selfID  string

	mu         sync.Mutex
	peers      map[string]*Peer               // all known peers, process-wide
	roomPeers  map[string]map[string]struct{} // room id -> set of peer ids
	avatarHash string                         // local profile's current avatar hash, announced alongside display name
}

// SetAvatarHash records the local profile's avatar hash so future
// PeerAnnounce envelopes (presence re-announces on join/resubscribe)
// advertise it. An empty hash means "no avatar set".
func (m *Manager) SetAvatarHash(hash string) {
	m.mu.Lock()
	m.avatarHash = hash
	m.mu.Unlock()
}

// New constructs a room manager bound to db (persistence) and ov (the
// network core). events receives PeerJoined/PeerLeft/ChannelChanged
// notifications for the UI bridge.
func New(db *store.DB, ov *overlay.Node, events *eventbus.Bus, selfID string) *Manager {
	return &Manager{
		db:        db,
		overlay:   ov,
		events:    events,
		selfID:    selfID,
		peers:     make(map[string]*Peer),
		roomPeers: make(map[string]map[string]struct{}),
	}
}

// CreateRoom creates a brand-new room locally: a random room id, an 8-char
// invite code, and the deterministic "general" channel. It publishes the
// invite record to the DHT so peers that never see the gossip probe can
// still resolve it, then subscribes to the room topic.
func (m *Manager) CreateRoom(ctx context.Context, name, displayName string) (store.Room, error) {
	invite, err := proto.NewInviteCode()
	if err != nil {
		return store.Room{}, fmt.Errorf("generate invite code: %w", err)
	}
	room := store.Room{
		ID:          uuid.NewString(),
		Name:        name,
		InviteCode:  invite,
		CreatedAt:   time.Now(),
		OwnerPeerID: m.selfID,
	}
	if err := m.db.CreateRoom(room); err != nil {
		return store.Room{}, fmt.Errorf("create room: %w", err)
	}
	if err := m.createGeneralChannel(room.ID); err != nil {
		return store.Room{}, err
	}

	if err := m.overlay.PublishRoomToDHT(ctx, invite, room.ID, name); err != nil {
		// Non-fatal: the gossip probe path still works for peers that are
		// online right now; DHT publish failure only affects the fallback.
		m.events.Publish("RoomPublishFailed", err.Error())
	}

	m.subscribe(ctx, room.ID, displayName)
	return room, nil
}

// JoinByInvite resolves invite to a room (§4.2 two-stage lookup), creates
// the local room/general-channel rows, and subscribes (the join sequence).
// Returns an error ("room not found") if both gossip and DHT time out.
func (m *Manager) JoinByInvite(ctx context.Context, invite, displayName string) (store.Room, error) {
	if existing, err := m.db.GetRoomByInviteCode(invite); err == nil {
		m.subscribe(ctx, existing.ID, displayName)
		return existing, nil
	}

	roomID, roomName, ok := m.resolveInvite(ctx, invite)
	if !ok {
		return store.Room{}, fmt.Errorf("room not found for invite %q", invite)
	}

	room := store.Room{
		ID:         roomID,
		Name:       roomName,
		InviteCode: invite,
		CreatedAt:  time.Now(),
	}
	if err := m.db.CreateRoom(room); err != nil {
		return store.Room{}, fmt.Errorf("create room: %w", err)
	}
	if err := m.createGeneralChannel(room.ID); err != nil {
		return store.Room{}, err
	}

	m.subscribe(ctx, room.ID, displayName)
	return room, nil
}

// resolveInvite implements the two-stage, short-circuit invite resolution:
// a 3s gossip probe on the discovery topic, falling back to a 5s DHT get.
func (m *Manager) resolveInvite(ctx context.Context, invite string) (roomID, roomName string, ok bool) {
	if e, found := m.overlay.LookupRoomViaGossip(ctx, invite, util.GossipLookupTimeout); found {
		return e.RoomID, e.RoomName, true
	}
	dctx, cancel := context.WithTimeout(ctx, util.DHTLookupTimeout)
	defer cancel()
	return m.overlay.LookupRoomViaDHT(dctx, invite)
}

func (m *Manager) createGeneralChannel(roomID string) error {
	id := proto.DeriveChannelID(roomID, GeneralChannelName)
	ch := store.Channel{
		ID:        id,
		RoomID:    roomID,
		Name:      GeneralChannelName,
		Type:      "text",
		Position:  0,
		CreatedAt: time.Now(),
	}
	if err := m.db.CreateChannel(ch); err != nil {
		return fmt.Errorf("create general channel: %w", err)
	}
	return nil
}

// subscribe joins the room's gossip topic, wires the envelope handler, and
// registers the peer-join/leave observer described in §4.2's
// "Subscribe side-effects".
func (m *Manager) subscribe(ctx context.Context, roomID, displayName string) {
	m.overlay.SubscribeRoom(ctx, roomID, displayName, m.currentAvatarHash(), func(e proto.Envelope) {
		m.handleEnvelope(ctx, roomID, displayName, e)
	})

	m.mu.Lock()
	if _, ok := m.roomPeers[roomID]; !ok {
		m.roomPeers[roomID] = make(map[string]struct{})
	}
	m.mu.Unlock()

	m.overlay.WatchRoomTopicPeers(ctx, roomID, func(peerID string, joined bool) {
		m.mu.Lock()
		set := m.roomPeers[roomID]
		if joined {
			set[peerID] = struct{}{}
		} else {
			delete(set, peerID)
		}
		m.mu.Unlock()

		if joined {
			// OPEN QUESTION (spec §9 "channel sync completeness"): only peers
			// observed after our own subscribe re-announce and sync here —
			// peers already present when we joined are never prompted to
			// re-announce. A newcomer depends on at least one already-present
			// peer noticing ITS subscribe. Implemented as specified; no
			// periodic rebroadcast added.
			m.overlay.AnnouncePresence(ctx, roomID, displayName, m.currentAvatarHash())
			if channels, err := m.db.ListChannels(roomID); err == nil {
				m.overlay.BroadcastChannelSync(ctx, roomID, toChannelInfos(channels))
			}
			m.events.Publish("PeerSubscribed", peerID)
		} else {
			m.events.Publish("PeerUnsubscribed", peerID)
		}
	})
}

// handleEnvelope applies one received overlay envelope to local state,
// per the reconciliation rules of §4.2.
func (m *Manager) handleEnvelope(ctx context.Context, roomID, selfDisplayName string, e proto.Envelope) {
	switch e.Type {
	case proto.TypePeerAnnounce:
		m.upsertPeer(e.PeerID, e.PeerDisplayName, e.PeerAvatarHash, e.RoomID)

	case proto.TypeChannelCreated:
		if e.Channel == nil {
			return
		}
		// CreateChannel is ON CONFLICT(id) DO NOTHING, so this is a no-op
		// when the channel id already exists (Invariant 2 / idempotence).
		_ = m.db.CreateChannel(fromChannelInfo(*e.Channel))
		m.events.Publish("ChannelCreated", *e.Channel)

	case proto.TypeChannelDeleted:
		if e.ChannelID == "" {
			return
		}
		_ = m.db.DeleteChannel(e.ChannelID)
		m.events.Publish("ChannelDeleted", e.ChannelID)

	case proto.TypeChannelSync:
		for _, ci := range e.Channels {
			_ = m.db.CreateChannel(fromChannelInfo(ci))
		}
		m.events.Publish("ChannelSync", e.Channels)

	case proto.TypeRoomLookupRequest:
		m.respondIfOwned(ctx, e)
	}
}

// respondIfOwned answers a RoomLookup request seen on the discovery topic
// if the local store knows the requested invite code.
func (m *Manager) respondIfOwned(ctx context.Context, e proto.Envelope) {
	room, err := m.db.GetRoomByInviteCode(e.Invite)
	if err != nil {
		return
	}
	m.overlay.RespondRoomLookup(ctx, e.Requester, e.Invite, room.ID, room.Name)
}

// upsertPeer applies peer-roster rule (c): a PeerAnnounce upserts the peer's
// name and inserts it into the announced room's set. Duplicate announces
// update the display name without duplicating the roster entry.
func (m *Manager) upsertPeer(peerID, displayName, avatarHash, roomID string) {
	if peerID == "" || peerID == m.selfID {
		return
	}
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		p = &Peer{PeerID: peerID}
		m.peers[peerID] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	} else if p.DisplayName == "" {
		p.DisplayName = shortPrefix(peerID)
	}
	if avatarHash != "" {
		p.AvatarHash = avatarHash
	}
	p.Online = true
	if roomID != "" {
		set, ok := m.roomPeers[roomID]
		if !ok {
			set = make(map[string]struct{})
			m.roomPeers[roomID] = set
		}
		set[peerID] = struct{}{}
	}
	m.mu.Unlock()

	_ = m.db.UpsertPeer(store.PeerInfo{PeerID: peerID, DisplayName: displayName, Online: true, AvatarHash: avatarHash})
	m.events.Publish("PeerAnnounce", peerID)
}

func (m *Manager) currentAvatarHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avatarHash
}

// SetReachable applies the debounced online/offline transition grounded on
// the teacher's PeerTable.SetReachable: a single transient connection
// failure must not flip a peer to offline; only after two distinct failure
// events more than 4s apart does the peer flip, matching §4.1's "peer
// entry is marked offline but retained" failure semantics without flapping.
func (m *Manager) SetReachable(peerID string, reachable bool) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if reachable {
		p.failStreak = 0
		p.lastFailAt = time.Time{}
		if !p.Online {
			p.Online = true
			m.mu.Unlock()
			_ = m.db.SetPeerOnline(peerID, true, time.Now())
			m.events.Publish("VoicePeerReachable", peerID)
			return
		}
		m.mu.Unlock()
		return
	}

	flip := false
	if time.Since(p.lastFailAt) > 4*time.Second {
		p.failStreak++
		p.lastFailAt = time.Now()
	}
	if p.failStreak >= 2 && p.Online {
		p.Online = false
		flip = true
	}
	m.mu.Unlock()

	if flip {
		_ = m.db.SetPeerOnline(peerID, false, time.Now())
		m.events.Publish("PeerDisconnected", peerID)
	}
}

// RoomPeers returns a snapshot of the peer ids currently subscribed to a
// room's topic.
func (m *Manager) RoomPeers(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.roomPeers[roomID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// DisplayNameOf returns the known display name for peerID, or a short
// prefix of the id itself when no PeerAnnounce has been seen yet.
func (m *Manager) DisplayNameOf(peerID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[peerID]; ok && p.DisplayName != "" {
		return p.DisplayName
	}
	return shortPrefix(peerID)
}

// CreateChannel creates a new channel locally and broadcasts it to the room
// (§4.2 "Channel mutations"). Non-general channels use a random id.
func (m *Manager) CreateChannel(ctx context.Context, roomID, name, kind, topic string, position int) (store.Channel, error) {
	ch := store.Channel{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Name:      name,
		Type:      kind,
		Topic:     topic,
		Position:  position,
		CreatedAt: time.Now(),
	}
	if err := m.db.CreateChannel(ch); err != nil {
		return store.Channel{}, err
	}
	m.overlay.BroadcastChannelCreated(ctx, roomID, toChannelInfo(ch))
	return ch, nil
}

// DeleteChannel deletes a channel locally (cascading messages) and
// broadcasts the deletion to the room.
func (m *Manager) DeleteChannel(ctx context.Context, roomID, channelID string) error {
	if err := m.db.DeleteChannel(channelID); err != nil {
		return err
	}
	m.overlay.BroadcastChannelDeleted(ctx, roomID, channelID)
	return nil
}

func shortPrefix(peerID string) string {
	if len(peerID) <= 8 {
		return peerID
	}
	return strings.TrimSuffix(peerID[:8], "=")
}

func toChannelInfo(c store.Channel) proto.ChannelInfo {
	return proto.ChannelInfo{
		ID:        c.ID,
		RoomID:    c.RoomID,
		Name:      c.Name,
		Type:      c.Type,
		Topic:     c.Topic,
		Position:  c.Position,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

func toChannelInfos(cs []store.Channel) []proto.ChannelInfo {
	out := make([]proto.ChannelInfo, len(cs))
	for i, c := range cs {
		out[i] = toChannelInfo(c)
	}
	return out
}

func fromChannelInfo(ci proto.ChannelInfo) store.Channel {
	createdAt, _ := time.Parse(time.RFC3339, ci.CreatedAt)
	return store.Channel{
		ID:        ci.ID,
		RoomID:    ci.RoomID,
		Name:      ci.Name,
		Type:      ci.Type,
		Topic:     ci.Topic,
		Position:  ci.Position,
		CreatedAt: createdAt,
	}
}
