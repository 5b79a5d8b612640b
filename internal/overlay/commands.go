package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/chatr/chatr/internal/proto"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Run drains the command queue until ctx is cancelled. All swarm mutations
// (topic join/leave, publish) happen on this single goroutine, matching the
// single-task scheduling model: commands enqueued from other goroutines via
// the public methods below never touch libp2p state directly.
func (n *Node) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-n.cmds:
			cmd()
		}
	}
}

func (n *Node) enqueue(fn func()) {
	select {
	case n.cmds <- fn:
	default:
		// Queue full: run inline rather than drop a command outright —
		// commands are not retried internally (§4.1 failure semantics),
		// so the alternative is silently losing the request.
		fn()
	}
}

// roomTopic returns (joining if necessary) the pub/sub topic for a room.
func (n *Node) roomTopic(roomID string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.roomTopics[roomID]; ok {
		return t, nil
	}
	t, err := n.ps.Join(proto.RoomTopic(roomID))
	if err != nil {
		return nil, fmt.Errorf("join room topic: %w", err)
	}
	n.roomTopics[roomID] = t
	return t, nil
}

func (n *Node) publishRoom(ctx context.Context, roomID string, e proto.Envelope) {
	n.enqueue(func() {
		t, err := n.roomTopic(roomID)
		if err != nil {
			n.diag("publish to room %s failed: %v", roomID, err)
			return
		}
		b, err := proto.Encode(e)
		if err != nil {
			n.diag("encode envelope failed: %v", err)
			return
		}
		if err := t.Publish(ctx, b); err != nil {
			n.diag("publish to room %s failed: %v", roomID, err)
			return
		}
		envelopesPublishedTotal.WithLabelValues(e.Type).Inc()
	})
}

func (n *Node) publishDiscovery(ctx context.Context, e proto.Envelope) {
	n.enqueue(func() {
		b, err := proto.Encode(e)
		if err != nil {
			n.diag("encode envelope failed: %v", err)
			return
		}
		if err := n.discoveryTopic.Publish(ctx, b); err != nil {
			n.diag("publish to discovery failed: %v", err)
			return
		}
		envelopesPublishedTotal.WithLabelValues(e.Type).Inc()
	})
}

// SendChatMessage publishes a chat envelope to a room's topic.
func (n *Node) SendChatMessage(ctx context.Context, roomID string, e proto.Envelope) {
	e.Type = proto.TypeChat
	n.publishRoom(ctx, roomID, e)
}

// SubscribeRoom joins a room's topic (idempotent), starts consuming its
// messages into onEnvelope, and publishes a PeerAnnounce so existing
// members learn about the new subscriber (§4.2).
func (n *Node) SubscribeRoom(ctx context.Context, roomID, displayName, avatarHash string, onEnvelope func(proto.Envelope)) {
	n.enqueue(func() {
		t, err := n.roomTopic(roomID)
		if err != nil {
			n.diag("subscribe room %s failed: %v", roomID, err)
			return
		}
		n.mu.Lock()
		if _, already := n.roomSubs[roomID]; already {
			n.mu.Unlock()
		} else {
			sub, err := t.Subscribe()
			if err != nil {
				n.mu.Unlock()
				n.diag("subscribe room %s failed: %v", roomID, err)
				return
			}
			n.roomSubs[roomID] = sub
			n.mu.Unlock()
			go n.consumeRoom(ctx, roomID, sub, onEnvelope)
		}
	})
	n.AnnouncePresence(ctx, roomID, displayName, avatarHash)
}

func (n *Node) consumeRoom(ctx context.Context, roomID string, sub *pubsub.Subscription, onEnvelope func(proto.Envelope)) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.Host.ID() {
			continue
		}
		e, err := proto.Decode(msg.Data)
		if err != nil {
			continue
		}
		envelopesReceivedTotal.WithLabelValues(e.Type).Inc()
		if onEnvelope != nil {
			onEnvelope(e)
		}
		n.events.Publish(e.Type, e)
	}
}

// WatchRoomTopicPeers registers a gossip-layer peer-join/leave observer on a
// room topic and invokes onPeerEvent(peerID, joined) for every event until
// ctx is cancelled. This is the mechanism behind §4.2's "subscribe
// side-effects": a join event is how a node learns another peer just
// subscribed to the same room topic, which is when it republishes its own
// PeerAnnounce and ChannelSync.
func (n *Node) WatchRoomTopicPeers(ctx context.Context, roomID string, onPeerEvent func(peerID string, joined bool)) {
	n.enqueue(func() {
		t, err := n.roomTopic(roomID)
		if err != nil {
			n.diag("watch room %s peers failed: %v", roomID, err)
			return
		}
		teh, err := t.EventHandler()
		if err != nil {
			n.diag("room %s event handler failed: %v", roomID, err)
			return
		}
		go func() {
			defer teh.Cancel()
			for {
				evt, err := teh.NextPeerEvent(ctx)
				if err != nil {
					return
				}
				if evt.Peer == n.Host.ID() {
					continue
				}
				onPeerEvent(evt.Peer.String(), evt.Type == pubsub.PeerJoin)
			}
		}()
	})
}

// ConsumeDiscovery starts reading the global discovery topic, used for
// room-lookup requests/responses (§4.2 gossip-probe invite resolution).
func (n *Node) ConsumeDiscovery(ctx context.Context, onEnvelope func(proto.Envelope)) {
	go n.consumeRoom(ctx, "", n.discoverySub, onEnvelope)
}

// AnnouncePresence publishes a PeerAnnounce to a room's topic.
func (n *Node) AnnouncePresence(ctx context.Context, roomID, displayName, avatarHash string) {
	e := proto.Envelope{
		Type:            proto.TypePeerAnnounce,
		PeerID:          n.ID(),
		PeerDisplayName: displayName,
		PeerAvatarHash:  avatarHash,
		RoomID:          roomID,
		Timestamp:       time.Now().Format(time.RFC3339),
	}
	n.publishRoom(ctx, roomID, e)
}

// LookupRoomViaGossip broadcasts a RoomLookup request on the discovery
// topic and waits up to timeout for a matching RoomFound reply addressed
// back to this peer.
func (n *Node) LookupRoomViaGossip(ctx context.Context, invite string, timeout time.Duration) (proto.Envelope, bool) {
	replies, unsubscribe := n.events.Subscribe(8)
	defer unsubscribe()

	n.publishDiscovery(ctx, proto.Envelope{
		Type:      proto.TypeRoomLookupRequest,
		Invite:    invite,
		Requester: n.ID(),
	})

	deadline := time.After(timeout)
	for {
		select {
		case evt := <-replies:
			e, ok := evt.Payload.(proto.Envelope)
			if !ok || e.Type != proto.TypeRoomLookupResponse {
				continue
			}
			if e.Invite == invite && e.Target == n.ID() {
				return e, true
			}
		case <-deadline:
			return proto.Envelope{}, false
		case <-ctx.Done():
			return proto.Envelope{}, false
		}
	}
}

// RespondRoomLookup answers a RoomLookup request seen on the discovery
// topic, addressed back to the requester.
func (n *Node) RespondRoomLookup(ctx context.Context, requester, invite, roomID, roomName string) {
	n.publishDiscovery(ctx, proto.Envelope{
		Type:     proto.TypeRoomLookupResponse,
		Invite:   invite,
		Target:   requester,
		RoomID:   roomID,
		RoomName: roomName,
	})
}

// SendVoiceSignal publishes a voice offer/answer/ICE/state envelope to a
// room's topic, addressed to one peer via envelope.To.
func (n *Node) SendVoiceSignal(ctx context.Context, roomID string, e proto.Envelope) {
	n.publishRoom(ctx, roomID, e)
}

// BroadcastChannelCreated publishes a ChannelCreated envelope to a room.
func (n *Node) BroadcastChannelCreated(ctx context.Context, roomID string, ch proto.ChannelInfo) {
	n.publishRoom(ctx, roomID, proto.Envelope{
		Type:    proto.TypeChannelCreated,
		RoomID:  roomID,
		Channel: &ch,
	})
}

// BroadcastChannelDeleted publishes a ChannelDeleted envelope to a room.
func (n *Node) BroadcastChannelDeleted(ctx context.Context, roomID, channelID string) {
	n.publishRoom(ctx, roomID, proto.Envelope{
		Type:      proto.TypeChannelDeleted,
		RoomID:    roomID,
		ChannelID: channelID,
	})
}

// BroadcastChannelSync publishes the full channel list of a room, used when
// a new subscriber is observed so it learns every channel beyond "general"
// (§4.2 — this is the only mechanism by which non-default channels
// propagate to a newcomer).
func (n *Node) BroadcastChannelSync(ctx context.Context, roomID string, channels []proto.ChannelInfo) {
	n.publishRoom(ctx, roomID, proto.Envelope{
		Type:     proto.TypeChannelSync,
		RoomID:   roomID,
		Channels: channels,
	})
}
