// Package signaling is the Signaling Glue (spec §4.4/§9): it routes
// VoiceOffer/VoiceAnswer/IceCandidate/VoiceState overlay envelopes to and
// from the media engine, and applies the deterministic tie-break rule that
// guarantees exactly one peer connection per ordered pair of peers sharing
// a voice channel.
package signaling

import (
	"context"
	"log"

	"github.com/chatr/chatr/internal/eventbus"
	"github.com/chatr/chatr/internal/media"
	"github.com/chatr/chatr/internal/proto"
	"github.com/chatr/chatr/internal/webrtc"
)

// Glue wires an eventbus subscription of overlay envelopes to an Engine.
// Every envelope the Network Core decodes is republished on the bus under
// its own Type (see overlay.consumeRoom), so this package never imports
// internal/overlay directly.
type Glue struct {
	selfID string
	engine *media.Engine
	events *eventbus.Bus
}

// New constructs the signaling glue for one engine, bound to selfID (used
// by the tie-break rule).
func New(selfID string, engine *media.Engine, events *eventbus.Bus) *Glue {
	return &Glue{selfID: selfID, engine: engine, events: events}
}

// Run subscribes to the event bus and dispatches every voice-signaling
// envelope until ctx is cancelled.
func (g *Glue) Run(ctx context.Context) {
	ch, cancel := g.events.Subscribe(32)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			e, ok := evt.Payload.(proto.Envelope)
			if !ok {
				continue
			}
			g.handle(ctx, e)
		}
	}
}

func (g *Glue) handle(ctx context.Context, e proto.Envelope) {
	if !proto.AddressedTo(e, g.selfID) {
		return
	}
	switch e.Type {
	case proto.TypeVoiceState:
		g.handleVoiceState(ctx, e)
	case proto.TypeVoiceOffer:
		g.engine.HandleOffer(ctx, e.RoomID, e.From, e.SDP)
	case proto.TypeVoiceAnswer:
		g.engine.HandleAnswer(ctx, e.RoomID, e.From, e.SDP)
	case proto.TypeICECandidate:
		g.engine.HandleICE(ctx, e.RoomID, e.From, e.ICECandidate)
	}
}

// handleVoiceState applies the tie-break rule (§4.4, §9, Invariant 4): when
// a remote peer announces it joined the same (room, channel) as the local
// peer, the local peer offers iff its id sorts strictly before the remote
// id (never locale-aware — strings.Compare on the raw byte sequence) and no
// connection to that peer exists yet. This guarantees at most one offer per
// ordered pair and eliminates glare without any coordination message.
func (g *Glue) handleVoiceState(ctx context.Context, e proto.Envelope) {
	if e.PeerID == "" || e.PeerID == g.selfID || e.InVoiceChannelID == nil {
		return
	}
	roomID, channelID, active := g.engine.InVoiceChannel()
	if !active || roomID != e.RoomID || channelID != *e.InVoiceChannelID {
		return
	}
	if !webrtc.ShouldOffer(g.selfID, e.PeerID) {
		return
	}
	if g.engine.HasPeerConnection(e.PeerID) {
		return
	}
	log.Printf("signaling: tie-break — offering to %s in %s/%s", e.PeerID, roomID, channelID)
	g.engine.Offer(ctx, e.PeerID)
}
