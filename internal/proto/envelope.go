package proto

import (
	"encoding/json"
	"fmt"
)

// Envelope is the tagged-union wire format for every overlay message (§6.1).
// All payload fields are flat on the envelope with `omitempty`, matching
// the teacher's flat-struct presence-message style rather than a nested
// discriminated union — every peer decodes the same shape regardless of
// Type and ignores fields it doesn't need.
type Envelope struct {
	Type string `json:"type"`

	// Chat / DirectMessage / edits / deletes / reactions / typing / read receipts.
	ID                string `json:"id,omitempty"`
	ChannelID         string `json:"channel_id,omitempty"`
	SenderPeerID      string `json:"sender_peer_id,omitempty"`
	SenderDisplayName string `json:"sender_display_name,omitempty"`
	Content           string `json:"content,omitempty"`
	Timestamp         string `json:"timestamp,omitempty"` // RFC3339
	ReplyToID         string `json:"reply_to_id,omitempty"`
	Attachments       []byte `json:"attachments,omitempty"`
	ReactionEmoji     string `json:"reaction_emoji,omitempty"`
	ReadUpToID        string `json:"read_up_to_id,omitempty"`
	IsTyping          bool   `json:"is_typing,omitempty"`

	// DirectMessage / FriendRequestAction addressing. Recipients must
	// ignore envelopes whose To does not match their own peer id.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// FriendRequestAction.
	FriendAction string `json:"friend_action,omitempty"` // request|accept|decline|remove

	// PeerAnnounce.
	PeerID             string `json:"peer_id,omitempty"`
	PeerDisplayName    string `json:"peer_display_name,omitempty"`
	PeerAvatarHash     string `json:"peer_avatar_hash,omitempty"`
	RoomID             string `json:"room_id,omitempty"`

	// RoomLookup / RoomFound.
	Invite    string `json:"invite,omitempty"`
	Requester string `json:"requester,omitempty"`
	RoomName  string `json:"room_name,omitempty"`
	Target    string `json:"target,omitempty"`

	// VoiceOffer / VoiceAnswer / IceCandidate. SDP/candidate JSON is nested
	// as an already-serialized string, per §6.1.
	SDP           string `json:"sdp,omitempty"`
	ICECandidate  string `json:"ice_candidate,omitempty"`

	// VoiceState.
	InVoiceChannelID *string `json:"in_voice_channel_id,omitempty"`
	Muted            bool    `json:"muted,omitempty"`
	Deafened         bool    `json:"deafened,omitempty"`
	CameraOn         bool    `json:"camera_on,omitempty"`
	ScreenSharing    bool    `json:"screen_sharing,omitempty"`

	// ChannelCreated / ChannelDeleted / ChannelSync.
	Channel  *ChannelInfo  `json:"channel,omitempty"`
	Channels []ChannelInfo `json:"channels,omitempty"`
}

// ChannelInfo is the wire shape of a channel, used by ChannelCreated and
// ChannelSync envelopes.
type ChannelInfo struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	Name      string `json:"name"`
	Type      string `json:"type"` // text|voice
	Topic     string `json:"topic,omitempty"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at"`
}

// Encode serializes an envelope to JSON bytes for publishing on a topic.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses JSON bytes received from a topic into an Envelope.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}

// AddressedTo reports whether an envelope meant for a specific recipient
// (direct message, friend-request action, voice signaling) names self as
// the target. Envelopes without a To/Target field are broadcast and are
// always considered addressed.
func AddressedTo(e Envelope, selfPeerID string) bool {
	switch e.Type {
	case TypeDirectMessage, TypeFriendRequestAction:
		return e.To == selfPeerID
	case TypeVoiceOffer, TypeVoiceAnswer, TypeICECandidate:
		return e.To == selfPeerID
	case TypeRoomLookupResponse:
		return e.Target == selfPeerID
	default:
		return true
	}
}
