// Package proto defines the application-level overlay envelope: the tagged
// union of every message type that flows over gossip pub/sub topics, plus
// the protocol IDs, topic names, and id-derivation helpers that every
// overlay peer must compute identically.
package proto

import "time"

const (
	// DiscoveryTopic is the global pub/sub topic used for invite-code
	// lookups and is joined by every peer regardless of room membership.
	DiscoveryTopic = "chatr/discovery"

	// RoomTopicPrefix is prepended to a room id to form its per-room topic.
	RoomTopicPrefix = "chatr/room/"

	MdnsTag = "chatr-mdns"

	// DHTInviteKeyPrefix namespaces invite-code DHT records (§4.2 step 2).
	DHTInviteKeyPrefix = "invite/"

	// AvatarProtoID is the libp2p stream protocol used to fetch a peer's
	// avatar image on demand, out of band from gossip (only the hash
	// travels on PeerAnnounce envelopes).
	AvatarProtoID = "/chatr/avatar/1.0.0"
)

// RoomTopic returns the per-room gossip topic name for roomID.
func RoomTopic(roomID string) string {
	return RoomTopicPrefix + roomID
}

// Envelope message type discriminators (§3 "Network envelope").
const (
	TypeChat                = "Chat"
	TypePeerAnnounce        = "PeerAnnounce"
	TypeRoomLookupRequest   = "RoomLookup"
	TypeRoomLookupResponse  = "RoomFound"
	TypeMessageEdit         = "MessageEdit"
	TypeMessageDelete       = "MessageDelete"
	TypeReactionAdd         = "ReactionAdd"
	TypeReactionRemove      = "ReactionRemove"
	TypeTyping              = "Typing"
	TypeReadReceipt         = "ReadReceipt"
	TypeDirectMessage       = "DirectMessage"
	TypeFriendRequestAction = "FriendRequestAction"
	TypeVoiceOffer          = "VoiceOffer"
	TypeVoiceAnswer         = "VoiceAnswer"
	TypeICECandidate        = "IceCandidate"
	TypeVoiceState          = "VoiceState"
	TypeChannelCreated      = "ChannelCreated"
	TypeChannelDeleted      = "ChannelDeleted"
	TypeChannelSync         = "ChannelSync"
)

// NowMillis returns the current time in Unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }
