package proto

import (
	"reflect"
	"testing"
)

// TestEnvelopeRoundTrip covers every envelope variant named in §3's
// "Network envelope" tagged union (Testable Property §8: encode/decode is
// round-trip identity for every variant). Envelope carries slice fields
// (Attachments, Channels), so it isn't a comparable type — reflect.DeepEqual
// stands in for ==.
func TestEnvelopeRoundTrip(t *testing.T) {
	inVoiceChannel := "chan-voice-1"

	cases := []struct {
		name string
		e    Envelope
	}{
		{
			name: "Chat",
			e: Envelope{
				Type:              TypeChat,
				ID:                "msg-1",
				ChannelID:         "chan-1",
				SenderPeerID:      "peer-a",
				SenderDisplayName: "Alice",
				Content:           "hello",
				Timestamp:         "2026-07-31T12:00:00Z",
				ReplyToID:         "msg-0",
				Attachments:       []byte("blob"),
			},
		},
		{
			name: "PeerAnnounce",
			e: Envelope{
				Type:            TypePeerAnnounce,
				PeerID:          "peer-a",
				PeerDisplayName: "Alice",
				PeerAvatarHash:  "sha256:deadbeef",
				RoomID:          "room-1",
			},
		},
		{
			name: "RoomLookupRequest",
			e: Envelope{
				Type:      TypeRoomLookupRequest,
				Invite:    "ABCD1234",
				Requester: "peer-a",
			},
		},
		{
			name: "RoomLookupResponse",
			e: Envelope{
				Type:     TypeRoomLookupResponse,
				Invite:   "ABCD1234",
				RoomID:   "room-1",
				RoomName: "General Lounge",
				Target:   "peer-a",
			},
		},
		{
			name: "MessageEdit",
			e: Envelope{
				Type:              TypeMessageEdit,
				ID:                "msg-1",
				ChannelID:         "chan-1",
				SenderPeerID:      "peer-a",
				Content:           "edited content",
				Timestamp:         "2026-07-31T12:01:00Z",
			},
		},
		{
			name: "MessageDelete",
			e: Envelope{
				Type:         TypeMessageDelete,
				ID:           "msg-1",
				ChannelID:    "chan-1",
				SenderPeerID: "peer-a",
			},
		},
		{
			name: "ReactionAdd",
			e: Envelope{
				Type:          TypeReactionAdd,
				ID:            "msg-1",
				ChannelID:     "chan-1",
				SenderPeerID:  "peer-a",
				ReactionEmoji: "👍",
			},
		},
		{
			name: "ReactionRemove",
			e: Envelope{
				Type:          TypeReactionRemove,
				ID:            "msg-1",
				ChannelID:     "chan-1",
				SenderPeerID:  "peer-a",
				ReactionEmoji: "👍",
			},
		},
		{
			name: "Typing",
			e: Envelope{
				Type:              TypeTyping,
				ChannelID:         "chan-1",
				SenderPeerID:      "peer-a",
				SenderDisplayName: "Alice",
				IsTyping:          true,
			},
		},
		{
			name: "ReadReceipt",
			e: Envelope{
				Type:         TypeReadReceipt,
				ChannelID:    "chan-1",
				SenderPeerID: "peer-a",
				ReadUpToID:   "msg-9",
			},
		},
		{
			name: "DirectMessage",
			e: Envelope{
				Type:              TypeDirectMessage,
				ID:                "dm-1",
				SenderPeerID:      "peer-a",
				SenderDisplayName: "Alice",
				Content:           "hi there",
				Timestamp:         "2026-07-31T12:02:00Z",
				From:              "peer-a",
				To:                "peer-b",
			},
		},
		{
			name: "FriendRequestAction",
			e: Envelope{
				Type:         TypeFriendRequestAction,
				From:         "peer-a",
				To:           "peer-b",
				FriendAction: "request",
			},
		},
		{
			name: "VoiceOffer",
			e: Envelope{
				Type:      TypeVoiceOffer,
				From:      "peer-a",
				To:        "peer-b",
				ChannelID: "chan-voice-1",
				SDP:       `{"type":"offer","sdp":"v=0..."}`,
			},
		},
		{
			name: "VoiceAnswer",
			e: Envelope{
				Type:      TypeVoiceAnswer,
				From:      "peer-a",
				To:        "peer-b",
				ChannelID: "chan-voice-1",
				SDP:       `{"type":"answer","sdp":"v=0..."}`,
			},
		},
		{
			name: "IceCandidate",
			e: Envelope{
				Type:         TypeICECandidate,
				From:         "peer-a",
				To:           "peer-b",
				ChannelID:    "chan-voice-1",
				ICECandidate: `{"candidate":"candidate:1 1 UDP ..."}`,
			},
		},
		{
			name: "VoiceState",
			e: Envelope{
				Type:             TypeVoiceState,
				PeerID:           "peer-a",
				RoomID:           "room-1",
				InVoiceChannelID: &inVoiceChannel,
				Muted:            true,
				Deafened:         false,
				CameraOn:         true,
				ScreenSharing:    false,
			},
		},
		{
			name: "ChannelCreated",
			e: Envelope{
				Type:   TypeChannelCreated,
				RoomID: "room-1",
				Channel: &ChannelInfo{
					ID:        "chan-1",
					RoomID:    "room-1",
					Name:      "general",
					Type:      "text",
					Position:  0,
					CreatedAt: "2026-07-31T12:00:00Z",
				},
			},
		},
		{
			name: "ChannelDeleted",
			e: Envelope{
				Type:      TypeChannelDeleted,
				RoomID:    "room-1",
				ChannelID: "chan-1",
			},
		},
		{
			name: "ChannelSync",
			e: Envelope{
				Type:   TypeChannelSync,
				RoomID: "room-1",
				Channels: []ChannelInfo{
					{ID: "chan-1", RoomID: "room-1", Name: "general", Type: "text", Position: 0, CreatedAt: "2026-07-31T12:00:00Z"},
					{ID: "chan-2", RoomID: "room-1", Name: "voice", Type: "voice", Topic: "hang out", Position: 1, CreatedAt: "2026-07-31T12:00:01Z"},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.e)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.e) {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, tc.e)
			}
		})
	}
}

func TestDecodeMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"content":"hi"}`)); err == nil {
		t.Fatal("expected error for envelope with no type")
	}
}

func TestDeriveChannelIDDeterministic(t *testing.T) {
	a := DeriveChannelID("room-1", "general")
	b := DeriveChannelID("room-1", "general")
	if a != b {
		t.Fatalf("expected deterministic id, got %q and %q", a, b)
	}
	c := DeriveChannelID("room-1", "random")
	if a == c {
		t.Fatalf("expected different names to yield different ids")
	}
	d := DeriveChannelID("room-2", "general")
	if a == d {
		t.Fatalf("expected different rooms to yield different ids")
	}
}

func TestDeriveChannelIDShape(t *testing.T) {
	id := DeriveChannelID("room-1", "general")
	if len(id) != 36 {
		t.Fatalf("expected 36-char uuid-shaped id, got %d: %q", len(id), id)
	}
	for i, want := range []byte("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx") {
		if want == '-' && id[i] != '-' {
			t.Fatalf("expected dash at position %d in %q", i, id)
		}
	}
}

func TestInviteCodeValidAlphabet(t *testing.T) {
	code, err := NewInviteCode()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !ValidInviteCode(code) {
		t.Fatalf("generated code %q failed validation", code)
	}
	if ValidInviteCode("") {
		t.Fatal("empty code should be invalid")
	}
	if ValidInviteCode("TOOLONGCODE") {
		t.Fatal("overlong code should be invalid")
	}
	if ValidInviteCode("ABCDEFI1") {
		t.Fatal("code with ambiguous characters should be invalid")
	}
}

func TestAddressedTo(t *testing.T) {
	dm := Envelope{Type: TypeDirectMessage, To: "peer-b"}
	if AddressedTo(dm, "peer-a") {
		t.Fatal("direct message to peer-b should not be addressed to peer-a")
	}
	if !AddressedTo(dm, "peer-b") {
		t.Fatal("direct message to peer-b should be addressed to peer-b")
	}

	chat := Envelope{Type: TypeChat}
	if !AddressedTo(chat, "anyone") {
		t.Fatal("broadcast chat envelope should be addressed to everyone")
	}
}
