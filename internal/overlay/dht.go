package overlay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chatr/chatr/internal/proto"
)

// inviteRecord is the DHT record value stored under invite/<code>.
type inviteRecord struct {
	RoomID   string `json:"room_id"`
	RoomName string `json:"room_name"`
}

// inviteValidator accepts any well-formed invite/<code> key. Invite records
// are not cryptographically signed, and Select always keeps the first of
// the candidate values rather than the most recently published one.
// Modeled on the go-libp2p-record Validator interface directly (the pack's
// DHT usage in shurlinet-shurli relies entirely on the library's built-in
// "pk"/"ipns" namespaces and never defines a custom one, so this is
// grounded on the ecosystem interface rather than a pack example).
type inviteValidator struct{}

func (inviteValidator) Validate(key string, value []byte) error {
	// dht.NamespacedValidator dispatches on the "invite" namespace before
	// calling this validator, but may pass either the bare code or the
	// full "/invite/<code>" key depending on library version — accept both.
	code := key
	if ns, c, err := splitInviteKey(key); err == nil {
		if ns != "invite" {
			return fmt.Errorf("unsupported namespace %q", ns)
		}
		code = c
	}
	if !proto.ValidInviteCode(code) {
		return fmt.Errorf("invalid invite code in key: %q", code)
	}
	var rec inviteRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return fmt.Errorf("invalid invite record: %w", err)
	}
	if rec.RoomID == "" {
		return errors.New("invite record missing room id")
	}
	return nil
}

func (inviteValidator) Select(key string, values [][]byte) (int, error) {
	// No ordering signal between candidate values (no sequence number or
	// signature) — keep whichever happened to arrive first.
	return 0, nil
}

func splitInviteKey(key string) (ns, code string, err error) {
	// go-libp2p-record keys are passed to Validate without their leading
	// "/" once routed through a namespaced validator, but handle both
	// forms defensively.
	key = strings.TrimPrefix(key, "/")
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed dht key: %q", key)
	}
	return parts[0], parts[1], nil
}

func inviteDHTKey(code string) string {
	return "/invite/" + code
}

// PublishRoomToDHT stores an invite-code record in the DHT (invite code →
// {room id, name}), the fallback path used when the gossip probe
// (LookupRoomViaGossip) times out.
func (n *Node) PublishRoomToDHT(ctx context.Context, invite, roomID, roomName string) error {
	rec := inviteRecord{RoomID: roomID, RoomName: roomName}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal invite record: %w", err)
	}
	if err := n.dht.PutValue(ctx, inviteDHTKey(invite), b); err != nil {
		return fmt.Errorf("put invite record: %w", err)
	}
	return nil
}

// LookupRoomViaDHT resolves an invite code through the Kademlia DHT.
func (n *Node) LookupRoomViaDHT(ctx context.Context, invite string) (roomID, roomName string, ok bool) {
	b, err := n.dht.GetValue(ctx, inviteDHTKey(invite))
	if err != nil {
		return "", "", false
	}
	var rec inviteRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return "", "", false
	}
	return rec.RoomID, rec.RoomName, true
}
