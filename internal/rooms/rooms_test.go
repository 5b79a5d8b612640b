package rooms

import (
	"testing"
	"time"

	"github.com/chatr/chatr/internal/eventbus"
	"github.com/chatr/chatr/internal/store"
)

func newTestManager() *Manager {
	return New(nil, nil, eventbus.New(), "self-peer")
}

func TestSetReachableDebouncesSingleFailure(t *testing.T) {
	m := newTestManager()
	m.peers["p1"] = &Peer{PeerID: "p1", Online: true}

	m.SetReachable("p1", false)

	m.mu.Lock()
	online := m.peers["p1"].Online
	m.mu.Unlock()
	if !online {
		t.Fatal("a single failure must not flip a peer offline")
	}
}

func TestSetReachableFlipsAfterTwoSpacedFailures(t *testing.T) {
	m := newTestManager()
	m.peers["p1"] = &Peer{PeerID: "p1", Online: true}

	m.SetReachable("p1", false)
	m.mu.Lock()
	m.peers["p1"].lastFailAt = time.Now().Add(-5 * time.Second)
	m.mu.Unlock()
	m.SetReachable("p1", false)

	m.mu.Lock()
	online := m.peers["p1"].Online
	m.mu.Unlock()
	if online {
		t.Fatal("two failures spaced more than 4s apart must flip the peer offline")
	}
}

func TestSetReachableResetsStreakOnRecovery(t *testing.T) {
	m := newTestManager()
	m.peers["p1"] = &Peer{PeerID: "p1", Online: true, failStreak: 1}

	m.SetReachable("p1", true)

	m.mu.Lock()
	streak := m.peers["p1"].failStreak
	m.mu.Unlock()
	if streak != 0 {
		t.Fatalf("expected fail streak reset to 0, got %d", streak)
	}
}

func TestDisplayNameOfFallsBackToShortPrefix(t *testing.T) {
	m := newTestManager()
	id := "QmUnknownPeerIDvalue"
	if got := m.DisplayNameOf(id); got != shortPrefix(id) {
		t.Fatalf("expected short-prefix fallback %q, got %q", shortPrefix(id), got)
	}
}

func TestDisplayNameOfPrefersAnnouncedName(t *testing.T) {
	m := newTestManager()
	m.peers["p1"] = &Peer{PeerID: "p1", DisplayName: "alice"}
	if got := m.DisplayNameOf("p1"); got != "alice" {
		t.Fatalf("expected announced display name, got %q", got)
	}
}

func TestChannelInfoRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second).UTC()
	ch := store.Channel{
		ID:        "chan-1",
		RoomID:    "room-1",
		Name:      "general",
		Type:      "text",
		Topic:     "welcome",
		Position:  0,
		CreatedAt: now,
	}

	info := toChannelInfo(ch)
	back := fromChannelInfo(info)

	if back.ID != ch.ID || back.RoomID != ch.RoomID || back.Name != ch.Name ||
		back.Type != ch.Type || back.Topic != ch.Topic || back.Position != ch.Position {
		t.Fatalf("round trip mismatch: got %+v, want %+v", back, ch)
	}
	if !back.CreatedAt.Equal(ch.CreatedAt) {
		t.Fatalf("created_at mismatch: got %v, want %v", back.CreatedAt, ch.CreatedAt)
	}
}

func TestRoomPeersSnapshotIsIndependent(t *testing.T) {
	m := newTestManager()
	m.roomPeers["room-1"] = map[string]struct{}{"p1": {}, "p2": {}}

	peers := m.RoomPeers("room-1")
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}

	m.mu.Lock()
	m.roomPeers["room-1"]["p3"] = struct{}{}
	m.mu.Unlock()
	if len(peers) != 2 {
		t.Fatal("returned snapshot must not observe later mutations")
	}
}

func TestUpsertPeerIgnoresSelf(t *testing.T) {
	m := newTestManager()
	m.upsertPeer("self-peer", "me", "", "room-1")
	if len(m.peers) != 0 {
		t.Fatal("a peer must never add itself to its own roster")
	}
}
