package overlay

import (
	"encoding/json"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/goleak"
)

// TestMain verifies this package's pure-function tests leave no goroutines
// running — the Network Core is a long-running swarm task in production, so
// leak detection here is the same discipline applied at the unit level,
// grounded on the pack's own use of goleak for networked/concurrent code.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMeshParamsOverridesDefaults(t *testing.T) {
	p := meshParams()
	if p.Dlo != 1 {
		t.Fatalf("expected Dlo=1, got %d", p.Dlo)
	}
	if p.Dhi != 4 {
		t.Fatalf("expected Dhi=4, got %d", p.Dhi)
	}
	if p.HeartbeatInterval != 10*time.Second {
		t.Fatalf("expected 10s heartbeat, got %s", p.HeartbeatInterval)
	}
}

func TestIsCircuitAddr(t *testing.T) {
	direct, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	if err != nil {
		t.Fatalf("parse direct addr: %v", err)
	}
	if isCircuitAddr(direct) {
		t.Fatal("direct address should not be a circuit address")
	}

	circuit, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001/p2p/12D3KooWRzaGMTqQbRHNMZkAYj8ALUXoK99qSjhiFLanDoVWK9An/p2p-circuit")
	if err != nil {
		t.Fatalf("parse circuit addr: %v", err)
	}
	if !isCircuitAddr(circuit) {
		t.Fatal("expected circuit address to be detected")
	}
}

func TestSplitInviteKey(t *testing.T) {
	ns, code, err := splitInviteKey("/invite/ABCDEFGH")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if ns != "invite" || code != "ABCDEFGH" {
		t.Fatalf("unexpected split result: ns=%q code=%q", ns, code)
	}

	if _, _, err := splitInviteKey("malformed"); err == nil {
		t.Fatal("expected error for key with no namespace separator")
	}
}

func TestInviteValidatorRejectsBadRecords(t *testing.T) {
	v := inviteValidator{}

	good, _ := json.Marshal(inviteRecord{RoomID: "room-1", RoomName: "General"})
	if err := v.Validate("/invite/ABCDEFGH", good); err != nil {
		t.Fatalf("expected valid record to pass, got %v", err)
	}

	if err := v.Validate("/invite/short", good); err == nil {
		t.Fatal("expected invalid invite code to fail validation")
	}

	missingRoom, _ := json.Marshal(inviteRecord{RoomName: "General"})
	if err := v.Validate("/invite/ABCDEFGH", missingRoom); err == nil {
		t.Fatal("expected record with no room id to fail validation")
	}

	if err := v.Validate("/pk/somekey", good); err == nil {
		t.Fatal("expected non-invite namespace to be rejected")
	}
}
