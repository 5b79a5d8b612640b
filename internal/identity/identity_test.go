package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "identity.key")

	kp1, isNew, err := LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if !isNew {
		t.Fatal("expected first load to generate a new key")
	}
	if kp1.PeerID.String() == "" {
		t.Fatal("expected non-empty peer id")
	}

	kp2, isNew, err := LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if isNew {
		t.Fatal("expected second load to reuse the persisted key")
	}
	if kp1.PeerID != kp2.PeerID {
		t.Fatalf("peer id changed across reload: %s != %s", kp1.PeerID, kp2.PeerID)
	}
}

func TestLoadOrCreateCorruptKeyRegenerates(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "identity.key")

	if err := os.WriteFile(keyFile, []byte("not a valid key"), 0o600); err != nil {
		t.Fatalf("seed corrupt key: %v", err)
	}

	kp, isNew, err := LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("load over corrupt key: %v", err)
	}
	if !isNew {
		t.Fatal("expected corrupt key file to be treated as absent")
	}
	if kp.PeerID.String() == "" {
		t.Fatal("expected a usable peer id after regeneration")
	}
}
