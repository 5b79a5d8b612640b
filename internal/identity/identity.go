// Package identity manages the local node's persistent Ed25519 keypair and
// the peer id derived from it.
package identity

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Keypair bundles a libp2p private key with the peer id it derives. The
// peer id is always a pure function of the key (Invariant 1): it is
// recomputed from PrivKey rather than stored separately.
type Keypair struct {
	PrivKey crypto.PrivKey
	PeerID  peer.ID
}

// LoadOrCreate loads a persistent identity key from keyFile, or generates a
// new Ed25519 key and saves it on first run.
func LoadOrCreate(keyFile string) (Keypair, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			id, err := peer.IDFromPrivateKey(priv)
			if err != nil {
				return Keypair{}, false, fmt.Errorf("derive peer id: %w", err)
			}
			return Keypair{PrivKey: priv, PeerID: id}, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return Keypair{}, false, fmt.Errorf("generate identity key: %w", err)
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return Keypair{}, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Keypair{}, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return Keypair{}, false, fmt.Errorf("save identity key: %w", err)
	}

	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return Keypair{}, false, fmt.Errorf("derive peer id: %w", err)
	}

	return Keypair{PrivKey: priv, PeerID: id}, true, nil
}

// String returns the peer id's base58 text form, the form used throughout
// envelopes and invite records.
func (k Keypair) String() string {
	return k.PeerID.String()
}
