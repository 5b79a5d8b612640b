package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Profile is the local identity's mutable presentation (§3 "Identity":
// display name, optional status, optional avatar hash). The keypair itself
// lives on disk under internal/identity, never in this table.
type Profile struct {
	PeerID      string
	DisplayName string
	Status      string
	AvatarHash  string
}

// SaveProfile upserts the single local profile row.
func (d *DB) SaveProfile(p Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO profile (id, peer_id, display_name, status, avatar_hash)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_id      = excluded.peer_id,
			display_name = excluded.display_name,
			status       = excluded.status,
			avatar_hash  = excluded.avatar_hash`,
		p.PeerID, p.DisplayName, p.Status, p.AvatarHash)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// LoadProfile returns the local profile, or ErrNotFound if none was ever saved.
func (d *DB) LoadProfile() (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p Profile
	err := d.db.QueryRow(`SELECT peer_id, display_name, status, avatar_hash FROM profile WHERE id = 1`).
		Scan(&p.PeerID, &p.DisplayName, &p.Status, &p.AvatarHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, err
	}
	return p, nil
}

// SaveAvatar stores the raw avatar image under its content hash and records
// the hash as the local profile's current avatar, following the same
// upsert idiom as SaveProfile.
func (d *DB) SaveAvatar(hash string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO avatars (hash, data) VALUES (?, ?)
		ON CONFLICT(hash) DO UPDATE SET data = excluded.data`, hash, data)
	if err != nil {
		return fmt.Errorf("save avatar: %w", err)
	}
	_, err = d.db.Exec(`UPDATE profile SET avatar_hash = ? WHERE id = 1`, hash)
	if err != nil {
		return fmt.Errorf("save avatar: update profile: %w", err)
	}
	return nil
}

// LoadAvatar returns the raw image bytes stored under hash, or ErrNotFound.
func (d *DB) LoadAvatar(hash string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var data []byte
	err := d.db.QueryRow(`SELECT data FROM avatars WHERE hash = ?`, hash).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load avatar: %w", err)
	}
	return data, nil
}
