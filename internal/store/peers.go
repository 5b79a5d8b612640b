package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PeerInfo is the persisted view of a remote peer (§3 "PeerInfo").
type PeerInfo struct {
	PeerID      string
	DisplayName string
	Online      bool
	LastSeen    time.Time
	AvatarHash  string
}

// UpsertPeer stores or replaces the cached state for a peer, following the
// teacher's ON CONFLICT DO UPDATE upsert idiom. An empty AvatarHash leaves
// any previously recorded hash untouched, since not every announce carries
// one.
func (d *DB) UpsertPeer(p PeerInfo) error {
	online := 0
	if p.Online {
		online = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO peers (peer_id, display_name, online, last_seen, avatar_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			online       = excluded.online,
			last_seen    = excluded.last_seen,
			avatar_hash  = CASE WHEN excluded.avatar_hash = '' THEN peers.avatar_hash ELSE excluded.avatar_hash END`,
		p.PeerID, p.DisplayName, online, p.LastSeen.Format(time.RFC3339), p.AvatarHash)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// SetPeerOnline flips a peer's online flag without touching its display name.
func (d *DB) SetPeerOnline(peerID string, online bool, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	onlineInt := 0
	if online {
		onlineInt = 1
	}
	_, err := d.db.Exec(`
		UPDATE peers SET online = ?, last_seen = ? WHERE peer_id = ?`,
		onlineInt, at.Format(time.RFC3339), peerID)
	if err != nil {
		return fmt.Errorf("set peer online: %w", err)
	}
	return nil
}

// GetPeer returns the cached record for a peer.
func (d *DB) GetPeer(peerID string) (PeerInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT peer_id, display_name, online, last_seen, avatar_hash FROM peers WHERE peer_id = ?`, peerID)
	p, err := scanPeerRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return PeerInfo{}, ErrNotFound
	}
	return p, err
}

// ListPeers returns every known peer.
func (d *DB) ListPeers() ([]PeerInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT peer_id, display_name, online, last_seen, avatar_hash FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []PeerInfo
	for rows.Next() {
		p, err := scanPeerRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddRoomPeer records that peerID is currently subscribed to roomID.
func (d *DB) AddRoomPeer(roomID, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO room_peers (room_id, peer_id) VALUES (?, ?)
		ON CONFLICT(room_id, peer_id) DO NOTHING`, roomID, peerID)
	if err != nil {
		return fmt.Errorf("add room peer: %w", err)
	}
	return nil
}

// RemoveRoomPeer removes peerID from roomID's subscriber set.
func (d *DB) RemoveRoomPeer(roomID, peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM room_peers WHERE room_id = ? AND peer_id = ?`, roomID, peerID)
	if err != nil {
		return fmt.Errorf("remove room peer: %w", err)
	}
	return nil
}

// ListRoomPeers returns the peer ids currently subscribed to a room.
func (d *DB) ListRoomPeers(roomID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`SELECT peer_id FROM room_peers WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room peers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var peerID string
		if err := rows.Scan(&peerID); err != nil {
			return nil, err
		}
		out = append(out, peerID)
	}
	return out, rows.Err()
}

func scanPeerRow(scan func(...any) error) (PeerInfo, error) {
	var p PeerInfo
	var online int
	var lastSeen string
	if err := scan(&p.PeerID, &p.DisplayName, &online, &lastSeen, &p.AvatarHash); err != nil {
		return PeerInfo{}, err
	}
	p.Online = online != 0
	p.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	return p, nil
}
