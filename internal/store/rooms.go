package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Room is a persisted chat room (§3 "Room").
type Room struct {
	ID          string
	Name        string
	InviteCode  string
	OwnerPeerID string
	CreatedAt   time.Time
}

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("not found")

// CreateRoom inserts a new room row. Room ids and invite codes are
// generated by the caller (internal/proto) since the store has no opinion
// on id formats.
func (d *DB) CreateRoom(r Room) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO rooms (id, name, invite_code, owner_peer_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.InviteCode, r.OwnerPeerID, r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// GetRoom returns a room by id.
func (d *DB) GetRoom(id string) (Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return scanRoom(d.db.QueryRow(`
		SELECT id, name, invite_code, owner_peer_id, created_at FROM rooms WHERE id = ?`, id))
}

// GetRoomByInviteCode returns a room by its invite code.
func (d *DB) GetRoomByInviteCode(code string) (Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return scanRoom(d.db.QueryRow(`
		SELECT id, name, invite_code, owner_peer_id, created_at FROM rooms WHERE invite_code = ?`, code))
}

// ListRooms returns every known room, most recently created first.
func (d *DB) ListRooms() ([]Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, name, invite_code, owner_peer_id, created_at FROM rooms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Name, &r.InviteCode, &r.OwnerPeerID, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRoom(row *sql.Row) (Room, error) {
	var r Room
	var createdAt string
	if err := row.Scan(&r.ID, &r.Name, &r.InviteCode, &r.OwnerPeerID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return r, nil
}
