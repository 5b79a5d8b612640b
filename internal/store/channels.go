package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Channel belongs to exactly one room (§3 "Channel").
type Channel struct {
	ID        string
	RoomID    string
	Name      string
	Type      string // "text" | "voice"
	Topic     string
	Position  int
	CreatedAt time.Time
}

// CreateChannel inserts a channel row if it does not already exist. The id
// is expected to be the deterministic id derived by
// internal/proto.DeriveChannelID, so concurrent creation by the room
// creator and a joiner racing to create "general" converges on the same
// row without conflict (Invariant 2) — the insert is idempotent by id.
func (d *DB) CreateChannel(c Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO channels (id, room_id, name, type, topic, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		c.ID, c.RoomID, c.Name, c.Type, c.Topic, c.Position, c.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel and cascades to its messages. Deleting a
// channel that does not exist is a no-op, not an error (idempotent).
func (d *DB) DeleteChannel(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

// GetChannel returns a channel by id.
func (d *DB) GetChannel(id string) (Channel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return scanChannel(d.db.QueryRow(`
		SELECT id, room_id, name, type, topic, position, created_at
		FROM channels WHERE id = ?`, id))
}

// ListChannels returns every channel in a room, ordered by position then name.
func (d *DB) ListChannels(roomID string) ([]Channel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, room_id, name, type, topic, position, created_at
		FROM channels WHERE room_id = ? ORDER BY position, name`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var c Channel
		var createdAt string
		if err := rows.Scan(&c.ID, &c.RoomID, &c.Name, &c.Type, &c.Topic, &c.Position, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChannel(row *sql.Row) (Channel, error) {
	var c Channel
	var createdAt string
	if err := row.Scan(&c.ID, &c.RoomID, &c.Name, &c.Type, &c.Topic, &c.Position, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Channel{}, ErrNotFound
		}
		return Channel{}, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return c, nil
}
