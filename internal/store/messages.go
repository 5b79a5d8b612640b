package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is a persisted chat message (§3 "Message").
type Message struct {
	ID                string
	ChannelID         string
	SenderPeerID      string
	SenderDisplayName string
	Content           string
	CreatedAt         time.Time
	EditedAt          *time.Time
	DeletedAt         *time.Time
	ReplyToID         string
}

// InsertMessage stores a new message.
func (d *DB) InsertMessage(m Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var replyTo any
	if m.ReplyToID != "" {
		replyTo = m.ReplyToID
	}
	_, err := d.db.Exec(`
		INSERT INTO messages (id, channel_id, sender_peer_id, sender_display_name, content, created_at, reply_to_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.SenderPeerID, m.SenderDisplayName, m.Content, m.CreatedAt.Format(time.RFC3339), replyTo)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// EditMessage updates a message's content and sets edited_at. Editing a
// soft-deleted message is a no-op (the row is retained for reconciliation
// but is not resurrected by an edit).
func (d *DB) EditMessage(id, content string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE messages SET content = ?, edited_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		content, at.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// SoftDeleteMessage marks a message deleted without removing the row
// (Invariant: soft-deleted messages are hidden from listings but retained
// for reconciliation).
func (d *DB) SoftDeleteMessage(id string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent messages in a channel, oldest
// first, excluding soft-deleted rows. limit <= 0 returns all of them.
func (d *DB) ListMessages(channelID string, limit int) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	query := `
		SELECT id, channel_id, sender_peer_id, sender_display_name, content,
		       created_at, edited_at, deleted_at, reply_to_id
		FROM messages
		WHERE channel_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC`
	args := []any{channelID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows came back newest-first; reverse for oldest-first display order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetMessage returns a single message by id, including soft-deleted ones
// (used for reconciliation, e.g. applying a MessageDelete envelope that
// arrives after the content was already gone locally).
func (d *DB) GetMessage(id string) (Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT id, channel_id, sender_peer_id, sender_display_name, content,
		       created_at, edited_at, deleted_at, reply_to_id
		FROM messages WHERE id = ?`, id)
	m, err := scanMessageRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// SearchMessages performs a full-text search over (sender name, content)
// for non-deleted messages, optionally scoped to one channel.
func (d *DB) SearchMessages(query, channelID string, limit int) ([]Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sqlQuery := `
		SELECT m.id, m.channel_id, m.sender_peer_id, m.sender_display_name, m.content,
		       m.created_at, m.edited_at, m.deleted_at, m.reply_to_id
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ? AND m.deleted_at IS NULL`
	args := []any{query}
	if channelID != "" {
		sqlQuery += ` AND m.channel_id = ?`
		args = append(args, channelID)
	}
	sqlQuery += ` ORDER BY m.created_at DESC`
	if limit > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessageRow(scan func(...any) error) (Message, error) {
	var m Message
	var createdAt string
	var editedAt, deletedAt, replyTo sql.NullString
	if err := scan(&m.ID, &m.ChannelID, &m.SenderPeerID, &m.SenderDisplayName, &m.Content,
		&createdAt, &editedAt, &deletedAt, &replyTo); err != nil {
		return Message{}, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if editedAt.Valid {
		t, _ := time.Parse(time.RFC3339, editedAt.String)
		m.EditedAt = &t
	}
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339, deletedAt.String)
		m.DeletedAt = &t
	}
	m.ReplyToID = replyTo.String
	return m, nil
}
