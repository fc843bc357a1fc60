package db

import (
	"context"
	"fmt"
	"time"
)

// SentMessage is an immutable audit record that a message was handed to the
// outbound transport for one recipient. SentByUser is nil for automatic
// forwards.
type SentMessage struct {
	ID         int64
	MessageID  int64
	Recipient  string
	SentByUser *string
	CreatedAt  time.Time
}

// InsertSentMessage records a successful hand-off to the transport.
func (db *Database) InsertSentMessage(ctx context.Context, sent *SentMessage) error {
	err := db.TimedQueryRow(ctx, "insert_sent_message", `
		INSERT INTO sent_messages (message_id, recipient, sent_by_user)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, sent.MessageID, sent.Recipient, sent.SentByUser).Scan(&sent.ID, &sent.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record sent message: %w", err)
	}
	return nil
}

// ListSentMessages returns the audit records of a message's forwards.
func (db *Database) ListSentMessages(ctx context.Context, messageID int64) ([]*SentMessage, error) {
	rows, err := db.TimedQuery(ctx, "list_sent_messages", `
		SELECT id, message_id, recipient, sent_by_user, created_at
		FROM sent_messages
		WHERE message_id = $1
		ORDER BY created_at, id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent messages: %w", err)
	}
	defer rows.Close()

	var sent []*SentMessage
	for rows.Next() {
		var s SentMessage
		if err := rows.Scan(&s.ID, &s.MessageID, &s.Recipient, &s.SentByUser, &s.CreatedAt); err != nil {
			return nil, err
		}
		sent = append(sent, &s)
	}
	return sent, rows.Err()
}
