package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/TK-IT/mailhole/consts"
)

// Message lifecycle states.
const (
	StatusInbox   = "inbox"
	StatusSpam    = "spam"
	StatusTrashed = "trashed"
)

// ProvenanceKind discriminates who or what set a message's status.
type ProvenanceKind int

const (
	ProvenanceNone ProvenanceKind = iota
	ProvenanceUser
	ProvenanceRule
)

// Provenance records the actor behind a status transition: a human user, a
// filter rule, or none (automatic processing without a matching rule).
type Provenance struct {
	Kind   ProvenanceKind
	User   string
	RuleID int64
}

func NoActor() Provenance              { return Provenance{Kind: ProvenanceNone} }
func ByUser(user string) Provenance    { return Provenance{Kind: ProvenanceUser, User: user} }
func ByRule(ruleID int64) Provenance   { return Provenance{Kind: ProvenanceRule, RuleID: ruleID} }

func (p Provenance) String() string {
	switch p.Kind {
	case ProvenanceUser:
		return "user:" + p.User
	case ProvenanceRule:
		return fmt.Sprintf("rule:%d", p.RuleID)
	default:
		return "none"
	}
}

// Message is one received mail artifact tracked through its moderation
// lifecycle. Headers, plain-text body and message-id are extracted once at
// creation time and stored; the row is immutable except for the status
// fields.
type Message struct {
	ID              int64
	MailboxID       int64
	PeerID          int64
	MailFrom        string
	RcptTos         []string
	OrigMailFrom    string
	OrigRcptTos     []string
	MessageID       *string
	HeadersText     string
	BodyText        *string
	RawKey          string
	OrigRawKey      string
	ContentHash     string
	OrigContentHash string
	Status          string
	StatusProv      Provenance
	StatusChangedAt *time.Time
	CreatedAt       time.Time
}

const messageColumns = `
	id, mailbox_id, peer_id, mail_from, rcpt_tos, orig_mail_from, orig_rcpt_tos,
	message_id, headers_text, body_text, raw_key, orig_raw_key,
	content_hash, orig_content_hash,
	status, status_set_by_user, status_set_by_rule, status_changed_at, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var statusUser *string
	var statusRule *int64
	err := row.Scan(
		&msg.ID, &msg.MailboxID, &msg.PeerID, &msg.MailFrom, &msg.RcptTos,
		&msg.OrigMailFrom, &msg.OrigRcptTos,
		&msg.MessageID, &msg.HeadersText, &msg.BodyText, &msg.RawKey, &msg.OrigRawKey,
		&msg.ContentHash, &msg.OrigContentHash,
		&msg.Status, &statusUser, &statusRule, &msg.StatusChangedAt, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	switch {
	case statusUser != nil:
		msg.StatusProv = ByUser(*statusUser)
	case statusRule != nil:
		msg.StatusProv = ByRule(*statusRule)
	default:
		msg.StatusProv = NoActor()
	}
	return &msg, nil
}

// InsertMessage persists a freshly ingested message in the inbox state.
func (db *Database) InsertMessage(ctx context.Context, msg *Message) error {
	if len(msg.RcptTos) == 0 {
		return fmt.Errorf("%w: empty recipient list", consts.ErrInvalidRecipientSet)
	}
	err := db.TimedQueryRow(ctx, "insert_message", `
		INSERT INTO messages (
			mailbox_id, peer_id, mail_from, rcpt_tos, orig_mail_from, orig_rcpt_tos,
			message_id, headers_text, body_text, raw_key, orig_raw_key,
			content_hash, orig_content_hash, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at
	`,
		msg.MailboxID, msg.PeerID, msg.MailFrom, msg.RcptTos, msg.OrigMailFrom, msg.OrigRcptTos,
		msg.MessageID, msg.HeadersText, msg.BodyText, msg.RawKey, msg.OrigRawKey,
		msg.ContentHash, msg.OrigContentHash, StatusInbox,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}
	msg.Status = StatusInbox
	msg.StatusProv = NoActor()
	return nil
}

// GetMessage fetches a message by primary key.
func (db *Database) GetMessage(ctx context.Context, id int64) (*Message, error) {
	msg, err := scanMessage(db.TimedQueryRow(ctx, "get_message", `
		SELECT `+messageColumns+` FROM messages WHERE id = $1
	`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
	}
	return msg, nil
}

// SetMessageStatus applies a lifecycle transition with provenance. The
// transition is idempotent in effect: re-applying the same status just
// re-stamps the provenance and timestamp.
func (db *Database) SetMessageStatus(ctx context.Context, messageID int64, status string, prov Provenance) error {
	if status != StatusInbox && status != StatusSpam && status != StatusTrashed {
		return fmt.Errorf("invalid message status %q", status)
	}

	var statusUser *string
	var statusRule *int64
	switch prov.Kind {
	case ProvenanceUser:
		statusUser = &prov.User
	case ProvenanceRule:
		statusRule = &prov.RuleID
	}

	tag, err := db.Pool.Exec(ctx, `
		UPDATE messages
		SET status = $1, status_set_by_user = $2, status_set_by_rule = $3, status_changed_at = now()
		WHERE id = $4
	`, status, statusUser, statusRule, messageID)
	if err != nil {
		return fmt.Errorf("failed to set message %d status: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMessageNotFound
	}
	return nil
}

// ExistsEarlierForwarded reports whether a strictly earlier message with the
// same message identifier and the same original recipient set has already
// been trashed, which marks the same inbound delivery as handled. A nil
// message identifier never matches.
func (db *Database) ExistsEarlierForwarded(ctx context.Context, msg *Message) (bool, error) {
	if msg.MessageID == nil || *msg.MessageID == "" {
		return false, nil
	}

	var exists bool
	err := db.TimedQueryRow(ctx, "exists_earlier_forwarded", `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE message_id = $1
			  AND orig_rcpt_tos = $2
			  AND status = $3
			  AND created_at < $4
			  AND id <> $5
		)
	`, *msg.MessageID, msg.OrigRcptTos, StatusTrashed, msg.CreatedAt, msg.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for earlier forwarded message: %w", err)
	}
	return exists, nil
}

// ListMailboxMessages returns a mailbox's messages in one lifecycle state,
// newest first.
func (db *Database) ListMailboxMessages(ctx context.Context, mailboxID int64, status string) ([]*Message, error) {
	rows, err := db.TimedQuery(ctx, "list_mailbox_messages", `
		SELECT `+messageColumns+`
		FROM messages
		WHERE mailbox_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC
	`, mailboxID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
