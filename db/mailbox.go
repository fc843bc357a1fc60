package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/TK-IT/mailhole/consts"
	"github.com/TK-IT/mailhole/logger"
)

// Default handling actions for a mailbox.
const (
	MailboxActionHold    = "hold"
	MailboxActionForward = "forward"
)

// Mailbox is the per-domain destination owning a set of human readers and a
// default handling action. Identified by the normalized (lowercased) domain.
type Mailbox struct {
	ID            int64
	Domain        string
	DefaultAction string
	CreatedAt     time.Time
}

// GetMailboxByDomain fetches a mailbox by its normalized domain name.
func (db *Database) GetMailboxByDomain(ctx context.Context, domain string) (*Mailbox, error) {
	var mbox Mailbox
	err := db.TimedQueryRow(ctx, "get_mailbox_by_domain", `
		SELECT id, domain, default_action, created_at
		FROM mailboxes
		WHERE domain = $1
	`, domain).Scan(&mbox.ID, &mbox.Domain, &mbox.DefaultAction, &mbox.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to fetch mailbox %q: %w", domain, err)
	}
	return &mbox, nil
}

// GetMailboxByID fetches a mailbox by primary key.
func (db *Database) GetMailboxByID(ctx context.Context, id int64) (*Mailbox, error) {
	var mbox Mailbox
	err := db.TimedQueryRow(ctx, "get_mailbox_by_id", `
		SELECT id, domain, default_action, created_at
		FROM mailboxes
		WHERE id = $1
	`, id).Scan(&mbox.ID, &mbox.Domain, &mbox.DefaultAction, &mbox.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to fetch mailbox %d: %w", id, err)
	}
	return &mbox, nil
}

// GetOrCreateMailbox resolves a domain to its mailbox, creating it on first
// sight with the hold default action and the peer's default reader set. A
// concurrent create for the same domain is resolved by re-fetching after a
// unique violation, so at most one row per domain is ever persisted.
func (db *Database) GetOrCreateMailbox(ctx context.Context, domain string, peer *Peer) (*Mailbox, error) {
	mbox, err := db.GetMailboxByDomain(ctx, domain)
	if err == nil {
		return mbox, nil
	}
	if err != consts.ErrMailboxNotFound {
		return nil, err
	}

	var created Mailbox
	err = db.Pool.QueryRow(ctx, `
		INSERT INTO mailboxes (domain, default_action)
		VALUES ($1, $2)
		RETURNING id, domain, default_action, created_at
	`, domain, MailboxActionHold).Scan(&created.ID, &created.Domain, &created.DefaultAction, &created.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the create race; the winner's row is authoritative.
			return db.GetMailboxByDomain(ctx, domain)
		}
		return nil, fmt.Errorf("failed to create mailbox %q: %w", domain, err)
	}

	readers, err := db.GetPeerReaders(ctx, peer.ID)
	if err != nil {
		return nil, err
	}
	for _, email := range readers {
		if err := db.TimedExec(ctx, "add_mailbox_reader", `
			INSERT INTO mailbox_readers (mailbox_id, email)
			VALUES ($1, $2)
			ON CONFLICT (mailbox_id, email) DO NOTHING
		`, created.ID, email); err != nil {
			return nil, fmt.Errorf("failed to add reader %s to mailbox %q: %w", email, domain, err)
		}
	}

	logger.Info("mailbox created",
		"mailbox", created.Domain,
		"mailbox_id", created.ID,
		"peer", peer.Slug,
		"readers", len(readers))

	return &created, nil
}

// GetMailboxReaders returns the reader identities of a mailbox.
func (db *Database) GetMailboxReaders(ctx context.Context, mailboxID int64) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "get_mailbox_readers", `
		SELECT email FROM mailbox_readers WHERE mailbox_id = $1 ORDER BY email
	`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mailbox readers: %w", err)
	}
	defer rows.Close()

	var readers []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		readers = append(readers, email)
	}
	return readers, rows.Err()
}

// SetMailboxDefaultAction updates the default handling action of a mailbox.
func (db *Database) SetMailboxDefaultAction(ctx context.Context, mailboxID int64, action string) error {
	if action != MailboxActionHold && action != MailboxActionForward {
		return fmt.Errorf("invalid default action %q", action)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE mailboxes SET default_action = $1 WHERE id = $2
	`, action, mailboxID)
	if err != nil {
		return fmt.Errorf("failed to update mailbox default action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMailboxNotFound
	}
	return nil
}
