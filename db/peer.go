package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/TK-IT/mailhole/consts"
)

// Peer is a trusted upstream relay allowed to submit mail.
type Peer struct {
	ID        int64
	Slug      string
	CreatedAt time.Time
}

// GetPeerByKey resolves a submission credential to a Peer. An unknown key
// fails closed with consts.ErrAuthentication; key comparison is an exact
// string match against the unique api_key column.
func (db *Database) GetPeerByKey(ctx context.Context, key string) (*Peer, error) {
	var peer Peer
	err := db.TimedQueryRow(ctx, "get_peer_by_key", `
		SELECT id, slug, created_at
		FROM peers
		WHERE api_key = $1
	`, key).Scan(&peer.ID, &peer.Slug, &peer.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrAuthentication
		}
		return nil, fmt.Errorf("failed to look up peer: %w", err)
	}
	return &peer, nil
}

// GetPeerBySlug fetches a peer by its human-readable slug.
func (db *Database) GetPeerBySlug(ctx context.Context, slug string) (*Peer, error) {
	var peer Peer
	err := db.TimedQueryRow(ctx, "get_peer_by_slug", `
		SELECT id, slug, created_at
		FROM peers
		WHERE slug = $1
	`, slug).Scan(&peer.ID, &peer.Slug, &peer.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrPeerNotFound
		}
		return nil, fmt.Errorf("failed to look up peer: %w", err)
	}
	return &peer, nil
}

// GetPeerByID fetches a peer by primary key.
func (db *Database) GetPeerByID(ctx context.Context, id int64) (*Peer, error) {
	var peer Peer
	err := db.TimedQueryRow(ctx, "get_peer_by_id", `
		SELECT id, slug, created_at
		FROM peers
		WHERE id = $1
	`, id).Scan(&peer.ID, &peer.Slug, &peer.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrPeerNotFound
		}
		return nil, fmt.Errorf("failed to look up peer: %w", err)
	}
	return &peer, nil
}

// GetPeerReaders returns the peer's default reader set, copied onto every
// mailbox created for a domain first seen through this peer.
func (db *Database) GetPeerReaders(ctx context.Context, peerID int64) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "get_peer_readers", `
		SELECT email FROM peer_readers WHERE peer_id = $1 ORDER BY email
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch peer readers: %w", err)
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

// CreatePeer registers a new peer. Used by provisioning, not the intake path.
func (db *Database) CreatePeer(ctx context.Context, slug, apiKey string, readers []string) (*Peer, error) {
	var peer Peer
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO peers (slug, api_key)
		VALUES ($1, $2)
		RETURNING id, slug, created_at
	`, slug, apiKey).Scan(&peer.ID, &peer.Slug, &peer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, consts.ErrDBUniqueViolation
		}
		return nil, fmt.Errorf("failed to create peer: %w", err)
	}

	for _, email := range readers {
		if err := db.TimedExec(ctx, "add_peer_reader", `
			INSERT INTO peer_readers (peer_id, email)
			VALUES ($1, $2)
			ON CONFLICT (peer_id, email) DO NOTHING
		`, peer.ID, email); err != nil {
			return nil, fmt.Errorf("failed to add peer reader %s: %w", email, err)
		}
	}

	return &peer, nil
}
