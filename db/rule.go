package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/TK-IT/mailhole/consts"
	"github.com/TK-IT/mailhole/filter"
)

func scanRule(row pgx.Row) (*filter.Rule, error) {
	var rule filter.Rule
	var peerID *int64
	var kind, action string
	err := row.Scan(&rule.ID, &rule.Order, &peerID, &kind, &rule.Pattern,
		&rule.Examples, &action, &rule.CreatedBy, &rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	rule.Kind = filter.Kind(kind)
	rule.Action = filter.Action(action)
	if peerID != nil {
		rule.Scope = filter.ForPeer(*peerID)
	} else {
		rule.Scope = filter.Global()
	}
	return &rule, nil
}

// InsertFilterRule persists a rule. The rule must pass self-validation
// against its own examples; a failing rule is never written.
func (db *Database) InsertFilterRule(ctx context.Context, rule *filter.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	var peerID *int64
	if id, ok := rule.Scope.PeerID(); ok {
		peerID = &id
	}

	err := db.TimedQueryRow(ctx, "insert_filter_rule", `
		INSERT INTO filter_rules (rule_order, peer_id, kind, pattern, examples, action, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, rule.Order, peerID, string(rule.Kind), rule.Pattern, rule.Examples,
		string(rule.Action), rule.CreatedBy).Scan(&rule.ID, &rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert filter rule: %w", err)
	}
	return nil
}

// ListFilterRules returns all rules in evaluation order.
func (db *Database) ListFilterRules(ctx context.Context) ([]*filter.Rule, error) {
	return db.queryRules(ctx, "list_filter_rules", `
		SELECT id, rule_order, peer_id, kind, pattern, examples, action, created_by, created_at
		FROM filter_rules
		ORDER BY rule_order, id
	`)
}

// ListFilterRulesForPeer returns the rules evaluated for one peer's
// messages: global rules and that peer's rules, interleaved by order.
func (db *Database) ListFilterRulesForPeer(ctx context.Context, peerID int64) ([]*filter.Rule, error) {
	return db.queryRules(ctx, "list_filter_rules_for_peer", `
		SELECT id, rule_order, peer_id, kind, pattern, examples, action, created_by, created_at
		FROM filter_rules
		WHERE peer_id IS NULL OR peer_id = $1
		ORDER BY rule_order, id
	`, peerID)
}

func (db *Database) queryRules(ctx context.Context, operation, sql string, args ...interface{}) ([]*filter.Rule, error) {
	rows, err := db.TimedQuery(ctx, operation, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list filter rules: %w", err)
	}
	defer rows.Close()

	var rules []*filter.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// DeleteFilterRule removes a rule.
func (db *Database) DeleteFilterRule(ctx context.Context, ruleID int64) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM filter_rules WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete filter rule %d: %w", ruleID, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrRuleNotFound
	}
	return nil
}
