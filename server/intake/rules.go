package intake

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/TK-IT/mailhole/consts"
	"github.com/TK-IT/mailhole/filter"
	"github.com/TK-IT/mailhole/logger"
)

// rulesCache keeps the full rule set in memory between rule writes. Rule
// evaluation happens on every ingested message while rule edits are rare,
// so the cache is loaded lazily and dropped wholesale on any write.
type rulesCache struct {
	mu     sync.RWMutex
	rules  []*filter.Rule
	loaded bool
}

func (c *rulesCache) get() ([]*filter.Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules, c.loaded
}

func (c *rulesCache) set(rules []*filter.Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = rules
	c.loaded = true
}

func (c *rulesCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = nil
	c.loaded = false
}

// rulesForPeer returns the global rules and the peer's own rules interleaved
// by order, compiled and ready for matching.
func (s *Service) rulesForPeer(ctx context.Context, peerID int64) ([]*filter.Rule, error) {
	all, ok := s.rules.get()
	if !ok {
		var err error
		all, err = s.store.ListFilterRules(ctx)
		if err != nil {
			return nil, err
		}
		filter.SortRules(all)
		// Compile before publishing: the cached set is read concurrently
		// and Match never compiles in place.
		filter.CompileRules(all)
		s.rules.set(all)
	}
	return filter.SelectForPeer(all, peerID), nil
}

// CreateRule validates and persists a new filter rule. Validation compiles
// the pattern and checks every example line; a rule whose examples disagree
// with its own pattern is rejected with all disagreeing lines reported.
func (s *Service) CreateRule(ctx context.Context, rule *filter.Rule) error {
	if err := rule.Validate(); err != nil {
		logger.Warn("INTAKE: rule validation failed",
			"kind", string(rule.Kind), "pattern", rule.Pattern, "created_by", rule.CreatedBy, "error", err)
		return err
	}
	if err := s.store.InsertFilterRule(ctx, rule); err != nil {
		return err
	}
	s.rules.invalidate()
	logger.Info("INTAKE: rule created",
		"rule_id", rule.ID, "kind", string(rule.Kind), "action", string(rule.Action),
		"scope", rule.Scope.String(), "created_by", rule.CreatedBy)
	return nil
}

// ListRules returns all rules in evaluation order.
func (s *Service) ListRules(ctx context.Context) ([]*filter.Rule, error) {
	rules, err := s.store.ListFilterRules(ctx)
	if err != nil {
		return nil, err
	}
	filter.SortRules(rules)
	return rules, nil
}

// DeleteRule removes a rule and drops the cache.
func (s *Service) DeleteRule(ctx context.Context, ruleID int64) error {
	if err := s.store.DeleteFilterRule(ctx, ruleID); err != nil {
		return err
	}
	s.rules.invalidate()
	logger.Info("INTAKE: rule deleted", "rule_id", ruleID)
	return nil
}

// whitelistOrderGap leaves room between generated whitelist rules and
// operator-authored ones.
const whitelistOrderGap = 10

// WhitelistSender creates a peer-scoped forward rule anchored to the exact
// sender of an existing message, so future mail from that sender skips the
// hold queue. The generated rule goes through the same example
// self-validation as operator-authored rules.
func (s *Service) WhitelistSender(ctx context.Context, messageID int64, user string) (*filter.Rule, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.OrigMailFrom == "" {
		return nil, fmt.Errorf("%w: message %d has no sender to whitelist",
			consts.ErrRuleValidation, messageID)
	}

	all, err := s.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	maxOrder := 0
	for _, r := range all {
		if r.Order > maxOrder {
			maxOrder = r.Order
		}
	}

	rule := &filter.Rule{
		Order:     maxOrder + whitelistOrderGap,
		Scope:     filter.ForPeer(msg.PeerID),
		Kind:      filter.KindSender,
		Pattern:   "^" + regexp.QuoteMeta(msg.OrigMailFrom) + "$",
		Examples:  filter.ExampleLine(msg.OrigMailFrom) + "\n",
		Action:    filter.ActionForward,
		CreatedBy: user,
	}
	if err := s.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	logger.Info("INTAKE: sender whitelisted",
		"message_id", messageID, "sender", msg.OrigMailFrom, "rule_id", rule.ID, "by", user)
	return rule, nil
}
