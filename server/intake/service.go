// Package intake implements the submission pipeline: peer authentication,
// recipient grouping, mailbox resolution, message ingestion, rule filtering
// and the automatic-forward decision.
//
// One submission from a peer may carry recipients in several domains; each
// domain becomes its own Message attached to its own Mailbox, processed
// independently. A failure in one domain's pipeline never blocks the
// others; per-domain errors are joined and reported together.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TK-IT/mailhole/consts"
	"github.com/TK-IT/mailhole/db"
	"github.com/TK-IT/mailhole/filter"
	"github.com/TK-IT/mailhole/helpers"
	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/pkg/metrics"
	"github.com/TK-IT/mailhole/policy"
	"github.com/TK-IT/mailhole/storage"
)

// Store is the persistence surface the pipeline runs against.
type Store interface {
	GetPeerByKey(ctx context.Context, key string) (*db.Peer, error)
	GetPeerByID(ctx context.Context, id int64) (*db.Peer, error)
	GetOrCreateMailbox(ctx context.Context, domain string, peer *db.Peer) (*db.Mailbox, error)
	GetMailboxByID(ctx context.Context, id int64) (*db.Mailbox, error)
	GetMailboxReaders(ctx context.Context, mailboxID int64) ([]string, error)
	InsertMessage(ctx context.Context, msg *db.Message) error
	GetMessage(ctx context.Context, id int64) (*db.Message, error)
	SetMessageStatus(ctx context.Context, messageID int64, status string, prov db.Provenance) error
	ExistsEarlierForwarded(ctx context.Context, msg *db.Message) (bool, error)
	ListFilterRules(ctx context.Context) ([]*filter.Rule, error)
	InsertFilterRule(ctx context.Context, rule *filter.Rule) error
	DeleteFilterRule(ctx context.Context, ruleID int64) error
}

// ArtifactSpool stores raw artifacts durably before the message row exists.
type ArtifactSpool interface {
	Store(key string, data []byte) (string, error)
}

// ForwardSender hands a message to the outbound transport.
type ForwardSender interface {
	SendAndRecord(ctx context.Context, msg *db.Message, mailboxDomain, peerSlug string, actor *string, recipients []string) (int, error)
}

type Service struct {
	store     Store
	spool     ArtifactSpool
	forwarder ForwardSender
	policy    *policy.Engine
	rules     rulesCache
}

func NewService(store Store, spool ArtifactSpool, forwarder ForwardSender, pol *policy.Engine) *Service {
	return &Service{
		store:     store,
		spool:     spool,
		forwarder: forwarder,
		policy:    pol,
	}
}

// SubmitRequest is one submission from an upstream relay. MailFrom/RcptTos
// describe the envelope the relay used toward us; the Orig fields carry the
// envelope of the original delivery the relay intercepted.
type SubmitRequest struct {
	Key              string
	MailFrom         string
	RcptTos          []string
	MessageBytes     []byte
	OrigMailFrom     string
	OrigRcptTos      []string
	OrigMessageBytes []byte
}

// Submit runs the full intake pipeline for one relay submission. Recipients
// are grouped by domain and each group is processed independently; errors
// from individual domains are joined into the returned error while the
// remaining domains still complete.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) error {
	peer, err := s.store.GetPeerByKey(ctx, req.Key)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("unknown", "auth_failure").Inc()
		return err
	}

	if err := validateRecipients(req.OrigRcptTos); err != nil {
		metrics.SubmissionsTotal.WithLabelValues(peer.Slug, "invalid_recipients").Inc()
		return err
	}
	// RcptTos is optional, but when present it is stored and must obey the
	// same shape rules as the original recipients.
	if len(req.RcptTos) > 0 {
		if err := validateRecipients(req.RcptTos); err != nil {
			metrics.SubmissionsTotal.WithLabelValues(peer.Slug, "invalid_recipients").Inc()
			return err
		}
	}

	domains, byDomain, err := helpers.GroupByDomain(req.OrigRcptTos)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(peer.Slug, "invalid_recipients").Inc()
		return err
	}

	var errs []error
	for _, domain := range domains {
		if err := s.processDomain(ctx, peer, domain, byDomain[domain], req); err != nil {
			logger.Error("INTAKE: domain pipeline failed",
				"peer", peer.Slug, "domain", domain, "error", err)
			errs = append(errs, fmt.Errorf("domain %s: %w", domain, err))
		}
	}

	if len(errs) > 0 {
		metrics.SubmissionsTotal.WithLabelValues(peer.Slug, "partial_failure").Inc()
		return errors.Join(errs...)
	}
	metrics.SubmissionsTotal.WithLabelValues(peer.Slug, "success").Inc()
	return nil
}

// validateRecipients rejects recipient strings the relay should never
// produce: comma-joined lists and addresses without exactly one '@'.
func validateRecipients(rcpts []string) error {
	if len(rcpts) == 0 {
		return fmt.Errorf("%w: no recipients", consts.ErrInvalidRecipientSet)
	}
	for _, rcpt := range rcpts {
		if strings.Contains(rcpt, ",") {
			return fmt.Errorf("%w: %q looks like a joined list", consts.ErrInvalidRecipientSet, rcpt)
		}
		if _, _, err := helpers.SplitEmailAddress(rcpt); err != nil {
			return err
		}
	}
	return nil
}

// processDomain ingests one per-domain copy of the submission and runs it
// through the filter pipeline.
func (s *Service) processDomain(ctx context.Context, peer *db.Peer, domain string, rcpts []string, req *SubmitRequest) error {
	mbox, err := s.store.GetOrCreateMailbox(ctx, domain, peer)
	if err != nil {
		return err
	}

	parsed, err := helpers.ParseMessage(req.MessageBytes)
	if err != nil {
		return err
	}

	origBytes := req.OrigMessageBytes
	if len(origBytes) == 0 {
		origBytes = req.MessageBytes
	}

	created := time.Now().UTC()
	rawKey := storage.RawMessageKey(peer.Slug, domain, created, false)
	origRawKey := storage.RawMessageKey(peer.Slug, domain, created, true)

	// Both artifacts hit local disk before the row is created, so the row
	// never references bytes that could be lost in a crash.
	hash, err := s.spool.Store(rawKey, req.MessageBytes)
	if err != nil {
		return err
	}
	origHash, err := s.spool.Store(origRawKey, origBytes)
	if err != nil {
		return err
	}

	msg := &db.Message{
		MailboxID:       mbox.ID,
		PeerID:          peer.ID,
		MailFrom:        req.MailFrom,
		RcptTos:         req.RcptTos,
		OrigMailFrom:    req.OrigMailFrom,
		OrigRcptTos:     rcpts,
		MessageID:       parsed.MessageID,
		HeadersText:     parsed.HeadersText,
		BodyText:        parsed.BodyText,
		RawKey:          rawKey,
		OrigRawKey:      origRawKey,
		ContentHash:     hash,
		OrigContentHash: origHash,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return err
	}

	metrics.MessagesIngestedTotal.WithLabelValues(peer.Slug).Inc()
	logger.Info("INTAKE: message ingested",
		"peer", peer.Slug, "mailbox", domain, "message_id", msg.ID,
		"rcpts", len(rcpts), "content_hash", hash)

	return s.filterIncoming(ctx, peer, mbox, msg, parsed)
}

// filterIncoming applies the mailbox's rule set and acts on the outcome:
// mark spam, auto-forward, or leave the message held in the inbox.
func (s *Service) filterIncoming(ctx context.Context, peer *db.Peer, mbox *db.Mailbox, msg *db.Message, parsed *helpers.ParsedMessage) error {
	rules, err := s.rulesForPeer(ctx, peer.ID)
	if err != nil {
		return err
	}

	matched := filter.Match(rules, filter.Envelope{
		Subject: parsed.Subject,
		Sender:  msg.OrigMailFrom,
		Headers: parsed.HeaderLines,
	})

	if matched != nil {
		metrics.FilterMatchesTotal.WithLabelValues(string(matched.Action)).Inc()
		logger.Info("INTAKE: rule matched",
			"message_id", msg.ID, "rule_id", matched.ID, "kind", string(matched.Kind),
			"action", string(matched.Action), "scope", matched.Scope.String())
	}

	switch {
	case matched != nil && matched.Action == filter.ActionSpam:
		return s.MarkSpam(ctx, msg.ID, db.ByRule(matched.ID))
	case matched != nil && matched.Action == filter.ActionForward:
		return s.autoForward(ctx, peer, mbox, msg, parsed)
	case matched == nil && mbox.DefaultAction == db.MailboxActionForward:
		return s.autoForward(ctx, peer, mbox, msg, parsed)
	default:
		// Held for human review
		return nil
	}
}

// autoForward runs the dedup check and the policy gate, then forwards to
// the mailbox's readers. The message is marked trashed once at least one
// reader's copy reached the transport.
func (s *Service) autoForward(ctx context.Context, peer *db.Peer, mbox *db.Mailbox, msg *db.Message, parsed *helpers.ParsedMessage) error {
	dup, err := s.store.ExistsEarlierForwarded(ctx, msg)
	if err != nil {
		return err
	}
	if dup {
		metrics.DedupSuppressionsTotal.Inc()
		logger.Info("INTAKE: duplicate forward suppressed",
			"message_id", msg.ID, "mailbox", mbox.Domain, "rfc_message_id", derefOr(msg.MessageID, ""))
		return s.MarkTrashed(ctx, msg.ID, db.NoActor())
	}

	allowed, reason := s.policy.AllowAutomaticForward(policy.Input{
		MailboxDomain: mbox.Domain,
		PeerSlug:      peer.Slug,
		Subject:       parsed.Subject,
		From:          parsed.From,
		HasPlainBody:  parsed.BodyText != nil,
	})
	if !allowed {
		logger.Info("INTAKE: automatic forward rejected by policy",
			"message_id", msg.ID, "mailbox", mbox.Domain, "reason", reason)
		return nil
	}

	readers, err := s.store.GetMailboxReaders(ctx, mbox.ID)
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		logger.Warn("INTAKE: mailbox has no readers, holding message",
			"message_id", msg.ID, "mailbox", mbox.Domain)
		return nil
	}

	delivered, sendErr := s.forwarder.SendAndRecord(ctx, msg, mbox.Domain, peer.Slug, nil, readers)
	if delivered > 0 {
		if err := s.MarkTrashed(ctx, msg.ID, db.NoActor()); err != nil {
			sendErr = errors.Join(sendErr, err)
		}
	}
	return sendErr
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
