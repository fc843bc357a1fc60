package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/TK-IT/mailhole/consts"
	"github.com/TK-IT/mailhole/db"
	"github.com/TK-IT/mailhole/helpers"
	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/pkg/metrics"
	"github.com/TK-IT/mailhole/policy"
)

// SentStore records sent-message audit rows.
type SentStore interface {
	InsertSentMessage(ctx context.Context, sent *db.SentMessage) error
}

// ArtifactSource retrieves raw message artifacts by storage key.
type ArtifactSource interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Forwarder hands message copies to the outbound relay, one recipient at a
// time, recording a SentMessage per successful hand-off.
type Forwarder struct {
	store     SentStore
	artifacts ArtifactSource
	relay     RelayHandler
	policy    *policy.Engine
}

func NewForwarder(store SentStore, artifacts ArtifactSource, relay RelayHandler, pol *policy.Engine) *Forwarder {
	return &Forwarder{
		store:     store,
		artifacts: artifacts,
		relay:     relay,
		policy:    pol,
	}
}

// SendAndRecord forwards msg to each recipient independently. The From
// header is rewritten per policy before send. A failure for one recipient
// does not stop the remaining recipients; all failures are joined into the
// returned error. The returned count is the number of recipients whose copy
// reached the transport.
//
// actor is nil for automatic forwards and names the user for
// human-initiated ones.
func (f *Forwarder) SendAndRecord(ctx context.Context, msg *db.Message, mailboxDomain, peerSlug string, actor *string, recipients []string) (int, error) {
	origin := "automatic"
	if actor != nil {
		origin = "user"
	}

	raw, err := f.artifacts.Get(ctx, msg.RawKey)
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues(origin, "failure").Inc()
		return 0, fmt.Errorf("%w: failed to load raw artifact %s: %v", consts.ErrSend, msg.RawKey, err)
	}

	parsed, err := helpers.ParseMessage(raw)
	if err != nil {
		// The artifact parsed at ingestion time; treat a parse failure here
		// as corruption and refuse to forward.
		metrics.ForwardsTotal.WithLabelValues(origin, "failure").Inc()
		return 0, fmt.Errorf("%w: stored artifact no longer parses: %v", consts.ErrSend, err)
	}

	from := f.policy.RewrittenFrom(policy.Input{
		MailboxDomain: mailboxDomain,
		PeerSlug:      peerSlug,
		Subject:       parsed.Subject,
		From:          parsed.From,
		HasPlainBody:  parsed.BodyText != nil,
	})
	outgoing := raw
	if from != parsed.From {
		rewritten, err := helpers.RewriteFromHeader(raw, from)
		if err != nil {
			// Rewrite failures never block delivery
			logger.Error("FORWARD: from-rewrite failed, sending original",
				"message_id", msg.ID, "error", err)
			from = parsed.From
		} else {
			outgoing = rewritten
		}
	}

	var delivered int
	var errs []error
	for _, recipient := range recipients {
		if err := f.relay.SendToExternalRelay(from, recipient, outgoing); err != nil {
			logger.Error("FORWARD: relay hand-off failed",
				"message_id", msg.ID, "recipient", recipient, "origin", origin, "error", err)
			metrics.ForwardsTotal.WithLabelValues(origin, "failure").Inc()
			errs = append(errs, fmt.Errorf("%w: recipient %s: %v", consts.ErrSend, recipient, err))
			continue
		}

		sent := &db.SentMessage{
			MessageID:  msg.ID,
			Recipient:  recipient,
			SentByUser: actor,
		}
		if err := f.store.InsertSentMessage(ctx, sent); err != nil {
			// The copy is already on its way; losing the audit row is worth
			// an error log but the forward itself succeeded.
			logger.Error("FORWARD: failed to record sent message",
				"message_id", msg.ID, "recipient", recipient, "error", err)
			errs = append(errs, err)
		} else {
			logger.Info("FORWARD: message forwarded",
				"message_id", msg.ID, "recipient", recipient, "origin", origin,
				"sent_message_id", sent.ID, "content_hash", msg.ContentHash)
		}
		metrics.ForwardsTotal.WithLabelValues(origin, "success").Inc()
		delivered++
	}

	return delivered, errors.Join(errs...)
}
