// Package policy decides whether an automatic forward may leave the system
// and applies conditional From-header rewrites before send.
//
// The rewrite rules cover senders that submit on behalf of a mailbox but use
// a foreign address, such as a signup form posting from a personal account.
// When the configured conditions all hold, the outgoing From is replaced
// with the canonical address so downstream DMARC checks pass.
package policy

import (
	"fmt"
	"strings"

	"github.com/TK-IT/mailhole/config"
	"github.com/TK-IT/mailhole/logger"
	"github.com/TK-IT/mailhole/pkg/metrics"
)

// Input carries the message attributes the policy gates and rewrites look at.
type Input struct {
	MailboxDomain string
	PeerSlug      string
	Subject       string // decoded Subject header
	From          string // current From header value
	HasPlainBody  bool
}

type Engine struct {
	cfg config.PolicyConfig
}

func NewEngine(cfg config.PolicyConfig) *Engine {
	return &Engine{cfg: cfg}
}

// RewrittenFrom returns the From address to use for an outgoing copy of the
// message. When no rewrite rule applies, the original From is returned
// unchanged. A failing or panicking rewrite is logged and falls back to the
// original From; it never blocks delivery.
func (e *Engine) RewrittenFrom(in Input) (from string) {
	from = in.From
	defer func() {
		if r := recover(); r != nil {
			logger.Error("POLICY: from-rewrite panicked, keeping original From",
				"from", in.From, "mailbox", in.MailboxDomain, "panic", fmt.Sprintf("%v", r))
			from = in.From
		}
	}()

	for _, rule := range e.cfg.FromRewrite {
		if !rewriteApplies(rule, in) {
			continue
		}
		logger.Info("POLICY: rewriting From header",
			"mailbox", in.MailboxDomain, "peer", in.PeerSlug,
			"from", in.From, "rewrite_to", rule.RewriteTo)
		return rule.RewriteTo
	}
	return from
}

// rewriteApplies reports whether every non-empty condition of rule holds.
func rewriteApplies(rule config.FromRewriteRule, in Input) bool {
	if rule.RewriteTo == "" {
		return false
	}
	if rule.Mailbox != "" && !strings.EqualFold(rule.Mailbox, in.MailboxDomain) {
		return false
	}
	if rule.Peer != "" && rule.Peer != in.PeerSlug {
		return false
	}
	if rule.SubjectEquals != "" && rule.SubjectEquals != in.Subject {
		return false
	}
	if rule.FromNotSuffix != "" && strings.HasSuffix(strings.ToLower(in.From), strings.ToLower(rule.FromNotSuffix)) {
		return false
	}
	return true
}

// AllowAutomaticForward applies the forward-eligibility gates. All configured
// gates must pass. When the message is rejected, the returned reason names
// the first gate that failed.
func (e *Engine) AllowAutomaticForward(in Input) (bool, string) {
	if e.cfg.DisableOutgoing {
		metrics.PolicySkipsTotal.WithLabelValues("outgoing_disabled").Inc()
		return false, "outgoing_disabled"
	}

	if e.cfg.PlainTextOnly && !in.HasPlainBody {
		metrics.PolicySkipsTotal.WithLabelValues("no_plain_text").Inc()
		return false, "no_plain_text"
	}

	if e.cfg.RequireFromRewrite {
		from := e.RewrittenFrom(in)
		if strings.Contains(from, ",") {
			metrics.PolicySkipsTotal.WithLabelValues("from_not_canonical").Inc()
			return false, "from_not_canonical"
		}
		if !strings.HasSuffix(strings.ToLower(from), "@"+strings.ToLower(in.MailboxDomain)) {
			metrics.PolicySkipsTotal.WithLabelValues("from_not_canonical").Inc()
			return false, "from_not_canonical"
		}
	}

	return true, ""
}
