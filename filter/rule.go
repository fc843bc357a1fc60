// Package filter implements the ordered, peer-scoped pattern rules that
// decide whether an incoming message is marked spam or forwarded.
//
// A rule carries a case-insensitive regular expression, free-text example
// lines, and a resulting action. The example lines are evaluated against the
// compiled pattern when the rule is saved: a line is expected to match, a
// line prefixed with '!' is expected not to match, and a line prefixed with
// '#' is a comment. A rule whose examples disagree with its own pattern is
// rejected before it is ever persisted.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/TK-IT/mailhole/consts"
)

// Kind selects which part of the message a rule's pattern is searched
// against.
type Kind string

const (
	KindSubject Kind = "subject" // decoded Subject header
	KindSender  Kind = "sender"  // envelope sender as delivered by the relay
	KindHeader  Kind = "header"  // any rendered "Name: value" header line
)

// Action is the outcome of a matching rule.
type Action string

const (
	ActionSpam    Action = "spam"
	ActionForward Action = "forward"
)

// Scope restricts a rule to one submitting peer or applies it to all of
// them. The zero value is the global scope.
type Scope struct {
	peerID int64 // 0 = global
}

func Global() Scope             { return Scope{} }
func ForPeer(peerID int64) Scope { return Scope{peerID: peerID} }

func (s Scope) IsGlobal() bool { return s.peerID == 0 }

// PeerID returns the scoped peer and whether the scope is peer-specific.
func (s Scope) PeerID() (int64, bool) {
	return s.peerID, s.peerID != 0
}

// AppliesTo reports whether a rule in this scope is evaluated for messages
// submitted by the given peer.
func (s Scope) AppliesTo(peerID int64) bool {
	return s.peerID == 0 || s.peerID == peerID
}

func (s Scope) String() string {
	if s.peerID == 0 {
		return "global"
	}
	return fmt.Sprintf("peer:%d", s.peerID)
}

// Rule is one operator-authored ordered predicate. Lower Order evaluates
// first; rules with equal Order tie-break on ID.
type Rule struct {
	ID        int64
	Order     int
	Scope     Scope
	Kind      Kind
	Pattern   string
	Examples  string
	Action    Action
	CreatedBy string
	CreatedAt time.Time

	re *regexp.Regexp
}

// Compile builds the case-insensitive matcher for the rule's pattern. All
// kinds use search semantics, not full match.
func (r *Rule) Compile() error {
	re, err := compilePattern(r.Pattern)
	if err != nil {
		return err
	}
	r.re = re
	return nil
}

// CompileRules compiles every rule in the set, once, before the set is
// shared. A rule whose stored pattern no longer compiles is left uncompiled
// and will be skipped by Match; persisted rules have already passed
// validation, so that only happens when the stored pattern was corrupted.
func CompileRules(rules []*Rule) {
	for _, r := range rules {
		if r.re == nil {
			_ = r.Compile()
		}
	}
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q: %v", consts.ErrRuleValidation, pattern, err)
	}
	return re, nil
}

// Validate compiles the pattern and checks every example line against it,
// wrapping all disagreeing lines into a single error.
func (r *Rule) Validate() error {
	if r.Kind != KindSubject && r.Kind != KindSender && r.Kind != KindHeader {
		return fmt.Errorf("%w: unknown kind %q", consts.ErrRuleValidation, r.Kind)
	}
	if r.Action != ActionSpam && r.Action != ActionForward {
		return fmt.Errorf("%w: unknown action %q", consts.ErrRuleValidation, r.Action)
	}
	if err := r.Compile(); err != nil {
		return err
	}
	failing, err := ValidateExamples(r.Pattern, r.Examples)
	if err != nil {
		return err
	}
	if len(failing) > 0 {
		return fmt.Errorf("%w: examples disagree with pattern: %s",
			consts.ErrRuleValidation, strings.Join(failing, "; "))
	}
	return nil
}

// ValidateExamples evaluates every example line against the compiled
// pattern and returns all lines whose outcome disagrees with their expected
// polarity. A line starting with '!' is a negative example (the rest of the
// line must not match), a line starting with '#' is a comment, and blank
// lines are ignored. A leading '\' is stripped and the rest of the line is
// taken as a literal positive example, so lines that genuinely start with
// '!', '#' or '\' stay expressible. The returned error is non-nil only for
// an unparsable pattern.
func ValidateExamples(pattern, examples string) ([]string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	var failing []string
	for _, line := range strings.Split(examples, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if negative, ok := strings.CutPrefix(trimmed, "!"); ok {
			if re.MatchString(negative) {
				failing = append(failing, trimmed)
			}
			continue
		}
		subject, _ := strings.CutPrefix(trimmed, `\`)
		if !re.MatchString(subject) {
			failing = append(failing, trimmed)
		}
	}
	return failing, nil
}

// ExampleLine renders a literal string as a positive example line, escaping
// it when its first character would otherwise be read as example syntax.
func ExampleLine(literal string) string {
	if strings.HasPrefix(literal, "!") || strings.HasPrefix(literal, "#") || strings.HasPrefix(literal, `\`) {
		return `\` + literal
	}
	return literal
}

// SortRules orders rules ascending by Order, tie-breaking on ID so the
// evaluation order is stable.
func SortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Order != rules[j].Order {
			return rules[i].Order < rules[j].Order
		}
		return rules[i].ID < rules[j].ID
	})
}

// SelectForPeer returns the rules that apply to a peer (global rules plus
// that peer's rules), in evaluation order. Global and peer-specific rules
// interleave by Order; they are never grouped by scope.
func SelectForPeer(rules []*Rule, peerID int64) []*Rule {
	var selected []*Rule
	for _, r := range rules {
		if r.Scope.AppliesTo(peerID) {
			selected = append(selected, r)
		}
	}
	SortRules(selected)
	return selected
}
