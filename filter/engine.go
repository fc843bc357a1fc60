package filter

// Envelope is the view of a message that rules are evaluated against.
type Envelope struct {
	Subject string   // decoded Subject header
	Sender  string   // envelope sender as delivered by the relay
	Headers []string // rendered "Name: value" lines in original order
}

// matches evaluates the rule's predicate against the envelope. The rule
// must have been compiled.
func (r *Rule) matches(env Envelope) bool {
	switch r.Kind {
	case KindSubject:
		return r.re.MatchString(env.Subject)
	case KindSender:
		return r.re.MatchString(env.Sender)
	case KindHeader:
		for _, line := range env.Headers {
			if r.re.MatchString(line) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Match evaluates rules strictly in the given order and returns the first
// rule whose predicate holds, or nil. Evaluation short-circuits: rules after
// the first match are never evaluated. Match never mutates the rules, so a
// compiled rule set may be shared across concurrent evaluations. Uncompiled
// rules are skipped; callers compile the set once with CompileRules after
// loading it.
func Match(rules []*Rule, env Envelope) *Rule {
	for _, r := range rules {
		if r.re == nil {
			continue
		}
		if r.matches(env) {
			return r
		}
	}
	return nil
}
