package filter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compiled(rules ...*Rule) []*Rule {
	CompileRules(rules)
	return rules
}

func TestMatchFirstMatchWins(t *testing.T) {
	rules := compiled(
		&Rule{ID: 1, Order: 10, Kind: KindSubject, Pattern: `invoice`, Action: ActionForward},
		&Rule{ID: 2, Order: 20, Kind: KindSubject, Pattern: `casino`, Action: ActionSpam},
		&Rule{ID: 3, Order: 30, Kind: KindSubject, Pattern: `casino`, Action: ActionForward},
	)

	matched := Match(rules, Envelope{Subject: "Free casino chips"})
	require.NotNil(t, matched)
	assert.Equal(t, int64(2), matched.ID)
	assert.Equal(t, ActionSpam, matched.Action)
}

func TestMatchNoRuleMatches(t *testing.T) {
	rules := compiled(
		&Rule{ID: 1, Order: 10, Kind: KindSubject, Pattern: `casino`, Action: ActionSpam},
	)
	assert.Nil(t, Match(rules, Envelope{Subject: "Board meeting minutes"}))
}

func TestMatchKinds(t *testing.T) {
	env := Envelope{
		Subject: "Quarterly report",
		Sender:  "noreply@billing.example.net",
		Headers: []string{
			"From: Billing <noreply@billing.example.net>",
			"X-Mailer: bulkmailer 2.1",
		},
	}

	tests := []struct {
		name    string
		rule    *Rule
		matches bool
	}{
		{"subject searches decoded subject", &Rule{Kind: KindSubject, Pattern: `quarterly`}, true},
		{"subject ignores sender", &Rule{Kind: KindSubject, Pattern: `billing`}, false},
		{"sender searches envelope sender", &Rule{Kind: KindSender, Pattern: `@billing\.`}, true},
		{"header searches every line", &Rule{Kind: KindHeader, Pattern: `bulkmailer`}, true},
		{"header misses absent value", &Rule{Kind: KindHeader, Pattern: `listserv`}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Match(compiled(tt.rule), env)
			if tt.matches {
				assert.NotNil(t, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestMatchCaseInsensitive(t *testing.T) {
	rules := compiled(
		&Rule{Kind: KindSubject, Pattern: `URGENT`},
	)
	assert.NotNil(t, Match(rules, Envelope{Subject: "urgent wire transfer"}))
}

func TestMatchSkipsCorruptedPattern(t *testing.T) {
	rules := compiled(
		&Rule{ID: 1, Kind: KindSubject, Pattern: `(unclosed`},
		&Rule{ID: 2, Kind: KindSubject, Pattern: `report`},
	)
	matched := Match(rules, Envelope{Subject: "Annual report"})
	require.NotNil(t, matched)
	assert.Equal(t, int64(2), matched.ID)
}

func TestMatchSkipsUncompiledRule(t *testing.T) {
	rules := []*Rule{
		{ID: 1, Kind: KindSubject, Pattern: `report`},
	}
	assert.Nil(t, Match(rules, Envelope{Subject: "Annual report"}),
		"an uncompiled rule must never match")
}

func TestMatchDoesNotMutateSharedRules(t *testing.T) {
	rules := compiled(
		&Rule{ID: 1, Order: 10, Kind: KindSubject, Pattern: `invoice`, Action: ActionForward},
		&Rule{ID: 2, Order: 20, Kind: KindSender, Pattern: `@billing\.`, Action: ActionSpam},
		&Rule{ID: 3, Order: 30, Kind: KindHeader, Pattern: `bulkmailer`, Action: ActionSpam},
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				matched := Match(rules, Envelope{
					Subject: "Invoice 42",
					Sender:  "noreply@billing.example.net",
					Headers: []string{"X-Mailer: bulkmailer 2.1"},
				})
				if matched == nil || matched.ID != 1 {
					t.Error("expected rule 1 to match")
					return
				}
			}
		}()
	}
	wg.Wait()
}
