package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TK-IT/mailhole/consts"
)

func TestSplitEmailAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		local   string
		domain  string
		wantErr bool
	}{
		{"simple", "alice@example.com", "alice", "example.com", false},
		{"domain lowercased", "Alice@EXAMPLE.COM", "Alice", "example.com", false},
		{"no at sign", "alice.example.com", "", "", true},
		{"two at signs", "alice@host@example.com", "", "", true},
		{"empty local part", "@example.com", "", "", true},
		{"empty domain", "alice@", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, domain, err := SplitEmailAddress(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, consts.ErrInvalidRecipientSet)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.local, local)
			assert.Equal(t, tt.domain, domain)
		})
	}
}

func TestGroupByDomain(t *testing.T) {
	domains, groups, err := GroupByDomain([]string{
		"a@one.example",
		"b@two.example",
		"c@ONE.example",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"one.example", "two.example"}, domains)
	assert.Equal(t, []string{"a@one.example", "c@ONE.example"}, groups["one.example"])
	assert.Equal(t, []string{"b@two.example"}, groups["two.example"])
}

func TestGroupByDomainRejectsMalformed(t *testing.T) {
	_, _, err := GroupByDomain([]string{"a@one.example", "not-an-address"})
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrInvalidRecipientSet)
}
