package helpers

import (
	"fmt"
	"strings"

	"github.com/TK-IT/mailhole/consts"
)

// SplitEmailAddress splits an address into its local part and lowercased
// domain. The address must contain exactly one '@'.
func SplitEmailAddress(email string) (string, string, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed address %q", consts.ErrInvalidRecipientSet, email)
	}
	return parts[0], strings.ToLower(parts[1]), nil
}

// GroupByDomain splits recipient addresses into per-domain groups, keyed by
// the lowercased domain. Domains are returned in first-seen order so the
// per-domain processing order is deterministic.
func GroupByDomain(addresses []string) ([]string, map[string][]string, error) {
	var domains []string
	groups := make(map[string][]string)
	for _, addr := range addresses {
		_, domain, err := SplitEmailAddress(addr)
		if err != nil {
			return nil, nil, err
		}
		if _, seen := groups[domain]; !seen {
			domains = append(domains, domain)
		}
		groups[domain] = append(groups[domain], addr)
	}
	return domains, groups, nil
}
