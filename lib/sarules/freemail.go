package sarules

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// FreemailMatcher scans strings for free email provider domains using a
// multi-pattern trie. Built once after parsing, read-only afterwards.
type FreemailMatcher struct {
	domains []string
	trie    *ahocorasick.Matcher
}

// NewFreemailMatcher builds a matcher over @domain suffix literals. An empty
// list yields a matcher that never matches.
func NewFreemailMatcher(domains []string) *FreemailMatcher {
	m := &FreemailMatcher{domains: domains}
	if len(domains) > 0 {
		m.trie = ahocorasick.NewStringMatcher(domains)
	}
	return m
}

// Count returns the total number of domain occurrences in s, 0 for empty
// input or an empty domain list.
func (m *FreemailMatcher) Count(s string) int {
	if m == nil || m.trie == nil || s == "" {
		return 0
	}
	total := 0
	// MatchThreadSafe keeps concurrent scans over a shared engine safe,
	// plain Match mutates the trie's visit counters
	for _, idx := range m.trie.MatchThreadSafe([]byte(s)) {
		total += strings.Count(s, m.domains[idx])
	}
	return total
}
