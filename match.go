package sniproxy

import (
	"sort"
	"strings"
)

// Decision is the outcome of classifying a hostname against a
// HostnameMatcher.
type Decision int

const (
	Reject Decision = iota
	Direct
	Socks5
)

func (d Decision) String() string {
	switch d {
	case Direct:
		return "direct"
	case Socks5:
		return "socks5"
	default:
		return "reject"
	}
}

// MatchSet is an allow-list compiled into an unordered set of
// lower-cased exact hostnames and an ordered sequence of wildcard
// patterns sorted by descending suffix length.
type MatchSet struct {
	exact     map[string]struct{}
	wildcards []string // each entry is the "suffix" part of "*.suffix", sorted longest first
}

// NewMatchSet compiles a raw allow-list (each entry either an exact
// hostname or a "*.suffix" pattern) into a MatchSet.
func NewMatchSet(patterns []string) *MatchSet {
	ms := &MatchSet{exact: make(map[string]struct{}, len(patterns))}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			ms.wildcards = append(ms.wildcards, p[2:])
		} else {
			ms.exact[p] = struct{}{}
		}
	}
	sort.Slice(ms.wildcards, func(i, j int) bool {
		return len(ms.wildcards[i]) > len(ms.wildcards[j])
	})
	return ms
}

// Empty reports whether the set carries no exact hostnames and no
// wildcard patterns.
func (ms *MatchSet) Empty() bool {
	return ms == nil || (len(ms.exact) == 0 && len(ms.wildcards) == 0)
}

// Matches reports whether hostname (assumed already lower-cased) is
// covered by this set, either exactly or by a wildcard suffix. A
// wildcard "*.suffix" matches only strict sub-domains of suffix: the
// hostname must be longer than the suffix, never equal to it.
func (ms *MatchSet) Matches(hostname string) bool {
	if ms == nil {
		return false
	}
	if _, ok := ms.exact[hostname]; ok {
		return true
	}
	for _, suffix := range ms.wildcards {
		if len(hostname) > len(suffix)+1 &&
			strings.HasSuffix(hostname, suffix) &&
			hostname[len(hostname)-len(suffix)-1] == '.' {
			return true
		}
	}
	return false
}

// HostnameMatcher pairs the direct and socks5 allow-lists and
// implements the egress policy decision rule.
type HostnameMatcher struct {
	direct *MatchSet
	socks5 *MatchSet
}

// NewHostnameMatcher compiles both allow-lists.
func NewHostnameMatcher(direct, socks5 []string) *HostnameMatcher {
	return &HostnameMatcher{
		direct: NewMatchSet(direct),
		socks5: NewMatchSet(socks5),
	}
}

// Classify returns exactly one of {Direct, Socks5, Reject} for
// hostname. The socks5 set is checked first, so a hostname present in
// both lists resolves to Socks5. Matching is case-insensitive.
func (h *HostnameMatcher) Classify(hostname string) Decision {
	hostname = strings.ToLower(hostname)
	if !h.socks5.Empty() && h.socks5.Matches(hostname) {
		return Socks5
	}
	if h.direct.Matches(hostname) {
		return Direct
	}
	return Reject
}
