// Package acl implements ordered first-match-wins address rules used to gate
// transfers and NOTIFY traffic per zone. An empty rule set denies everything.
package acl

import (
	"fmt"
	"net/netip"
	"strings"
)

// Action is the verdict of a matching rule.
type Action uint8

const (
	Deny Action = iota
	Accept
)

// Rule matches a peer address against a prefix. A single-address rule is a
// full-length prefix.
type Rule struct {
	Prefix netip.Prefix
	Action Action
}

// List is an immutable, ordered rule set. Rebuilding from configuration
// produces a new List; holders swap the whole value so no evaluation ever
// sees a half-populated set.
type List struct {
	rules []Rule
}

// New builds a List from the given rules. The slice is copied.
func New(rules ...Rule) *List {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return &List{rules: out}
}

// Parse builds a List of accept rules from textual addresses or CIDR
// prefixes, the shape zone configuration uses.
func Parse(entries []string) (*List, error) {
	rules := make([]Rule, 0, len(entries))
	for _, e := range entries {
		r, err := parseRule(e)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return &List{rules: rules}, nil
}

func parseRule(entry string) (Rule, error) {
	action := Accept
	s := strings.TrimSpace(entry)
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		action = Deny
		s = strings.TrimSpace(rest)
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Rule{}, fmt.Errorf("bad acl prefix %q: %w", entry, err)
		}
		return Rule{Prefix: p.Masked(), Action: action}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Rule{}, fmt.Errorf("bad acl address %q: %w", entry, err)
	}
	return Rule{Prefix: netip.PrefixFrom(a, a.BitLen()), Action: action}, nil
}

// Permits evaluates the peer against the rules in order; the first matching
// rule decides. No match, or a nil list, denies.
func (l *List) Permits(peer netip.Addr) bool {
	if l == nil {
		return false
	}
	peer = peer.Unmap()
	for _, r := range l.rules {
		if r.Prefix.Contains(peer) {
			return r.Action == Accept
		}
	}
	return false
}

// Len returns the number of rules.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.rules)
}
