// Package route installs and removes the network state a tunnel session
// needs: interface addresses, routes for the peer's allowed IPs, a bypass
// route for the peer endpoint and DNS policy rules.
package route

import (
	"net/netip"
)

// WildcardNamespace is the DNS policy namespace matching every name.
const WildcardNamespace = "."

// RuleID identifies a policy rule installed through a Platform
type RuleID string

// PolicyRule sends DNS queries for Namespace to Servers
type PolicyRule struct {
	Namespace string
	Servers   []netip.Addr
}

// Platform is the host's network configuration API. Each Add has a matching
// Remove; the Manager only ever removes what it added.
type Platform interface {
	AddAddress(prefix netip.Prefix) error
	RemoveAddress(prefix netip.Prefix) error

	AddRoute(prefix netip.Prefix) error
	RemoveRoute(prefix netip.Prefix) error

	// AddExcludedRoute keeps traffic to addr on the underlying network.
	AddExcludedRoute(addr netip.Addr) error
	RemoveExcludedRoute(addr netip.Addr) error

	AddPolicyRule(rule PolicyRule) (RuleID, error)
	RemovePolicyRule(id RuleID) error

	// SetPrimarySuffix sets the connection-specific DNS suffix; "" clears it.
	SetPrimarySuffix(suffix string) error
}
