package route

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"github.com/yourorg/wgplugin/internal/tunnelconf"
)

type entryKind int

const (
	kindAddress entryKind = iota
	kindRoute
	kindExcludedRoute
	kindPolicyRule
	kindPrimarySuffix
)

type entry struct {
	kind   entryKind
	prefix netip.Prefix
	addr   netip.Addr
	rule   PolicyRule
	id     RuleID
	suffix string
}

// InstalledRule is a policy rule together with the ID the platform gave it
type InstalledRule struct {
	ID   RuleID
	Rule PolicyRule
}

// Snapshot lists everything a Manager currently has installed
type Snapshot struct {
	Addresses      []netip.Prefix
	Routes         []netip.Prefix
	ExcludedRoutes []netip.Addr
	Rules          []InstalledRule
	PrimarySuffix  string
}

// Manager tracks the network state installed for one session
type Manager struct {
	platform Platform

	mu        sync.Mutex
	installed []entry
}

// NewManager creates a Manager on top of platform
func NewManager(platform Platform) *Manager {
	return &Manager{platform: platform}
}

// Apply installs addresses, one route per allowed prefix, a bypass route for
// the endpoint when the tunnel would otherwise capture it, and DNS policy.
// On failure everything installed by this call is removed again.
func (m *Manager) Apply(iface tunnelconf.Interface, routes []netip.Prefix, endpoint netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.installed) > 0 {
		return errAlreadyApplied
	}

	if err := m.apply(iface, routes, endpoint); err != nil {
		if rerr := m.revertLocked(); rerr != nil {
			slog.Warn("Failed to roll back network configuration", "error", rerr)
		}
		return err
	}

	slog.Info("Network configuration applied",
		"addresses", len(iface.Addresses),
		"routes", len(routes),
		"dns_servers", len(iface.DNSServers),
		"dns_search", len(iface.DNSSearch),
	)
	return nil
}

func (m *Manager) apply(iface tunnelconf.Interface, routes []netip.Prefix, endpoint netip.AddrPort) error {
	for _, prefix := range iface.Addresses {
		if err := m.platform.AddAddress(prefix); err != nil {
			return &Error{Kind: ErrAddressAssignment, Target: prefix.String(), Err: err}
		}
		m.installed = append(m.installed, entry{kind: kindAddress, prefix: prefix})
	}

	for _, prefix := range routes {
		if err := m.platform.AddRoute(prefix); err != nil {
			return &Error{Kind: ErrRouteAssignment, Target: prefix.String(), Err: err}
		}
		m.installed = append(m.installed, entry{kind: kindRoute, prefix: prefix})
	}

	if addr := endpoint.Addr().Unmap(); covers(routes, addr) {
		if err := m.platform.AddExcludedRoute(addr); err != nil {
			return &Error{Kind: ErrRouteAssignment, Target: addr.String(), Err: err}
		}
		m.installed = append(m.installed, entry{kind: kindExcludedRoute, addr: addr})
	}

	return m.applyDNS(iface)
}

func (m *Manager) applyDNS(iface tunnelconf.Interface) error {
	if len(iface.DNSServers) == 0 {
		return nil
	}

	rules := make([]PolicyRule, 0, 1+len(iface.DNSSearch))
	rules = append(rules, PolicyRule{Namespace: WildcardNamespace, Servers: iface.DNSServers})
	for _, domain := range iface.DNSSearch {
		rules = append(rules, PolicyRule{Namespace: domain, Servers: iface.DNSServers})
	}

	for _, rule := range rules {
		id, err := m.platform.AddPolicyRule(rule)
		if err != nil {
			return &Error{Kind: ErrPolicyRule, Target: rule.Namespace, Err: err}
		}
		m.installed = append(m.installed, entry{kind: kindPolicyRule, rule: rule, id: id})
	}

	if suffix := iface.PrimarySuffix(); suffix != "" {
		if err := m.platform.SetPrimarySuffix(suffix); err != nil {
			return &Error{Kind: ErrPolicyRule, Target: "primary suffix " + suffix, Err: err}
		}
		m.installed = append(m.installed, entry{kind: kindPrimarySuffix, suffix: suffix})
	}
	return nil
}

// Revert removes everything this Manager installed, newest first. Every item
// is attempted; failures are joined. Calling it again is a no-op.
func (m *Manager) Revert() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.installed) == 0 {
		return nil
	}
	err := m.revertLocked()
	if err != nil {
		slog.Warn("Network configuration partially reverted", "error", err)
	} else {
		slog.Info("Network configuration reverted")
	}
	return err
}

func (m *Manager) revertLocked() error {
	var errs []error
	for _, e := range slices.Backward(m.installed) {
		if err := m.remove(e); err != nil {
			errs = append(errs, err)
		}
	}
	m.installed = nil
	return errors.Join(errs...)
}

func (m *Manager) remove(e entry) error {
	switch e.kind {
	case kindAddress:
		if err := m.platform.RemoveAddress(e.prefix); err != nil {
			return fmt.Errorf("failed to remove address %s: %w", e.prefix, err)
		}
	case kindRoute:
		if err := m.platform.RemoveRoute(e.prefix); err != nil {
			return fmt.Errorf("failed to remove route %s: %w", e.prefix, err)
		}
	case kindExcludedRoute:
		if err := m.platform.RemoveExcludedRoute(e.addr); err != nil {
			return fmt.Errorf("failed to remove excluded route %s: %w", e.addr, err)
		}
	case kindPolicyRule:
		if err := m.platform.RemovePolicyRule(e.id); err != nil {
			return fmt.Errorf("failed to remove policy rule %s (%s): %w", e.id, e.rule.Namespace, err)
		}
	case kindPrimarySuffix:
		if err := m.platform.SetPrimarySuffix(""); err != nil {
			return fmt.Errorf("failed to clear primary suffix: %w", err)
		}
	}
	return nil
}

// Installed returns a copy of the currently installed state
func (m *Manager) Installed() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Snapshot
	for _, e := range m.installed {
		switch e.kind {
		case kindAddress:
			s.Addresses = append(s.Addresses, e.prefix)
		case kindRoute:
			s.Routes = append(s.Routes, e.prefix)
		case kindExcludedRoute:
			s.ExcludedRoutes = append(s.ExcludedRoutes, e.addr)
		case kindPolicyRule:
			s.Rules = append(s.Rules, InstalledRule{ID: e.id, Rule: e.rule})
		case kindPrimarySuffix:
			s.PrimarySuffix = e.suffix
		}
	}
	return s
}

func covers(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
