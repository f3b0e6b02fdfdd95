package route

import (
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"sync"
)

// Platform operation names passed to MemoryPlatform.FailOn.
const (
	OpAddAddress          = "add_address"
	OpRemoveAddress       = "remove_address"
	OpAddRoute            = "add_route"
	OpRemoveRoute         = "remove_route"
	OpAddExcludedRoute    = "add_excluded_route"
	OpRemoveExcludedRoute = "remove_excluded_route"
	OpAddPolicyRule       = "add_policy_rule"
	OpRemovePolicyRule    = "remove_policy_rule"
	OpSetPrimarySuffix    = "set_primary_suffix"
)

var errNotInstalled = errors.New("not installed")

// MemoryPlatform keeps network state in process. It backs dry runs and tests.
type MemoryPlatform struct {
	// FailOn, when set, is consulted before every operation; a non-nil
	// result is returned instead of performing it.
	FailOn func(op, target string) error

	mu        sync.Mutex
	addresses map[netip.Prefix]struct{}
	routes    map[netip.Prefix]struct{}
	excluded  map[netip.Addr]struct{}
	rules     map[RuleID]PolicyRule
	suffix    string
	nextID    int
}

var _ Platform = (*MemoryPlatform)(nil)

// NewMemoryPlatform creates an empty MemoryPlatform
func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{
		addresses: make(map[netip.Prefix]struct{}),
		routes:    make(map[netip.Prefix]struct{}),
		excluded:  make(map[netip.Addr]struct{}),
		rules:     make(map[RuleID]PolicyRule),
	}
}

func (p *MemoryPlatform) check(op, target string) error {
	if p.FailOn == nil {
		return nil
	}
	return p.FailOn(op, target)
}

func (p *MemoryPlatform) AddAddress(prefix netip.Prefix) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpAddAddress, prefix.String()); err != nil {
		return err
	}
	p.addresses[prefix] = struct{}{}
	return nil
}

func (p *MemoryPlatform) RemoveAddress(prefix netip.Prefix) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpRemoveAddress, prefix.String()); err != nil {
		return err
	}
	if _, ok := p.addresses[prefix]; !ok {
		return fmt.Errorf("address %s: %w", prefix, errNotInstalled)
	}
	delete(p.addresses, prefix)
	return nil
}

func (p *MemoryPlatform) AddRoute(prefix netip.Prefix) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpAddRoute, prefix.String()); err != nil {
		return err
	}
	p.routes[prefix] = struct{}{}
	return nil
}

func (p *MemoryPlatform) RemoveRoute(prefix netip.Prefix) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpRemoveRoute, prefix.String()); err != nil {
		return err
	}
	if _, ok := p.routes[prefix]; !ok {
		return fmt.Errorf("route %s: %w", prefix, errNotInstalled)
	}
	delete(p.routes, prefix)
	return nil
}

func (p *MemoryPlatform) AddExcludedRoute(addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpAddExcludedRoute, addr.String()); err != nil {
		return err
	}
	p.excluded[addr] = struct{}{}
	return nil
}

func (p *MemoryPlatform) RemoveExcludedRoute(addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpRemoveExcludedRoute, addr.String()); err != nil {
		return err
	}
	if _, ok := p.excluded[addr]; !ok {
		return fmt.Errorf("excluded route %s: %w", addr, errNotInstalled)
	}
	delete(p.excluded, addr)
	return nil
}

func (p *MemoryPlatform) AddPolicyRule(rule PolicyRule) (RuleID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpAddPolicyRule, rule.Namespace); err != nil {
		return "", err
	}
	return p.addRuleLocked(rule), nil
}

func (p *MemoryPlatform) RemovePolicyRule(id RuleID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpRemovePolicyRule, string(id)); err != nil {
		return err
	}
	if _, ok := p.rules[id]; !ok {
		return fmt.Errorf("policy rule %s: %w", id, errNotInstalled)
	}
	delete(p.rules, id)
	return nil
}

func (p *MemoryPlatform) SetPrimarySuffix(suffix string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpSetPrimarySuffix, suffix); err != nil {
		return err
	}
	p.suffix = suffix
	return nil
}

// InstallExternalRule adds a rule on behalf of someone else, such as the
// host's rule for the endpoint hostname.
func (p *MemoryPlatform) InstallExternalRule(rule PolicyRule) RuleID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addRuleLocked(rule)
}

func (p *MemoryPlatform) addRuleLocked(rule PolicyRule) RuleID {
	p.nextID++
	id := RuleID(fmt.Sprintf("rule-%d", p.nextID))
	p.rules[id] = PolicyRule{Namespace: rule.Namespace, Servers: slices.Clone(rule.Servers)}
	return id
}

// Addresses returns the installed addresses in sorted order
func (p *MemoryPlatform) Addresses() []netip.Prefix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.SortedFunc(maps.Keys(p.addresses), comparePrefix)
}

// Routes returns the installed routes in sorted order
func (p *MemoryPlatform) Routes() []netip.Prefix {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.SortedFunc(maps.Keys(p.routes), comparePrefix)
}

// ExcludedRoutes returns the installed bypass routes in sorted order
func (p *MemoryPlatform) ExcludedRoutes() []netip.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.SortedFunc(maps.Keys(p.excluded), netip.Addr.Compare)
}

// Rules returns a copy of the installed policy rules
func (p *MemoryPlatform) Rules() map[RuleID]PolicyRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.rules)
}

// PrimarySuffix returns the current connection-specific suffix
func (p *MemoryPlatform) PrimarySuffix() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suffix
}

// Empty reports whether no addresses, routes or suffix are installed and
// only the given external rules remain.
func (p *MemoryPlatform) Empty(external ...RuleID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.addresses) > 0 || len(p.routes) > 0 || len(p.excluded) > 0 || p.suffix != "" {
		return false
	}
	if len(p.rules) != len(external) {
		return false
	}
	for _, id := range external {
		if _, ok := p.rules[id]; !ok {
			return false
		}
	}
	return true
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}
