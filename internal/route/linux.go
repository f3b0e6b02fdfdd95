package route

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Runner executes a command and returns its combined output
type Runner func(name string, args ...string) (string, error)

// ExecRunner runs commands on the host
func ExecRunner(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// LinuxPlatform configures a network interface with iproute2 and DNS with
// systemd-resolved's resolvectl.
type LinuxPlatform struct {
	iface string
	run   Runner

	mu       sync.Mutex
	excluded map[netip.Addr]string // addr -> gateway route it was installed with
	ruleIDs  []RuleID
	rules    map[RuleID]PolicyRule
	suffix   string
	nextID   int
}

var _ Platform = (*LinuxPlatform)(nil)

// NewLinuxPlatform creates a platform for the named interface. A nil run
// uses ExecRunner.
func NewLinuxPlatform(iface string, run Runner) *LinuxPlatform {
	if run == nil {
		run = ExecRunner
	}
	return &LinuxPlatform{
		iface:    iface,
		run:      run,
		excluded: make(map[netip.Addr]string),
		rules:    make(map[RuleID]PolicyRule),
	}
}

// SetLinkUp sets the interface MTU and brings it up
func (p *LinuxPlatform) SetLinkUp(mtu int) error {
	if _, err := p.run("ip", "link", "set", "dev", p.iface, "mtu", strconv.Itoa(mtu), "up"); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", p.iface, err)
	}
	return nil
}

func (p *LinuxPlatform) AddAddress(prefix netip.Prefix) error {
	_, err := p.run("ip", "address", "add", prefix.String(), "dev", p.iface)
	return err
}

func (p *LinuxPlatform) RemoveAddress(prefix netip.Prefix) error {
	_, err := p.run("ip", "address", "del", prefix.String(), "dev", p.iface)
	return err
}

// AddRoute routes prefix through the interface. A default route is split
// into two halves so it wins over the existing default without replacing it.
func (p *LinuxPlatform) AddRoute(prefix netip.Prefix) error {
	for i, target := range routeTargets(prefix) {
		if _, err := p.run("ip", "route", "add", target.String(), "dev", p.iface); err != nil {
			for _, added := range routeTargets(prefix)[:i] {
				p.run("ip", "route", "del", added.String(), "dev", p.iface)
			}
			return err
		}
	}
	return nil
}

func (p *LinuxPlatform) RemoveRoute(prefix netip.Prefix) error {
	var firstErr error
	for _, target := range routeTargets(prefix) {
		if _, err := p.run("ip", "route", "del", target.String(), "dev", p.iface); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddExcludedRoute pins addr to the route the kernel uses for it right now,
// before the tunnel routes take over.
func (p *LinuxPlatform) AddExcludedRoute(addr netip.Addr) error {
	out, err := p.run("ip", "route", "get", addr.String())
	if err != nil {
		return err
	}
	gateway, dev, err := parseRouteGet(out)
	if err != nil {
		return err
	}
	if dev == p.iface {
		return fmt.Errorf("endpoint %s is already routed through %s", addr, p.iface)
	}

	host := netip.PrefixFrom(addr, addr.BitLen()).String()
	args := []string{"route", "add", host}
	if gateway.IsValid() {
		args = append(args, "via", gateway.String())
	}
	args = append(args, "dev", dev)
	if _, err := p.run("ip", args...); err != nil {
		return err
	}

	p.mu.Lock()
	p.excluded[addr] = host
	p.mu.Unlock()
	return nil
}

func (p *LinuxPlatform) RemoveExcludedRoute(addr netip.Addr) error {
	p.mu.Lock()
	host, ok := p.excluded[addr]
	delete(p.excluded, addr)
	p.mu.Unlock()

	if !ok {
		host = netip.PrefixFrom(addr, addr.BitLen()).String()
	}
	_, err := p.run("ip", "route", "del", host)
	return err
}

func (p *LinuxPlatform) AddPolicyRule(rule PolicyRule) (RuleID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := RuleID(fmt.Sprintf("%s-%d", p.iface, p.nextID))
	p.rules[id] = rule
	p.ruleIDs = append(p.ruleIDs, id)

	if err := p.syncDNSLocked(); err != nil {
		delete(p.rules, id)
		p.ruleIDs = slices.DeleteFunc(p.ruleIDs, func(r RuleID) bool { return r == id })
		return "", err
	}
	return id, nil
}

func (p *LinuxPlatform) RemovePolicyRule(id RuleID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rules[id]; !ok {
		return fmt.Errorf("policy rule %s: %w", id, errNotInstalled)
	}
	delete(p.rules, id)
	p.ruleIDs = slices.DeleteFunc(p.ruleIDs, func(r RuleID) bool { return r == id })
	return p.syncDNSLocked()
}

func (p *LinuxPlatform) SetPrimarySuffix(suffix string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.suffix = suffix
	return p.syncDNSLocked()
}

// syncDNSLocked pushes the whole link DNS state; resolvectl replaces rather
// than appends.
func (p *LinuxPlatform) syncDNSLocked() error {
	if len(p.ruleIDs) == 0 && p.suffix == "" {
		_, err := p.run("resolvectl", "revert", p.iface)
		return err
	}

	var servers []string
	domains := []string{}
	if p.suffix != "" {
		domains = append(domains, p.suffix)
	}
	for _, id := range p.ruleIDs {
		rule := p.rules[id]
		for _, s := range rule.Servers {
			if !slices.Contains(servers, s.String()) {
				servers = append(servers, s.String())
			}
		}
		if rule.Namespace == p.suffix {
			continue
		}
		domain := "~" + strings.TrimSuffix(rule.Namespace, ".")
		if rule.Namespace == WildcardNamespace {
			domain = "~."
		}
		domains = append(domains, domain)
	}

	if len(servers) > 0 {
		if _, err := p.run("resolvectl", append([]string{"dns", p.iface}, servers...)...); err != nil {
			return err
		}
	}
	if _, err := p.run("resolvectl", append([]string{"domain", p.iface}, domains...)...); err != nil {
		return err
	}
	slog.Debug("DNS configuration updated", "iface", p.iface, "servers", servers, "domains", domains)
	return nil
}

func routeTargets(prefix netip.Prefix) []netip.Prefix {
	if prefix.Bits() != 0 {
		return []netip.Prefix{prefix}
	}
	if prefix.Addr().Is4() {
		return []netip.Prefix{
			netip.MustParsePrefix("0.0.0.0/1"),
			netip.MustParsePrefix("128.0.0.0/1"),
		}
	}
	return []netip.Prefix{
		netip.MustParsePrefix("::/1"),
		netip.MustParsePrefix("8000::/1"),
	}
}

// parseRouteGet extracts the gateway and device from `ip route get` output,
// e.g. "192.0.2.1 via 10.0.0.1 dev eth0 src 10.0.0.5 uid 0".
func parseRouteGet(out string) (gateway netip.Addr, dev string, err error) {
	fields := strings.Fields(out)
	for i := 0; i+1 < len(fields); i++ {
		switch fields[i] {
		case "via":
			value := fields[i+1]
			if value == "inet" || value == "inet6" {
				if i+2 >= len(fields) {
					break
				}
				value = fields[i+2]
			}
			gateway, err = netip.ParseAddr(value)
			if err != nil {
				return netip.Addr{}, "", fmt.Errorf("failed to parse gateway %q: %w", value, err)
			}
		case "dev":
			if dev == "" {
				dev = fields[i+1]
			}
		}
	}
	if dev == "" {
		return netip.Addr{}, "", fmt.Errorf("no device in route lookup %q", strings.TrimSpace(out))
	}
	return gateway, dev, nil
}
