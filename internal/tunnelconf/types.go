package tunnelconf

import (
	"log/slog"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Interface represents the local side of the tunnel
type Interface struct {
	PrivateKey wgtypes.Key
	Addresses  []netip.Prefix // assigned to the virtual interface
	DNSServers []netip.Addr
	DNSSearch  []string // first entry is the primary connection-specific suffix
}

// Peer represents the single remote WireGuard peer of a session
type Peer struct {
	PublicKey           wgtypes.Key
	PresharedKey        *wgtypes.Key
	Port                uint16
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration // zero disables
}

// PublicKey derives the interface's public key
func (i Interface) PublicKey() wgtypes.Key {
	return i.PrivateKey.PublicKey()
}

// PrimarySuffix returns the first search domain, or "" when none is configured
func (i Interface) PrimarySuffix() string {
	if len(i.DNSSearch) == 0 {
		return ""
	}
	return i.DNSSearch[0]
}

// LogValue keeps the private key out of structured logs.
func (i Interface) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("public_key", i.PublicKey().String()),
		slog.Any("addresses", i.Addresses),
		slog.Any("dns", i.DNSServers),
		slog.Any("dns_search", i.DNSSearch),
	)
}

// Endpoint combines a resolved server address with the configured port
func (p Peer) Endpoint(addr netip.Addr) netip.AddrPort {
	return netip.AddrPortFrom(addr.Unmap(), p.Port)
}

// LogValue omits the preshared key.
func (p Peer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("public_key", p.PublicKey.String()),
		slog.Int("port", int(p.Port)),
		slog.Any("allowed_ips", p.AllowedIPs),
		slog.Duration("persistent_keepalive", p.PersistentKeepalive),
		slog.Bool("preshared_key", p.PresharedKey != nil),
	)
}
