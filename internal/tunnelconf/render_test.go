package tunnelconf

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"pgregory.net/rapid"
)

func drawKey(t *rapid.T, label string) wgtypes.Key {
	b := rapid.SliceOfN(rapid.Byte(), wgtypes.KeyLen, wgtypes.KeyLen).Draw(t, label)
	key, err := wgtypes.NewKey(b)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return key
}

func drawAddr(t *rapid.T, label string) netip.Addr {
	if rapid.Bool().Draw(t, label+"_v6") {
		b := rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, label)
		addr := netip.AddrFrom16([16]byte(b))
		if addr.Is4In6() {
			return addr.Unmap()
		}
		return addr
	}
	b := rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, label)
	return netip.AddrFrom4([4]byte(b))
}

func drawPrefix(t *rapid.T, label string) netip.Prefix {
	addr := drawAddr(t, label)
	bits := rapid.IntRange(0, addr.BitLen()).Draw(t, label+"_bits")
	return netip.PrefixFrom(addr, bits)
}

func drawConfig(t *rapid.T) (Interface, Peer) {
	iface := Interface{PrivateKey: drawKey(t, "private")}
	iface.Addresses = rapid.SliceOfN(rapid.Custom(func(t *rapid.T) netip.Prefix { return drawPrefix(t, "address") }), 1, 4).Draw(t, "addresses")
	iface.DNSServers = rapid.SliceOfN(rapid.Custom(func(t *rapid.T) netip.Addr { return drawAddr(t, "dns") }), 0, 3).Draw(t, "dns")
	iface.DNSSearch = rapid.SliceOfN(rapid.StringMatching(`[a-z][a-z0-9-]{0,8}(\.[a-z][a-z0-9]{0,8}){0,3}`), 0, 3).Draw(t, "search")

	peer := Peer{
		PublicKey:           drawKey(t, "public"),
		Port:                uint16(rapid.IntRange(1, 65535).Draw(t, "port")),
		PersistentKeepalive: time.Duration(rapid.IntRange(0, 65535).Draw(t, "keepalive")) * time.Second,
	}
	if rapid.Bool().Draw(t, "has_psk") {
		psk := drawKey(t, "psk")
		peer.PresharedKey = &psk
	}
	peer.AllowedIPs = rapid.SliceOfN(rapid.Custom(func(t *rapid.T) netip.Prefix { return drawPrefix(t, "allowed") }), 1, 4).Draw(t, "allowed_ips")
	return iface, peer
}

func TestRenderRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		iface, peer := drawConfig(t)

		doc, err := Render(iface, peer)
		if err != nil {
			t.Fatalf("Render: %v", err)
		}
		firstIface, firstPeer, err := Parse(doc)
		if err != nil {
			t.Fatalf("Parse(Render(x)): %v\n%s", err, doc)
		}

		doc2, err := Render(firstIface, firstPeer)
		if err != nil {
			t.Fatalf("Render: %v", err)
		}
		secondIface, secondPeer, err := Parse(doc2)
		if err != nil {
			t.Fatalf("second Parse: %v", err)
		}

		require.Equal(t, firstIface, secondIface)
		require.Equal(t, firstPeer, secondPeer)
	})
}

func TestRenderKeepsSearchOrder(t *testing.T) {
	iface := Interface{
		Addresses:  []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
		DNSServers: []netip.Addr{netip.MustParseAddr("1.1.1.1")},
		DNSSearch:  []string{"b.example.com", "a.example.com"},
	}
	peer := Peer{Port: 51820, AllowedIPs: []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}}

	doc, err := Render(iface, peer)
	require.NoError(t, err)

	parsed, _, err := Parse(doc)
	require.NoError(t, err)
	require.Equal(t, "b.example.com", parsed.PrimarySuffix())
	require.Equal(t, iface.DNSSearch, parsed.DNSSearch)
}
