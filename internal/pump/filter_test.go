package pump

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ipv6Packet(src, dst string) []byte {
	pkt := make([]byte, 40)
	pkt[0] = 0x60
	pkt[6] = 17
	pkt[7] = 64
	copy(pkt[8:24], netip.MustParseAddr(src).AsSlice())
	copy(pkt[24:40], netip.MustParseAddr(dst).AsSlice())
	return pkt
}

func TestPacketAddrs(t *testing.T) {
	src, dst, ok := packetAddrs(ipv4Packet("10.0.0.2", "1.1.1.1"))
	assert.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), src)
	assert.Equal(t, netip.MustParseAddr("1.1.1.1"), dst)

	src, dst, ok = packetAddrs(ipv6Packet("fd00::2", "2001:db8::1"))
	assert.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("fd00::2"), src)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), dst)

	for _, bad := range [][]byte{nil, {0x45, 0, 0}, {0x60}, {0x10, 1, 2, 3}} {
		_, _, ok := packetAddrs(bad)
		assert.False(t, ok, "%x", bad)
	}
}

func TestAllowedIPs(t *testing.T) {
	a := allowedIPs{
		netip.MustParsePrefix("10.0.0.0/24"),
		netip.MustParsePrefix("fd00::/64"),
	}

	assert.True(t, a.permitsOutbound(ipv4Packet("10.0.0.2", "10.0.0.9")))
	assert.False(t, a.permitsOutbound(ipv4Packet("10.0.0.2", "8.8.8.8")))
	assert.True(t, a.permitsInbound(ipv6Packet("fd00::1", "fd00::2")))
	assert.False(t, a.permitsInbound(ipv6Packet("fe80::1", "fd00::2")))
	assert.False(t, a.permitsInbound([]byte("not a packet")))

	var none allowedIPs
	assert.True(t, none.permitsOutbound([]byte("anything")))
}
