package pump

import (
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// packetAddrs returns the source and destination of an IP packet
func packetAddrs(packet []byte) (src, dst netip.Addr, ok bool) {
	if len(packet) == 0 {
		return netip.Addr{}, netip.Addr{}, false
	}

	var srcIP, dstIP net.IP
	switch packet[0] >> 4 {
	case ipv4.Version:
		h, err := ipv4.ParseHeader(packet)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, false
		}
		srcIP, dstIP = h.Src, h.Dst
	case ipv6.Version:
		h, err := ipv6.ParseHeader(packet)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, false
		}
		srcIP, dstIP = h.Src, h.Dst
	default:
		return netip.Addr{}, netip.Addr{}, false
	}

	src, okSrc := netip.AddrFromSlice(srcIP)
	dst, okDst := netip.AddrFromSlice(dstIP)
	if !okSrc || !okDst {
		return netip.Addr{}, netip.Addr{}, false
	}
	if packet[0]>>4 == ipv4.Version {
		src, dst = src.Unmap(), dst.Unmap()
	}
	return src, dst, true
}

// allowedIPs is the peer's prefix set. Empty allows everything.
type allowedIPs []netip.Prefix

func (a allowedIPs) contains(addr netip.Addr) bool {
	if len(a) == 0 {
		return true
	}
	for _, p := range a {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (a allowedIPs) permitsOutbound(packet []byte) bool {
	if len(a) == 0 {
		return true
	}
	_, dst, ok := packetAddrs(packet)
	return ok && a.contains(dst)
}

func (a allowedIPs) permitsInbound(packet []byte) bool {
	if len(a) == 0 {
		return true
	}
	src, _, ok := packetAddrs(packet)
	return ok && a.contains(src)
}
