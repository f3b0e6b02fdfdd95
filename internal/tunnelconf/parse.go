// Package tunnelconf parses the XML tunnel document carried in a VPN profile's
// custom configuration field into validated interface and peer records.
package tunnelconf

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type xmlDocument struct {
	XMLName   xml.Name      `xml:"WireGuard"`
	Interface *interfaceXML `xml:"Interface"`
	Peer      *peerXML      `xml:"Peer"`
}

type interfaceXML struct {
	PrivateKey *string  `xml:"PrivateKey"`
	Address    []string `xml:"Address"`
	DNS        []string `xml:"DNS"`
	DNSSearch  []string `xml:"DNSSearch"`
}

type peerXML struct {
	PublicKey           *string  `xml:"PublicKey"`
	PresharedKey        *string  `xml:"PresharedKey"`
	Port                *string  `xml:"Port"`
	AllowedIPs          []string `xml:"AllowedIPs"`
	PersistentKeepalive *string  `xml:"PersistentKeepalive"`
}

// Parse validates a tunnel document. Unknown elements are ignored; nothing
// outside the returned values is touched.
func Parse(document string) (Interface, Peer, error) {
	var doc xmlDocument
	if err := xml.Unmarshal([]byte(document), &doc); err != nil {
		return Interface{}, Peer{}, invalid(ErrMalformed, "WireGuard", err)
	}
	if doc.Interface == nil {
		return Interface{}, Peer{}, missing("Interface")
	}
	if doc.Peer == nil {
		return Interface{}, Peer{}, missing("Peer")
	}

	iface, err := parseInterface(doc.Interface)
	if err != nil {
		return Interface{}, Peer{}, err
	}
	peer, err := parsePeer(doc.Peer)
	if err != nil {
		return Interface{}, Peer{}, err
	}
	return iface, peer, nil
}

func parseInterface(x *interfaceXML) (Interface, error) {
	var iface Interface

	key, err := parseKey("PrivateKey", x.PrivateKey)
	if err != nil {
		return Interface{}, err
	}
	iface.PrivateKey = key

	for _, v := range splitList(x.Address) {
		prefix, err := parsePrefix(v)
		if err != nil {
			return Interface{}, invalid(ErrInvalidAddress, "Address", err)
		}
		iface.Addresses = appendPrefix(iface.Addresses, prefix)
	}
	if len(iface.Addresses) == 0 {
		return Interface{}, missing("Address")
	}

	for _, v := range splitList(x.DNS) {
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return Interface{}, invalid(ErrInvalidAddress, "DNS", err)
		}
		iface.DNSServers = append(iface.DNSServers, addr.Unmap())
	}

	for _, v := range splitList(x.DNSSearch) {
		domain, err := parseDomain(v)
		if err != nil {
			return Interface{}, invalid(ErrInvalidValue, "DNSSearch", err)
		}
		iface.DNSSearch = append(iface.DNSSearch, domain)
	}

	return iface, nil
}

func parsePeer(x *peerXML) (Peer, error) {
	var peer Peer

	key, err := parseKey("PublicKey", x.PublicKey)
	if err != nil {
		return Peer{}, err
	}
	peer.PublicKey = key

	if x.PresharedKey != nil && strings.TrimSpace(*x.PresharedKey) != "" {
		psk, err := parseKey("PresharedKey", x.PresharedKey)
		if err != nil {
			return Peer{}, err
		}
		peer.PresharedKey = &psk
	}

	if x.Port == nil || strings.TrimSpace(*x.Port) == "" {
		return Peer{}, missing("Port")
	}
	port, err := strconv.ParseUint(strings.TrimSpace(*x.Port), 10, 16)
	if err != nil || port == 0 {
		if err == nil {
			err = errors.New("port 0 is reserved")
		}
		return Peer{}, invalid(ErrInvalidPort, "Port", err)
	}
	peer.Port = uint16(port)

	for _, v := range splitList(x.AllowedIPs) {
		prefix, err := parsePrefix(v)
		if err != nil {
			return Peer{}, invalid(ErrInvalidAddress, "AllowedIPs", err)
		}
		peer.AllowedIPs = appendPrefix(peer.AllowedIPs, prefix.Masked())
	}
	if len(peer.AllowedIPs) == 0 {
		return Peer{}, missing("AllowedIPs")
	}

	if x.PersistentKeepalive != nil {
		keepalive, err := parseKeepalive(*x.PersistentKeepalive)
		if err != nil {
			return Peer{}, invalid(ErrInvalidValue, "PersistentKeepalive", err)
		}
		peer.PersistentKeepalive = keepalive
	}

	return peer, nil
}

func parseKey(field string, v *string) (wgtypes.Key, error) {
	if v == nil || strings.TrimSpace(*v) == "" {
		return wgtypes.Key{}, missing(field)
	}
	key, err := wgtypes.ParseKey(strings.TrimSpace(*v))
	if err != nil {
		return wgtypes.Key{}, invalid(ErrInvalidKey, field, err)
	}
	return key, nil
}

// parsePrefix accepts "ip/bits" and a bare IP, which becomes a host prefix.
func parsePrefix(v string) (netip.Prefix, error) {
	if strings.Contains(v, "/") {
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()), nil
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parseDomain(v string) (string, error) {
	domain := strings.TrimSuffix(v, ".")
	if domain == "" {
		return "", fmt.Errorf("empty domain %q", v)
	}
	if strings.ContainsAny(domain, " \t/\\") {
		return "", fmt.Errorf("domain %q contains invalid characters", v)
	}
	for _, label := range strings.Split(domain, ".") {
		if label == "" || len(label) > 63 {
			return "", fmt.Errorf("domain %q has an invalid label", v)
		}
	}
	return domain, nil
}

func parseKeepalive(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "off") {
		return 0, nil
	}
	seconds, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, err
	}
	if seconds == 0 {
		return 0, fmt.Errorf("keepalive %q out of range 1-65535 seconds", v)
	}
	return time.Duration(seconds) * time.Second, nil
}

// splitList flattens repeated elements, also accepting the comma separated
// form used by wg-quick style configs. Blank entries are skipped.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// appendPrefix keeps set semantics while preserving first-seen order.
func appendPrefix(list []netip.Prefix, p netip.Prefix) []netip.Prefix {
	for _, existing := range list {
		if existing == p {
			return list
		}
	}
	return append(list, p)
}
