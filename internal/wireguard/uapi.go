package wireguard

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/wgplugin/internal/tunnelconf"
)

// BuildUAPI renders the device configuration in the wireguard-go IPC format.
// Keys are hex encoded there, unlike the base64 of the tunnel document.
func BuildUAPI(iface tunnelconf.Interface, peer tunnelconf.Peer, endpoint netip.AddrPort) string {
	var b strings.Builder

	fmt.Fprintf(&b, "private_key=%s\n", hex.EncodeToString(iface.PrivateKey[:]))
	b.WriteString("replace_peers=true\n")

	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(peer.PublicKey[:]))
	if peer.PresharedKey != nil {
		fmt.Fprintf(&b, "preshared_key=%s\n", hex.EncodeToString(peer.PresharedKey[:]))
	}
	fmt.Fprintf(&b, "endpoint=%s\n", endpoint)
	if peer.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(peer.PersistentKeepalive/time.Second))
	}
	b.WriteString("replace_allowed_ips=true\n")
	for _, prefix := range peer.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", prefix)
	}

	return b.String()
}

// parseStats reads the single peer's counters from an IpcGet dump
func parseStats(uapi string) (PeerStats, error) {
	var (
		stats      PeerStats
		sec, nsec  int64
		inPeer     bool
		sawPeer    bool
		parseInt64 = func(key, value string) (int64, error) {
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
			}
			return n, nil
		}
	)

	scanner := bufio.NewScanner(strings.NewReader(uapi))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		if key == "public_key" {
			if sawPeer {
				break
			}
			inPeer, sawPeer = true, true
			continue
		}
		if !inPeer {
			continue
		}

		var err error
		switch key {
		case "last_handshake_time_sec":
			sec, err = parseInt64(key, value)
		case "last_handshake_time_nsec":
			nsec, err = parseInt64(key, value)
		case "rx_bytes":
			stats.ReceiveBytes, err = parseInt64(key, value)
		case "tx_bytes":
			stats.TransmitBytes, err = parseInt64(key, value)
		}
		if err != nil {
			return PeerStats{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return PeerStats{}, fmt.Errorf("failed to read IPC state: %w", err)
	}

	if sec != 0 || nsec != 0 {
		stats.LastHandshake = time.Unix(sec, nsec)
	}
	return stats, nil
}
