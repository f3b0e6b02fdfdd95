package tunnelconf

import (
	"encoding/xml"
	"strconv"
)

type renderDocument struct {
	XMLName   xml.Name        `xml:"WireGuard"`
	Interface renderInterface `xml:"Interface"`
	Peer      renderPeer      `xml:"Peer"`
}

type renderInterface struct {
	PrivateKey string   `xml:"PrivateKey"`
	Address    []string `xml:"Address"`
	DNS        []string `xml:"DNS,omitempty"`
	DNSSearch  []string `xml:"DNSSearch,omitempty"`
}

type renderPeer struct {
	PublicKey           string   `xml:"PublicKey"`
	PresharedKey        string   `xml:"PresharedKey,omitempty"`
	Port                string   `xml:"Port"`
	AllowedIPs          []string `xml:"AllowedIPs"`
	PersistentKeepalive string   `xml:"PersistentKeepalive,omitempty"`
}

// Render writes iface and peer back into the document format accepted by Parse.
// The result contains the private key.
func Render(iface Interface, peer Peer) (string, error) {
	doc := renderDocument{
		Interface: renderInterface{
			PrivateKey: iface.PrivateKey.String(),
			DNSSearch:  iface.DNSSearch,
		},
		Peer: renderPeer{
			PublicKey: peer.PublicKey.String(),
			Port:      strconv.Itoa(int(peer.Port)),
		},
	}
	for _, a := range iface.Addresses {
		doc.Interface.Address = append(doc.Interface.Address, a.String())
	}
	for _, d := range iface.DNSServers {
		doc.Interface.DNS = append(doc.Interface.DNS, d.String())
	}
	if peer.PresharedKey != nil {
		doc.Peer.PresharedKey = peer.PresharedKey.String()
	}
	for _, p := range peer.AllowedIPs {
		doc.Peer.AllowedIPs = append(doc.Peer.AllowedIPs, p.String())
	}
	if peer.PersistentKeepalive > 0 {
		doc.Peer.PersistentKeepalive = strconv.Itoa(int(peer.PersistentKeepalive.Seconds()))
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
