package wireguard

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/device"

	"github.com/yourorg/wgplugin/internal/engine"
	"github.com/yourorg/wgplugin/internal/tunnelconf"
)

// ipv4Packet builds a minimal IPv4 datagram; the device only looks at the
// version, total length and addresses.
func ipv4Packet(src, dst netip.Addr, payload []byte) []byte {
	pkt := make([]byte, 20+len(payload))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64
	pkt[9] = 17
	copy(pkt[12:16], src.AsSlice())
	copy(pkt[16:20], dst.AsSlice())
	copy(pkt[20:], payload)
	return pkt
}

type enginePair struct {
	a, b         *Engine
	addrA, addrB netip.Addr
}

func newEnginePair(t *testing.T) *enginePair {
	t.Helper()

	privA, privB := mustKey(t), mustKey(t)
	p := &enginePair{
		addrA: netip.MustParseAddr("10.7.0.2"),
		addrB: netip.MustParseAddr("10.7.0.1"),
	}

	var err error
	p.a, err = NewEngine(
		tunnelconf.Interface{PrivateKey: privA},
		tunnelconf.Peer{
			PublicKey:  privB.PublicKey(),
			Port:       51820,
			AllowedIPs: []netip.Prefix{netip.PrefixFrom(p.addrB, 32)},
		},
		netip.MustParseAddrPort("192.0.2.1:51820"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { p.a.Close() })

	p.b, err = NewEngine(
		tunnelconf.Interface{PrivateKey: privB},
		tunnelconf.Peer{
			PublicKey:  privA.PublicKey(),
			Port:       51820,
			AllowedIPs: []netip.Prefix{netip.PrefixFrom(p.addrA, 32)},
		},
		netip.MustParseAddrPort("192.0.2.2:51820"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { p.b.Close() })

	return p
}

// relay forwards datagrams from one engine to the other and collects
// emitted packets and health actions.
type relay struct {
	mu       sync.Mutex
	emitted  [][]byte
	complete int
}

func (r *relay) step(t *testing.T, from, to *Engine) {
	for _, a := range from.Tick() {
		switch a.Kind {
		case engine.ActionSendDatagram:
			_, err := to.Decapsulate(a.Data)
			assert.NoError(t, err)
		case engine.ActionEmitPacket:
			r.mu.Lock()
			r.emitted = append(r.emitted, a.Data)
			r.mu.Unlock()
		case engine.ActionHandshakeComplete:
			r.mu.Lock()
			r.complete++
			r.mu.Unlock()
		}
	}
}

func TestEnginePairExchangesPackets(t *testing.T) {
	p := newEnginePair(t)
	atA, atB := &relay{}, &relay{}

	packet := ipv4Packet(p.addrA, p.addrB, []byte("hello through the tunnel"))
	_, err := p.a.Encapsulate(packet)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		atA.step(t, p.a, p.b)
		atB.step(t, p.b, p.a)
		atB.mu.Lock()
		defer atB.mu.Unlock()
		return len(atB.emitted) > 0
	}, 10*time.Second, 10*time.Millisecond)

	atB.mu.Lock()
	assert.Equal(t, packet, atB.emitted[0])
	atB.mu.Unlock()

	require.Eventually(t, func() bool {
		atA.step(t, p.a, p.b)
		atB.step(t, p.b, p.a)
		atA.mu.Lock()
		defer atA.mu.Unlock()
		return atA.complete > 0
	}, 10*time.Second, 50*time.Millisecond)

	stats, err := p.a.Stats()
	require.NoError(t, err)
	assert.False(t, stats.LastHandshake.IsZero())
	assert.Positive(t, stats.TransmitBytes)
}

func TestEngineKeepaliveReturnsInitiation(t *testing.T) {
	p := newEnginePair(t)

	_, err := p.a.Encapsulate(ipv4Packet(p.addrA, p.addrB, nil))
	require.NoError(t, err)

	var datagram []byte
	require.Eventually(t, func() bool {
		datagram = p.a.Keepalive()
		return datagram != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, datagram, device.MessageInitiationSize)
	assert.Equal(t, uint32(device.MessageInitiationType), binary.LittleEndian.Uint32(datagram[:4]))
}

func TestEngineReadySignals(t *testing.T) {
	p := newEnginePair(t)

	_, err := p.a.Encapsulate(ipv4Packet(p.addrA, p.addrB, nil))
	require.NoError(t, err)

	select {
	case <-p.a.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never signalled pending work")
	}
}

func TestEngineDecapsulateRejectsMalformed(t *testing.T) {
	p := newEnginePair(t)

	tests := []struct {
		name     string
		datagram []byte
	}{
		{"empty", nil},
		{"short", []byte{1, 0}},
		{"unknown type", make([]byte, 64)},
		{"truncated initiation", append([]byte{1, 0, 0, 0}, make([]byte, 40)...)},
		{"truncated transport", append([]byte{4, 0, 0, 0}, make([]byte, 8)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.b.Decapsulate(tt.datagram)
			assert.ErrorIs(t, err, engine.ErrInvalidDatagram)
		})
	}
}

func TestEngineClose(t *testing.T) {
	p := newEnginePair(t)

	require.NoError(t, p.a.Close())
	require.NoError(t, p.a.Close())

	_, err := p.a.Encapsulate(ipv4Packet(p.addrA, p.addrB, nil))
	assert.ErrorIs(t, err, engine.ErrClosed)

	_, err = p.a.Decapsulate(make([]byte, device.MessageTransportSize))
	assert.ErrorIs(t, err, engine.ErrClosed)

	assert.Nil(t, p.a.Tick())
}

func TestFactoryReturnsNilOnError(t *testing.T) {
	e, err := Factory(
		tunnelconf.Interface{PrivateKey: mustKey(t)},
		tunnelconf.Peer{PublicKey: mustKey(t).PublicKey(), Port: 51820},
		netip.AddrPort{},
	)
	require.Error(t, err)
	assert.Nil(t, e)
}
