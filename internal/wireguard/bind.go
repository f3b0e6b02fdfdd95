package wireguard

import (
	"net"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/yourorg/wgplugin/internal/engine"
)

var (
	_ conn.Bind     = (*pipeBind)(nil)
	_ conn.Endpoint = (*pipeEndpoint)(nil)
)

// pipeBind is a conn.Bind with no socket. Datagrams the device sends go to
// send; datagrams handed to deliver are what the device receives, always
// attributed to the configured peer endpoint.
type pipeBind struct {
	endpoint *pipeEndpoint
	send     func([]byte)
	recv     chan []byte

	mu   sync.Mutex
	done chan struct{}
}

func newPipeBind(endpoint netip.AddrPort, send func([]byte)) *pipeBind {
	return &pipeBind{
		endpoint: &pipeEndpoint{AddrPort: endpoint},
		send:     send,
		recv:     make(chan []byte, queueDepth),
	}
}

func (b *pipeBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done != nil {
		return nil, 0, conn.ErrBindAlreadyOpen
	}
	b.done = make(chan struct{})
	return []conn.ReceiveFunc{b.receiveFunc(b.done)}, port, nil
}

func (b *pipeBind) receiveFunc(done chan struct{}) conn.ReceiveFunc {
	return func(packets [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case <-done:
			return 0, net.ErrClosed
		case datagram := <-b.recv:
			sizes[0] = copy(packets[0], datagram)
			eps[0] = b.endpoint
			return 1, nil
		}
	}
}

func (b *pipeBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done != nil {
		close(b.done)
		b.done = nil
	}
	return nil
}

func (b *pipeBind) SetMark(uint32) error { return nil }

func (b *pipeBind) Send(bufs [][]byte, _ conn.Endpoint) error {
	for _, buf := range bufs {
		b.send(append([]byte(nil), buf...))
	}
	return nil
}

func (b *pipeBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	addrPort, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return &pipeEndpoint{AddrPort: addrPort}, nil
}

func (b *pipeBind) BatchSize() int { return 1 }

func (b *pipeBind) deliver(datagram []byte) error {
	select {
	case b.recv <- append([]byte(nil), datagram...):
		return nil
	default:
		return engine.ErrQueueFull
	}
}

type pipeEndpoint struct {
	netip.AddrPort
}

func (e *pipeEndpoint) ClearSrc()           {}
func (e *pipeEndpoint) SrcToString() string { return "" }
func (e *pipeEndpoint) DstToString() string { return e.AddrPort.String() }
func (e *pipeEndpoint) DstIP() netip.Addr   { return e.AddrPort.Addr() }
func (e *pipeEndpoint) SrcIP() netip.Addr   { return netip.Addr{} }

func (e *pipeEndpoint) DstToBytes() []byte {
	b, _ := e.AddrPort.MarshalBinary()
	return b
}
