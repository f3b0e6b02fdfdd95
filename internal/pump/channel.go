package pump

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrChannelClosed = errors.New("packet channel closed")
	ErrChannelFull   = errors.New("packet channel full")
)

// Channel is the host's virtual interface packet channel. ReadPacket returns
// plaintext packets the host wants sent through the tunnel; WritePacket
// injects decrypted packets back into the host.
type Channel interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(packet []byte) error
}

// MemoryChannel is an in-process Channel. The host side injects packets with
// Inject and receives delivered ones from Delivered.
type MemoryChannel struct {
	outbound  chan []byte
	delivered chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Channel = (*MemoryChannel)(nil)

// NewMemoryChannel creates a MemoryChannel buffering depth packets each way
func NewMemoryChannel(depth int) *MemoryChannel {
	return &MemoryChannel{
		outbound:  make(chan []byte, depth),
		delivered: make(chan []byte, depth),
		closed:    make(chan struct{}),
	}
}

func (c *MemoryChannel) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrChannelClosed
	case packet := <-c.outbound:
		return packet, nil
	}
}

func (c *MemoryChannel) WritePacket(packet []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.delivered <- append([]byte(nil), packet...):
		return nil
	default:
		return ErrChannelFull
	}
}

// Inject queues a packet as if the host had routed it into the tunnel
func (c *MemoryChannel) Inject(packet []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case c.outbound <- append([]byte(nil), packet...):
		return nil
	default:
		return ErrChannelFull
	}
}

// Delivered yields packets the pump wrote to the host
func (c *MemoryChannel) Delivered() <-chan []byte {
	return c.delivered
}

func (c *MemoryChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
