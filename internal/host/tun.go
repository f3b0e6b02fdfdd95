// Package host adapts real host facilities to the session's packet channel.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/yourorg/wgplugin/internal/pump"
)

// tunOffset leaves headroom in front of each packet, as wireguard-go does
// for its own TUN reads.
const tunOffset = 16

const maxPacketSize = 65535

// TUNChannel exposes a tun.Device as a pump.Channel. A background reader
// drains the device so ReadPacket can honour context cancellation.
type TUNChannel struct {
	dev     tun.Device
	packets chan []byte

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
	closed    chan struct{}
}

var _ pump.Channel = (*TUNChannel)(nil)

// NewTUNChannel starts reading from dev
func NewTUNChannel(dev tun.Device) *TUNChannel {
	c := &TUNChannel{
		dev:     dev,
		packets: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *TUNChannel) readLoop() {
	defer close(c.packets)

	batch := c.dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, tunOffset+maxPacketSize)
	}
	sizes := make([]int, batch)

	for {
		n, err := c.dev.Read(bufs, sizes, tunOffset)
		for i := range n {
			packet := append([]byte(nil), bufs[i][tunOffset:tunOffset+sizes[i]]...)
			select {
			case c.packets <- packet:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			if errors.Is(err, tun.ErrTooManySegments) {
				slog.Debug("Dropped oversized TUN batch", "error", err)
				continue
			}
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			select {
			case <-c.closed:
			default:
				slog.Error("Failed to read from TUN device", "error", err)
			}
			return
		}
	}
}

func (c *TUNChannel) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case packet, ok := <-c.packets:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				return nil, pump.ErrChannelClosed
			}
			return nil, fmt.Errorf("%w: %w", pump.ErrChannelClosed, err)
		}
		return packet, nil
	}
}

func (c *TUNChannel) WritePacket(packet []byte) error {
	buf := make([]byte, tunOffset+len(packet))
	copy(buf[tunOffset:], packet)
	if _, err := c.dev.Write([][]byte{buf}, tunOffset); err != nil {
		return fmt.Errorf("failed to write to TUN device: %w", err)
	}
	return nil
}

// Name returns the kernel interface name
func (c *TUNChannel) Name() (string, error) {
	return c.dev.Name()
}

// Close stops the reader and closes the device
func (c *TUNChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.dev.Close()
	})
	return err
}
