package host

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/yourorg/wgplugin/internal/pump"
)

type fakeTUN struct {
	reads  chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
	offsets []int
}

func newFakeTUN() *fakeTUN {
	return &fakeTUN{reads: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeTUN) File() *os.File { return nil }

func (f *fakeTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-f.closed:
		return 0, os.ErrClosed
	case packet := <-f.reads:
		sizes[0] = copy(bufs[0][offset:], packet)
		return 1, nil
	}
}

func (f *fakeTUN) Write(bufs [][]byte, offset int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range bufs {
		f.written = append(f.written, append([]byte(nil), b[offset:]...))
		f.offsets = append(f.offsets, offset)
	}
	return len(bufs), nil
}

func (f *fakeTUN) MTU() (int, error)        { return 1420, nil }
func (f *fakeTUN) Name() (string, error)    { return "wgtest0", nil }
func (f *fakeTUN) Events() <-chan tun.Event { return nil }
func (f *fakeTUN) BatchSize() int           { return 1 }

func (f *fakeTUN) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestTUNChannelRead(t *testing.T) {
	dev := newFakeTUN()
	c := NewTUNChannel(dev)
	defer c.Close()

	dev.reads <- []byte{0x45, 1, 2, 3}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	packet, err := c.ReadPacket(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 1, 2, 3}, packet)
}

func TestTUNChannelReadHonoursContext(t *testing.T) {
	c := NewTUNChannel(newFakeTUN())
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ReadPacket(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTUNChannelWrite(t *testing.T) {
	dev := newFakeTUN()
	c := NewTUNChannel(dev)
	defer c.Close()

	require.NoError(t, c.WritePacket([]byte{0x60, 9, 9}))

	dev.mu.Lock()
	defer dev.mu.Unlock()
	require.Len(t, dev.written, 1)
	assert.Equal(t, []byte{0x60, 9, 9}, dev.written[0])
	assert.Equal(t, tunOffset, dev.offsets[0])
}

func TestTUNChannelClose(t *testing.T) {
	c := NewTUNChannel(newFakeTUN())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.ReadPacket(ctx)
	assert.ErrorIs(t, err, pump.ErrChannelClosed)
	assert.ErrorIs(t, err, os.ErrClosed)

	name, err := c.Name()
	require.NoError(t, err)
	assert.Equal(t, "wgtest0", name)
}
