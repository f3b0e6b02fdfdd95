package wireguard

import (
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/yourorg/wgplugin/internal/engine"
)

var _ tun.Device = (*pipeTUN)(nil)

// pipeTUN is a tun.Device backed by channels. Packets handed to inject are
// read by the device for encryption; decrypted packets the device writes go
// to emit.
type pipeTUN struct {
	mtu    int
	in     chan []byte
	events chan tun.Event
	emit   func([]byte)

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipeTUN(mtu int, emit func([]byte)) *pipeTUN {
	t := &pipeTUN{
		mtu:    mtu,
		in:     make(chan []byte, queueDepth),
		events: make(chan tun.Event, 1),
		emit:   emit,
		closed: make(chan struct{}),
	}
	t.events <- tun.EventUp
	return t
}

func (t *pipeTUN) File() *os.File { return nil }

func (t *pipeTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, os.ErrClosed
	case packet := <-t.in:
		sizes[0] = copy(bufs[0][offset:], packet)
		return 1, nil
	}
}

func (t *pipeTUN) Write(bufs [][]byte, offset int) (int, error) {
	for _, buf := range bufs {
		t.emit(append([]byte(nil), buf[offset:]...))
	}
	return len(bufs), nil
}

func (t *pipeTUN) MTU() (int, error)        { return t.mtu, nil }
func (t *pipeTUN) Name() (string, error)    { return "wgplugin", nil }
func (t *pipeTUN) Events() <-chan tun.Event { return t.events }
func (t *pipeTUN) BatchSize() int           { return 1 }

func (t *pipeTUN) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.events)
	})
	return nil
}

func (t *pipeTUN) inject(packet []byte) error {
	buf := append([]byte(nil), packet...)
	select {
	case <-t.closed:
		return engine.ErrClosed
	default:
	}
	select {
	case t.in <- buf:
		return nil
	default:
		return engine.ErrQueueFull
	}
}
