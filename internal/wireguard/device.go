package wireguard

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/device"

	"github.com/yourorg/wgplugin/internal/engine"
	"github.com/yourorg/wgplugin/internal/tunnelconf"
)

var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Notifier = (*Engine)(nil)
)

// Factory is an engine.Factory backed by NewEngine
func Factory(iface tunnelconf.Interface, peer tunnelconf.Peer, endpoint netip.AddrPort) (engine.Engine, error) {
	e, err := NewEngine(iface, peer, endpoint)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NewEngine creates a WireGuard device for a single peer and brings it up
func NewEngine(iface tunnelconf.Interface, peer tunnelconf.Peer, endpoint netip.AddrPort) (*Engine, error) {
	slog.Info("Creating WireGuard engine",
		"public_key", iface.PublicKey().String(),
		"peer", peer.PublicKey.String(),
		"endpoint", endpoint.String(),
	)

	e := &Engine{
		endpoint: endpoint,
		ready:    make(chan struct{}, 1),
		tracker:  newHandshakeTracker(rekeyAttemptTime, rejectAfterTime),
		now:      time.Now,
	}
	e.tun = newPipeTUN(defaultMTU, func(packet []byte) {
		e.queue(engine.Action{Kind: engine.ActionEmitPacket, Data: packet})
	})
	e.bind = newPipeBind(endpoint, func(datagram []byte) {
		e.queue(engine.Action{Kind: engine.ActionSendDatagram, Data: datagram})
	})

	logger := &device.Logger{
		Verbosef: func(format string, args ...any) {
			slog.Debug(fmt.Sprintf(format, args...), "component", "wireguard")
		},
		Errorf: func(format string, args ...any) {
			slog.Error(fmt.Sprintf(format, args...), "component", "wireguard")
		},
	}
	e.device = device.NewDevice(e.tun, e.bind, logger)

	if err := e.device.IpcSet(BuildUAPI(iface, peer, endpoint)); err != nil {
		e.device.Close()
		return nil, fmt.Errorf("failed to set IPC config: %w", err)
	}
	if err := e.device.Up(); err != nil {
		e.device.Close()
		return nil, fmt.Errorf("failed to bring device up: %w", err)
	}

	// With a persistent keepalive the device initiates on its own.
	if peer.PersistentKeepalive > 0 {
		e.tracker.noteTraffic(e.now())
	}

	slog.Info("WireGuard engine created successfully",
		"endpoint", endpoint.String(),
		"persistent_keepalive", peer.PersistentKeepalive,
	)
	return e, nil
}

// Encapsulate queues a plaintext packet for the device. Ciphertext, and the
// handshake initiation it may trigger, surface through Tick.
func (e *Engine) Encapsulate(packet []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, engine.ErrClosed
	}
	e.tracker.noteTraffic(e.now())
	if err := e.tun.inject(packet); err != nil {
		return nil, err
	}
	return nil, nil
}

// Decapsulate checks the WireGuard message framing and hands the datagram to
// the device. Authentication failures are handled, and dropped, inside it.
func (e *Engine) Decapsulate(datagram []byte) (engine.DecapResult, error) {
	if e.closed.Load() {
		return engine.DecapResult{}, engine.ErrClosed
	}
	if err := validateMessage(datagram); err != nil {
		return engine.DecapResult{}, err
	}
	if err := e.bind.deliver(datagram); err != nil {
		return engine.DecapResult{}, err
	}
	return engine.DecapResult{}, nil
}

// Tick returns queued actions, plus handshake health derived from the
// device's peer statistics at most once per statsPollInterval.
func (e *Engine) Tick() []engine.Action {
	if e.closed.Load() {
		return nil
	}

	var actions []engine.Action
	now := e.now()

	e.mu.Lock()
	poll := now.Sub(e.lastPoll) >= statsPollInterval
	if poll {
		e.lastPoll = now
	}
	e.mu.Unlock()

	if poll {
		if stats, err := e.Stats(); err == nil {
			actions = append(actions, e.tracker.observe(now, stats.LastHandshake)...)
		} else {
			slog.Debug("Failed to read peer stats", "error", err)
		}
	}

	e.mu.Lock()
	actions = append(actions, e.pending...)
	e.pending = nil
	e.mu.Unlock()

	return actions
}

// Keepalive takes the oldest pending outbound datagram, if any
func (e *Engine) Keepalive() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, a := range e.pending {
		if a.Kind == engine.ActionSendDatagram {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return a.Data
		}
	}
	return nil
}

// Ready signals that Tick has work
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Stats returns the peer's counters as reported by the device
func (e *Engine) Stats() (PeerStats, error) {
	uapi, err := e.device.IpcGet()
	if err != nil {
		return PeerStats{}, fmt.Errorf("failed to get IPC state: %w", err)
	}
	return parseStats(uapi)
}

// Dropped returns how many actions were discarded because the queue was full
func (e *Engine) Dropped() uint64 {
	return e.dropped.Load()
}

// Close shuts the device down. It is safe to call more than once.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	slog.Info("Closing WireGuard engine", "endpoint", e.endpoint.String())
	e.device.Close()
	return nil
}

func (e *Engine) queue(a engine.Action) {
	e.mu.Lock()
	if len(e.pending) >= queueDepth {
		e.mu.Unlock()
		e.dropped.Add(1)
		return
	}
	e.pending = append(e.pending, a)
	e.mu.Unlock()

	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func validateMessage(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("%w: %d bytes", engine.ErrInvalidDatagram, len(b))
	}
	msgType := binary.LittleEndian.Uint32(b[:4])

	var ok bool
	switch msgType {
	case device.MessageInitiationType:
		ok = len(b) == device.MessageInitiationSize
	case device.MessageResponseType:
		ok = len(b) == device.MessageResponseSize
	case device.MessageCookieReplyType:
		ok = len(b) == device.MessageCookieReplySize
	case device.MessageTransportType:
		ok = len(b) >= device.MessageTransportSize
	}
	if !ok {
		return fmt.Errorf("%w: type %d, %d bytes", engine.ErrInvalidDatagram, msgType, len(b))
	}
	return nil
}
