// Package engine defines the narrow contract between the session adapter and
// the external WireGuard tunnel engine. The engine owns every piece of
// protocol state (handshakes, session indices, counters, rekey timers); the
// rest of the module only moves bytes according to the actions it returns.
package engine

import (
	"errors"
	"net/netip"

	"github.com/yourorg/wgplugin/internal/tunnelconf"
)

// Engine errors. HandshakeFailed and HandshakeTimeout are health signals and
// never end a session. DecryptionFailed and InvalidDatagram concern a single
// datagram, which is dropped.
var (
	ErrHandshakeFailed  = errors.New("handshake failed")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidDatagram  = errors.New("invalid datagram")
	ErrNoSession        = errors.New("no established session")
	ErrQueueFull        = errors.New("engine queue full")
	ErrClosed           = errors.New("engine closed")
)

// ActionKind identifies what the pump must do with an Action
type ActionKind int

const (
	// ActionSendDatagram sends Data to the peer over UDP.
	ActionSendDatagram ActionKind = iota
	// ActionEmitPacket injects the plaintext packet in Data into the virtual interface.
	ActionEmitPacket
	// ActionRetireHandshake reports that a handshake attempt was abandoned; Err says why.
	ActionRetireHandshake
	// ActionHandshakeComplete reports a completed handshake.
	ActionHandshakeComplete
)

func (k ActionKind) String() string {
	switch k {
	case ActionSendDatagram:
		return "send_datagram"
	case ActionEmitPacket:
		return "emit_packet"
	case ActionRetireHandshake:
		return "retire_handshake"
	case ActionHandshakeComplete:
		return "handshake_complete"
	default:
		return "unknown"
	}
}

// Action is a unit of work requested by the engine
type Action struct {
	Kind ActionKind
	Data []byte
	Err  error
}

// DecapResult is the outcome of feeding one datagram to the engine
type DecapResult struct {
	Packet  []byte   // plaintext to inject, if any
	Control [][]byte // datagrams to echo back to the peer, e.g. a handshake response
}

// Engine is the tunnel engine façade. Implementations must be safe for
// concurrent Encapsulate and Decapsulate calls.
type Engine interface {
	// Encapsulate hands one outbound plaintext packet to the engine. A nil
	// datagram with a nil error means the packet was accepted and any output
	// will be surfaced through Tick.
	Encapsulate(packet []byte) ([]byte, error)
	// Decapsulate hands one inbound datagram from the peer to the engine.
	Decapsulate(datagram []byte) (DecapResult, error)
	// Tick drives timers and returns every action pending since the last call.
	Tick() []Action
	// Keepalive returns one pending outbound datagram, or nil.
	Keepalive() []byte
	Close() error
}

// Notifier is implemented by engines that produce actions asynchronously.
// Ready receives a value whenever new actions are waiting for Tick.
type Notifier interface {
	Ready() <-chan struct{}
}

// Factory initializes an engine for one session.
type Factory func(iface tunnelconf.Interface, peer tunnelconf.Peer, endpoint netip.AddrPort) (Engine, error)
