package wireguard

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/device"

	"github.com/yourorg/wgplugin/internal/engine"
)

const (
	defaultMTU = 1420

	// queueDepth bounds both directions of the in-memory pipes and the
	// pending action list; overflow drops, matching UDP semantics.
	queueDepth = 1024

	statsPollInterval = time.Second

	// rekeyAttemptTime is how long wireguard-go keeps retrying a handshake.
	rekeyAttemptTime = 90 * time.Second
	// rejectAfterTime is the lifetime of a session's keys.
	rejectAfterTime = 180 * time.Second
)

// Engine runs a wireguard-go device whose TUN and UDP sides are in-memory
// pipes, exposing it through the engine.Engine contract.
type Engine struct {
	device   *device.Device
	tun      *pipeTUN
	bind     *pipeBind
	endpoint netip.AddrPort

	mu      sync.Mutex
	pending []engine.Action
	ready   chan struct{}
	dropped atomic.Uint64

	tracker  *handshakeTracker
	lastPoll time.Time
	now      func() time.Time
	closed   atomic.Bool
}

// PeerStats contains runtime counters of the session's peer
type PeerStats struct {
	LastHandshake time.Time
	ReceiveBytes  int64
	TransmitBytes int64
}
