package wireguard

import (
	"sync"
	"time"

	"github.com/yourorg/wgplugin/internal/engine"
)

// handshakeTracker turns the device's last-handshake timestamp into health
// actions. A handshake is expected once traffic arrives without a live
// session; if none completes within timeout, one retire action is emitted
// and the window restarts with the next packet.
type handshakeTracker struct {
	timeout  time.Duration
	lifetime time.Duration

	mu           sync.Mutex
	last         time.Time
	pendingSince time.Time
}

func newHandshakeTracker(timeout, lifetime time.Duration) *handshakeTracker {
	return &handshakeTracker{timeout: timeout, lifetime: lifetime}
}

func (h *handshakeTracker) noteTraffic(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.pendingSince.IsZero() {
		return
	}
	if h.last.IsZero() || now.Sub(h.last) > h.lifetime {
		h.pendingSince = now
	}
}

func (h *handshakeTracker) observe(now, lastHandshake time.Time) []engine.Action {
	h.mu.Lock()
	defer h.mu.Unlock()

	var actions []engine.Action
	if lastHandshake.After(h.last) {
		h.last = lastHandshake
		h.pendingSince = time.Time{}
		actions = append(actions, engine.Action{Kind: engine.ActionHandshakeComplete})
	}
	if !h.pendingSince.IsZero() && now.Sub(h.pendingSince) >= h.timeout {
		h.pendingSince = time.Time{}
		actions = append(actions, engine.Action{
			Kind: engine.ActionRetireHandshake,
			Err:  engine.ErrHandshakeTimeout,
		})
	}
	return actions
}
