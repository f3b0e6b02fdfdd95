package session

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/yourorg/wgplugin/internal/engine"
	"github.com/yourorg/wgplugin/internal/pump"
	"github.com/yourorg/wgplugin/internal/route"
	"github.com/yourorg/wgplugin/internal/tunnelconf"
)

// Session is everything one successful Connect built. It is never reused.
type Session struct {
	Profile     string
	Interface   tunnelconf.Interface
	Peer        tunnelconf.Peer
	Endpoint    netip.AddrPort
	ConnectedAt time.Time

	conn   net.PacketConn
	routes *route.Manager
	engine engine.Engine
	pump   *pump.Pump
}

// close stops the pump, reverts routes, closes the engine and releases the
// socket. Every step runs even if an earlier one fails.
func (s *Session) close(stopTimeout time.Duration) error {
	var errs []error
	if err := s.pump.Stop(stopTimeout); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop packet pump: %w", err))
	}
	if err := s.routes.Revert(); err != nil {
		errs = append(errs, fmt.Errorf("failed to revert routes: %w", err))
	}
	if err := s.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close engine: %w", err))
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close socket: %w", err))
	}
	return errors.Join(errs...)
}
