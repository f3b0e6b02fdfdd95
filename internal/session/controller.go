// Package session implements the host plugin's connect, disconnect and
// keepalive entry points on top of a fresh Session per connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/yourorg/wgplugin/internal/engine"
	"github.com/yourorg/wgplugin/internal/pump"
	"github.com/yourorg/wgplugin/internal/route"
	"github.com/yourorg/wgplugin/internal/tunnelconf"
)

const DefaultStopTimeout = 2 * time.Second

var (
	ErrSessionActive  = errors.New("a session is already active")
	ErrBindFailed     = errors.New("failed to bind UDP socket")
	ErrResolveFailed  = errors.New("failed to resolve server address")
	ErrConnectAborted = errors.New("connect aborted by disconnect")
	ErrSessionLost    = errors.New("packet pump stopped unexpectedly")
)

// Options wires a Controller to the host
type Options struct {
	Platform route.Platform
	Channel  pump.Channel
	Engine   engine.Factory

	// Resolve maps the profile's server address to an IP. Defaults to the
	// system resolver.
	Resolve func(ctx context.Context, host string) (netip.Addr, error)
	// ListenPacket opens the session socket. Defaults to net.ListenPacket.
	ListenPacket func(network, address string) (net.PacketConn, error)

	TickInterval time.Duration
	StopTimeout  time.Duration

	OnHealth      func(pump.HealthEvent)
	OnStateChange func(State)
}

// Status is a point-in-time view of the controller
type Status struct {
	State         State
	Profile       string
	Endpoint      netip.AddrPort
	ConnectedAt   time.Time
	LastHandshake time.Time
	Stats         pump.Stats
	LastError     error
}

// Controller owns at most one Session at a time
type Controller struct {
	opts Options

	// opMu serializes building and tearing down sessions.
	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	session       *Session
	cancelConnect context.CancelFunc
	connectDone   chan struct{}
	teardownDone  chan struct{}
	aborted       bool
	lastErr       error
	lastHandshake time.Time
}

// New creates an idle Controller
func New(opts Options) *Controller {
	if opts.Resolve == nil {
		opts.Resolve = resolve
	}
	if opts.ListenPacket == nil {
		opts.ListenPacket = net.ListenPacket
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Controller{opts: opts, state: StateIdle}
}

// Connect parses config, then binds the socket, applies routes, starts the
// engine and the packet pump. Any failure undoes the steps already taken,
// newest first, and leaves the controller Failed.
func (c *Controller) Connect(ctx context.Context, profile, serverAddress, config string) error {
	c.mu.Lock()
	if c.state.active() {
		state := c.state
		c.mu.Unlock()
		slog.Warn("Connect rejected", "profile", profile, "state", state.String())
		return ErrSessionActive
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	c.cancelConnect = cancel
	c.connectDone = done
	c.aborted = false
	c.lastErr = nil
	c.lastHandshake = time.Time{}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting)

	c.opMu.Lock()
	defer c.opMu.Unlock()

	slog.Info("Connecting", "profile", profile, "server", serverAddress)
	s, err := c.establish(ctx, profile, serverAddress, config)

	c.mu.Lock()
	c.cancelConnect = nil
	c.connectDone = nil
	aborted := c.aborted
	if aborted && err == nil {
		// Disconnect arrived after the last cancellation point.
		c.mu.Unlock()
		if cerr := s.close(c.opts.StopTimeout); cerr != nil {
			slog.Warn("Failed to tear down aborted session", "error", cerr)
		}
		c.mu.Lock()
		err = ErrConnectAborted
	}

	var state State
	switch {
	case aborted:
		state = StateDisconnected
		if !errors.Is(err, ErrConnectAborted) {
			err = fmt.Errorf("%w: %w", ErrConnectAborted, err)
		}
	case err != nil:
		state = StateFailed
		c.lastErr = err
	default:
		state = StateConnected
		c.session = s
	}
	c.state = state
	c.mu.Unlock()
	c.notify(state)

	if err != nil {
		slog.Error("Failed to connect", "profile", profile, "state", state.String(), "error", err)
		return err
	}
	slog.Info("Connected", "profile", profile, "endpoint", s.Endpoint.String(), "interface", s.Interface, "peer", s.Peer)
	go c.watch(s)
	return nil
}

// watch fails the session when its pump exits on its own. A pump stopped by
// Disconnect is ignored.
func (c *Controller) watch(s *Session) {
	<-s.pump.Done()

	c.mu.Lock()
	if c.session != s || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	cause := ErrSessionLost
	if perr := s.pump.Err(); perr != nil {
		cause = fmt.Errorf("%w: %w", ErrSessionLost, perr)
	}
	done := make(chan struct{})
	defer close(done)
	c.teardownDone = done
	c.state = StateDisconnecting
	c.mu.Unlock()
	c.notify(StateDisconnecting)

	slog.Error("Session lost, tearing down", "profile", s.Profile, "error", cause)

	c.opMu.Lock()
	err := s.close(c.opts.StopTimeout)
	c.opMu.Unlock()
	if err != nil {
		slog.Warn("Teardown after session loss incomplete", "profile", s.Profile, "error", err)
	}

	c.mu.Lock()
	c.session = nil
	c.state = StateFailed
	c.lastErr = errors.Join(cause, err)
	c.mu.Unlock()
	c.notify(StateFailed)
}

func (c *Controller) establish(ctx context.Context, profile, serverAddress, config string) (*Session, error) {
	iface, peer, err := tunnelconf.Parse(config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tunnel configuration: %w", err)
	}

	addr, err := c.opts.Resolve(ctx, serverAddress)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrResolveFailed, serverAddress, err)
	}
	endpoint := peer.Endpoint(addr)

	var undo []func() error
	fail := func(err error) (*Session, error) {
		for _, step := range slices.Backward(undo) {
			if uerr := step(); uerr != nil {
				slog.Warn("Rollback step failed", "error", uerr)
			}
		}
		return nil, err
	}

	network := "udp4"
	if endpoint.Addr().Is6() {
		network = "udp6"
	}
	conn, err := c.opts.ListenPacket(network, ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBindFailed, err)
	}
	undo = append(undo, conn.Close)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	routes := route.NewManager(c.opts.Platform)
	if err := routes.Apply(iface, peer.AllowedIPs, endpoint); err != nil {
		return fail(fmt.Errorf("failed to apply routes: %w", err))
	}
	undo = append(undo, routes.Revert)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	eng, err := c.opts.Engine(iface, peer, endpoint)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize engine: %w", err))
	}
	undo = append(undo, eng.Close)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	p := pump.New(pump.Config{
		Engine:       eng,
		Conn:         conn,
		Channel:      c.opts.Channel,
		Endpoint:     endpoint,
		AllowedIPs:   peer.AllowedIPs,
		TickInterval: c.opts.TickInterval,
		OnHealth:     c.onHealth,
	})
	if err := p.Start(context.WithoutCancel(ctx)); err != nil {
		return fail(fmt.Errorf("failed to start packet pump: %w", err))
	}

	return &Session{
		Profile:     profile,
		Interface:   iface,
		Peer:        peer,
		Endpoint:    endpoint,
		ConnectedAt: time.Now(),
		conn:        conn,
		routes:      routes,
		engine:      eng,
		pump:        p,
	}, nil
}

// Disconnect tears down the current session. An in-flight Connect is
// cancelled and rolls itself back. Without a session it does nothing.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateDisconnected, StateFailed:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.aborted = true
		if c.cancelConnect != nil {
			c.cancelConnect()
		}
		done := c.connectDone
		c.mu.Unlock()
		slog.Info("Cancelling connect in progress")
		if done != nil {
			<-done
		}
		return nil
	case StateDisconnecting:
		done := c.teardownDone
		c.mu.Unlock()
		<-done
		return nil
	}

	s := c.session
	done := make(chan struct{})
	defer close(done)
	c.teardownDone = done
	c.state = StateDisconnecting
	c.mu.Unlock()
	c.notify(StateDisconnecting)

	c.opMu.Lock()
	defer c.opMu.Unlock()

	slog.Info("Disconnecting", "profile", s.Profile, "endpoint", s.Endpoint.String())
	err := s.close(c.opts.StopTimeout)

	c.mu.Lock()
	c.session = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	c.notify(StateDisconnected)

	if err != nil {
		slog.Warn("Disconnected with errors", "profile", s.Profile, "error", err)
		return err
	}
	slog.Info("Disconnected", "profile", s.Profile)
	return nil
}

// KeepalivePayload returns a datagram to send for the host's keepalive
// request, or nil when there is nothing to send.
func (c *Controller) KeepalivePayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.session == nil {
		return nil
	}
	return c.session.engine.Keepalive()
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current state with session details and counters
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:         c.state,
		LastError:     c.lastErr,
		LastHandshake: c.lastHandshake,
	}
	if s := c.session; s != nil {
		st.Profile = s.Profile
		st.Endpoint = s.Endpoint
		st.ConnectedAt = s.ConnectedAt
		st.Stats = s.pump.Stats()
	}
	return st
}

func (c *Controller) onHealth(ev pump.HealthEvent) {
	if ev.Kind == engine.ActionHandshakeComplete {
		c.mu.Lock()
		c.lastHandshake = ev.At
		c.mu.Unlock()
	}
	if c.opts.OnHealth != nil {
		c.opts.OnHealth(ev)
	}
}

func (c *Controller) notify(state State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}

func resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap(), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0].Unmap(), nil
}
