// Package pump moves packets between the host's virtual interface channel,
// the tunnel engine and the UDP socket facing the peer.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yourorg/wgplugin/internal/engine"
)

const (
	DefaultTickInterval = 250 * time.Millisecond

	maxDatagramSize = 65535
	readTimeout     = 500 * time.Millisecond
)

var (
	ErrSendFailed     = errors.New("send failed")
	ErrAlreadyStarted = errors.New("pump already started")
	ErrStopTimeout    = errors.New("pump did not stop in time")
)

// HealthEvent reports handshake progress; it never ends a session
type HealthEvent struct {
	Kind engine.ActionKind
	Err  error
	At   time.Time
}

// Config holds everything a Pump moves packets between
type Config struct {
	Engine     engine.Engine
	Conn       net.PacketConn
	Channel    Channel
	Endpoint   netip.AddrPort
	AllowedIPs []netip.Prefix

	TickInterval time.Duration
	OnHealth     func(HealthEvent)
}

// Pump runs the outbound, inbound and timer loops of one session
type Pump struct {
	cfg      Config
	endpoint netip.AddrPort
	peerAddr *net.UDPAddr
	allowed  allowedIPs
	stats    counters
	logLimit *rate.Limiter

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
}

// New creates a Pump; Start launches it
func New(cfg Config) *Pump {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	endpoint := netip.AddrPortFrom(cfg.Endpoint.Addr().Unmap(), cfg.Endpoint.Port())
	return &Pump{
		cfg:      cfg,
		endpoint: endpoint,
		peerAddr: net.UDPAddrFromAddrPort(endpoint),
		allowed:  allowedIPs(cfg.AllowedIPs),
		logLimit: rate.NewLimiter(rate.Every(time.Second), 5),
		done:     make(chan struct{}),
	}
}

// Start launches the loops. They stop when ctx is cancelled, Stop is called
// or the socket or channel is closed underneath them.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.outbound(ctx) })
	g.Go(func() error { return p.inbound(ctx) })
	g.Go(func() error { return p.drive(ctx) })

	go func() {
		err := g.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		if err != nil {
			slog.Error("Packet pump stopped", "error", err)
		}
		close(p.done)
	}()

	slog.Info("Packet pump started", "endpoint", p.endpoint.String(), "tick_interval", p.cfg.TickInterval)
	return nil
}

// Stop cancels the loops and waits up to timeout for them to exit
func (p *Pump) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	// Unblock a pending ReadFrom.
	_ = p.cfg.Conn.SetReadDeadline(time.Unix(1, 0))

	select {
	case <-p.done:
		slog.Info("Packet pump stopped", "endpoint", p.endpoint.String())
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Done is closed once every loop has exited
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that stopped the pump, if any
func (p *Pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a snapshot of the counters
func (p *Pump) Stats() Stats {
	return p.stats.snapshot()
}

func (p *Pump) outbound(ctx context.Context) error {
	for {
		packet, err := p.cfg.Channel.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTerminal(err) {
				return fmt.Errorf("failed to read from packet channel: %w", err)
			}
			p.stats.channelErrors.Add(1)
			p.logDrop("Failed to read from packet channel", "error", err)
			continue
		}
		p.safely(func() { p.sendPacket(packet) })
	}
}

func (p *Pump) inbound(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = p.cfg.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := p.cfg.Conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if isTerminal(err) {
				return fmt.Errorf("failed to read from socket: %w", err)
			}
			p.logDrop("Failed to read from socket", "error", err)
			continue
		}

		if !p.fromPeer(addr) {
			p.stats.foreign.Add(1)
			p.logDrop("Discarding datagram from unexpected source", "source", addr.String())
			continue
		}
		p.stats.datagramsReceived.Add(1)
		p.stats.bytesReceived.Add(uint64(n))

		datagram := append([]byte(nil), buf[:n]...)
		p.safely(func() { p.receiveDatagram(datagram) })
	}
}

func (p *Pump) drive(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	var ready <-chan struct{}
	if n, ok := p.cfg.Engine.(engine.Notifier); ok {
		ready = n.Ready()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-ready:
		}
		p.safely(p.tick)
	}
}

func (p *Pump) tick() {
	for _, action := range p.cfg.Engine.Tick() {
		switch action.Kind {
		case engine.ActionSendDatagram:
			p.send(action.Data)
		case engine.ActionEmitPacket:
			p.deliver(action.Data)
		case engine.ActionRetireHandshake, engine.ActionHandshakeComplete:
			p.health(action)
		}
	}
}

func (p *Pump) sendPacket(packet []byte) {
	if !p.allowed.permitsOutbound(packet) {
		p.stats.filtered.Add(1)
		return
	}
	datagram, err := p.cfg.Engine.Encapsulate(packet)
	if err != nil {
		p.stats.encapErrors.Add(1)
		p.logDrop("Dropping outbound packet", "error", err)
		return
	}
	p.stats.packetsOut.Add(1)
	if datagram != nil {
		p.send(datagram)
	}
}

func (p *Pump) receiveDatagram(datagram []byte) {
	result, err := p.cfg.Engine.Decapsulate(datagram)
	if err != nil {
		p.stats.decapErrors.Add(1)
		if p.logLimit.Allow() {
			slog.Debug("Dropping inbound datagram", "error", err)
		}
		return
	}
	for _, control := range result.Control {
		p.send(control)
	}
	if result.Packet != nil {
		p.deliver(result.Packet)
	}
}

func (p *Pump) send(datagram []byte) {
	if _, err := p.cfg.Conn.WriteTo(datagram, p.peerAddr); err != nil {
		p.stats.sendErrors.Add(1)
		p.logDrop("Failed to send datagram", "error", fmt.Errorf("%w: %w", ErrSendFailed, err))
		return
	}
	p.stats.datagramsSent.Add(1)
	p.stats.bytesSent.Add(uint64(len(datagram)))
}

func (p *Pump) deliver(packet []byte) {
	if !p.allowed.permitsInbound(packet) {
		p.stats.filtered.Add(1)
		p.logDrop("Dropping inbound packet outside allowed IPs")
		return
	}
	if err := p.cfg.Channel.WritePacket(packet); err != nil {
		p.stats.channelErrors.Add(1)
		p.logDrop("Failed to write to packet channel", "error", err)
		return
	}
	p.stats.packetsIn.Add(1)
}

func (p *Pump) health(action engine.Action) {
	p.stats.handshakeEvents.Add(1)
	if action.Kind == engine.ActionRetireHandshake {
		slog.Warn("Handshake not completed", "error", action.Err)
	} else {
		slog.Info("Handshake completed", "endpoint", p.endpoint.String())
	}
	if p.cfg.OnHealth != nil {
		p.cfg.OnHealth(HealthEvent{Kind: action.Kind, Err: action.Err, At: time.Now()})
	}
}

func (p *Pump) fromPeer(addr net.Addr) bool {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return false
	}
	ap := udpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()) == p.endpoint
}

// safely runs one unit of per-packet work; a panic drops the packet
func (p *Pump) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.recovered.Add(1)
			slog.Error("Recovered from panic in packet pump", "panic", r)
		}
	}()
	fn()
}

func (p *Pump) logDrop(msg string, args ...any) {
	if p.logLimit.Allow() {
		slog.Warn(msg, args...)
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, ErrChannelClosed)
}
