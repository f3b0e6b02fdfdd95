package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	authTimeout       = 10 * time.Second
	pingPeriod        = 54 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Client represents a WebSocket client connecting the plugin to its control server
type Client struct {
	url       string
	apiKey    string
	iface     string
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Channels
	send chan []byte
	recv chan []byte

	// Callbacks
	mu           sync.Mutex
	onProfile    func(Profile) error
	onDisconnect func()
	status       func() SessionStatus
	keepalive    func() []byte

	heartbeatInterval time.Duration
}

// NewClient creates a new WebSocket client
func NewClient(url, apiKey, iface string) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:               url,
		apiKey:            apiKey,
		iface:             iface,
		ctx:               ctx,
		cancel:            cancel,
		send:              make(chan []byte, 256),
		recv:              make(chan []byte, 256),
		heartbeatInterval: heartbeatInterval,
	}
}

// Connect establishes WebSocket connection to Control server
func (c *Client) Connect(ctx context.Context) error {
	slog.Info("Connecting to Control server", "url", c.url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	slog.Info("Connected to Control server")

	if err := c.authenticate(); err != nil {
		conn.Close()
		return fmt.Errorf("authentication failed: %w", err)
	}

	go c.readPump()
	go c.writePump()
	go c.handleMessages()
	go c.heartbeat()

	return nil
}

// authenticate sends authentication message
func (c *Client) authenticate() error {
	authMsg := AuthMessage{
		BaseMessage: newBase(TypeAuth),
		APIKey:      c.apiKey,
		ClientType:  "wgplugin",
		Interface:   c.iface,
	}

	data, err := json.Marshal(authMsg)
	if err != nil {
		return err
	}

	// writePump is not running yet
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var baseMsg BaseMessage
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		return err
	}

	switch baseMsg.Type {
	case TypeAuthSuccess:
		slog.Info("Authentication successful")
		return nil
	case TypeAuthError:
		var errMsg AuthErrorMessage
		json.Unmarshal(message, &errMsg)
		return fmt.Errorf("auth error: %s", errMsg.Error)
	}
	return fmt.Errorf("unexpected message type: %s", baseMsg.Type)
}

// readPump reads messages from WebSocket
func (c *Client) readPump() {
	defer c.Close()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			return
		}

		select {
		case c.recv <- message:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Error("WebSocket write error", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessages processes received messages
func (c *Client) handleMessages() {
	for {
		select {
		case msg := <-c.recv:
			c.handleMessage(msg)

		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage processes a single message
func (c *Client) handleMessage(data []byte) {
	var baseMsg BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		slog.Error("Failed to parse message", "error", err)
		return
	}

	slog.Debug("Received message", "type", baseMsg.Type)

	switch baseMsg.Type {
	case TypePing:
		c.enqueue(PongMessage{BaseMessage: newBase(TypePong)})

	case TypeProfileUpdate:
		c.handleProfileUpdate(data)

	case TypeDisconnect:
		slog.Info("Received disconnect request")
		c.mu.Lock()
		cb := c.onDisconnect
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
		c.SendStatus()

	case TypeKeepaliveRequest:
		c.mu.Lock()
		fn := c.keepalive
		c.mu.Unlock()
		msg := KeepalivePayloadMessage{BaseMessage: newBase(TypeKeepalivePayload)}
		if fn != nil {
			msg.Payload = fn()
		}
		c.enqueue(msg)

	case TypeError:
		var errMsg ErrorMessage
		json.Unmarshal(data, &errMsg)
		slog.Error("Received error from Control", "error", errMsg.Error)

	default:
		slog.Warn("Unknown message type", "type", baseMsg.Type)
	}
}

// handleProfileUpdate hands a profile to the callback and acknowledges it
func (c *Client) handleProfileUpdate(data []byte) {
	var msg ProfileUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Error("Failed to parse profile update", "error", err)
		return
	}

	slog.Info("Received profile update", "profile", msg.Profile.Name, "server", msg.Profile.ServerAddress)

	ack := ProfileAckMessage{
		BaseMessage: newBase(TypeProfileAck),
		Profile:     msg.Profile.Name,
		Success:     true,
	}

	c.mu.Lock()
	cb := c.onProfile
	c.mu.Unlock()
	if cb != nil {
		if err := cb(msg.Profile); err != nil {
			ack.Success = false
			ack.Error = err.Error()
		}
	}

	c.enqueue(ack)
	c.SendStatus()
}

// heartbeat sends periodic status updates
func (c *Client) heartbeat() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.SendStatus()

		case <-c.ctx.Done():
			return
		}
	}
}

// SendStatus pushes the current session status
func (c *Client) SendStatus() {
	msg := StatusUpdateMessage{
		BaseMessage: newBase(TypeStatusUpdate),
		Status:      "online",
	}
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status != nil {
		s := status()
		msg.Session = &s
	}
	c.enqueue(msg)
}

// SendHealthEvent reports a handshake event
func (c *Client) SendHealthEvent(event string, err error) {
	msg := HealthEventMessage{
		BaseMessage: newBase(TypeHealthEvent),
		Event:       event,
	}
	if err != nil {
		msg.Error = err.Error()
	}
	c.enqueue(msg)
}

func (c *Client) enqueue(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode message", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		slog.Warn("Dropping message to Control, send queue full")
	}
}

// SetProfileCallback sets the callback for profile updates. A returned
// error is reported back in the acknowledgement.
func (c *Client) SetProfileCallback(callback func(Profile) error) {
	c.mu.Lock()
	c.onProfile = callback
	c.mu.Unlock()
}

// SetDisconnectCallback sets the callback for disconnect requests
func (c *Client) SetDisconnectCallback(callback func()) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetStatusFunc sets the source of status updates
func (c *Client) SetStatusFunc(fn func() SessionStatus) {
	c.mu.Lock()
	c.status = fn
	c.mu.Unlock()
}

// SetKeepaliveFunc sets the source of keepalive payloads
func (c *Client) SetKeepaliveFunc(fn func() []byte) {
	c.mu.Lock()
	c.keepalive = fn
	c.mu.Unlock()
}

// Close closes the WebSocket connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UnixMilli()}
}
