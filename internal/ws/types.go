package ws

// MessageType represents the type of WebSocket message
type MessageType string

const (
	// Auth
	TypeAuth        MessageType = "auth"
	TypeAuthSuccess MessageType = "auth_success"
	TypeAuthError   MessageType = "auth_error"

	// Heartbeat
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"

	// Connection profiles
	TypeProfileUpdate MessageType = "profile_update"
	TypeProfileAck    MessageType = "profile_ack"
	TypeDisconnect    MessageType = "disconnect"

	// Keepalive
	TypeKeepaliveRequest MessageType = "keepalive_request"
	TypeKeepalivePayload MessageType = "keepalive_payload"

	// Status updates
	TypeStatusUpdate MessageType = "status_update"
	TypeHealthEvent  MessageType = "health_event"

	// Errors
	TypeError MessageType = "error"
)

// BaseMessage is the base structure for all messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// AuthMessage is sent by the plugin to authenticate
type AuthMessage struct {
	BaseMessage
	APIKey     string `json:"apiKey"`
	ClientType string `json:"clientType"` // "wgplugin"
	Interface  string `json:"interface,omitempty"`
}

// AuthErrorMessage is received upon authentication failure
type AuthErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}

// PongMessage for heartbeat response
type PongMessage struct {
	BaseMessage
}

// Profile is a VPN connection profile as the host hands it to the plugin
type Profile struct {
	Name          string `json:"name"`
	ServerAddress string `json:"serverAddress"`
	Config        string `json:"config"` // tunnel configuration document
}

// ProfileUpdateMessage asks the plugin to connect with a profile
type ProfileUpdateMessage struct {
	BaseMessage
	Profile Profile `json:"profile"`
}

// ProfileAckMessage reports the outcome of a profile update
type ProfileAckMessage struct {
	BaseMessage
	Profile string `json:"profile"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// KeepalivePayloadMessage answers a keepalive request. Payload is empty
// when the session has nothing to send.
type KeepalivePayloadMessage struct {
	BaseMessage
	Payload []byte `json:"payload,omitempty"` // base64 datagram
}

// SessionStatus describes the plugin's current session
type SessionStatus struct {
	State         string `json:"state"`
	Profile       string `json:"profile,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	ConnectedAt   int64  `json:"connectedAt,omitempty"`
	LastHandshake int64  `json:"lastHandshake,omitempty"`
	BytesSent     uint64 `json:"bytesSent"`
	BytesReceived uint64 `json:"bytesReceived"`
	LastError     string `json:"lastError,omitempty"`
}

// StatusUpdateMessage is sent to update plugin status
type StatusUpdateMessage struct {
	BaseMessage
	Status  string         `json:"status"` // "online"
	Session *SessionStatus `json:"session,omitempty"`
}

// HealthEventMessage reports handshake progress
type HealthEventMessage struct {
	BaseMessage
	Event string `json:"event"` // "handshake_complete", "retire_handshake"
	Error string `json:"error,omitempty"`
}

// ErrorMessage for error communication
type ErrorMessage struct {
	BaseMessage
	Error string `json:"error"`
}
