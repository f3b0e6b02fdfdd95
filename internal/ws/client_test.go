package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeControl accepts one plugin connection and hands it to the test
type fakeControl struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	auth  chan AuthMessage
}

func newFakeControl(t *testing.T, accept bool) *fakeControl {
	t.Helper()
	fc := &fakeControl{
		conns: make(chan *websocket.Conn, 1),
		auth:  make(chan AuthMessage, 1),
	}
	upgrader := websocket.Upgrader{}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var msg AuthMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return
		}
		fc.auth <- msg
		if !accept {
			conn.WriteJSON(AuthErrorMessage{BaseMessage: newBase(TypeAuthError), Error: "invalid api key"})
			conn.Close()
			return
		}
		conn.WriteJSON(BaseMessage{Type: TypeAuthSuccess})
		fc.conns <- conn
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeControl) url() string {
	return "ws" + strings.TrimPrefix(fc.srv.URL, "http")
}

func (fc *fakeControl) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fc.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("plugin never connected")
		return nil
	}
}

// readUntil reads messages until one of the wanted type arrives
func readUntil(t *testing.T, conn *websocket.Conn, want MessageType) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var base BaseMessage
		require.NoError(t, json.Unmarshal(data, &base))
		if base.Type == want {
			return data
		}
	}
}

func TestConnectAuthenticates(t *testing.T) {
	fc := newFakeControl(t, true)

	client := NewClient(fc.url(), "secret", "wg0")
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()
	fc.accept(t)

	auth := <-fc.auth
	assert.Equal(t, TypeAuth, auth.Type)
	assert.Equal(t, "secret", auth.APIKey)
	assert.Equal(t, "wgplugin", auth.ClientType)
	assert.Equal(t, "wg0", auth.Interface)
}

func TestConnectAuthRejected(t *testing.T) {
	fc := newFakeControl(t, false)

	client := NewClient(fc.url(), "wrong", "wg0")
	err := client.Connect(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestProfileUpdateIsAcknowledged(t *testing.T) {
	fc := newFakeControl(t, true)

	client := NewClient(fc.url(), "secret", "wg0")
	got := make(chan Profile, 1)
	client.SetProfileCallback(func(p Profile) error {
		got <- p
		return nil
	})
	client.SetStatusFunc(func() SessionStatus {
		return SessionStatus{State: "connected", Profile: "office", BytesSent: 42}
	})
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()
	conn := fc.accept(t)

	profile := Profile{Name: "office", ServerAddress: "vpn.example.com", Config: "<WireGuard/>"}
	require.NoError(t, conn.WriteJSON(ProfileUpdateMessage{BaseMessage: newBase(TypeProfileUpdate), Profile: profile}))

	select {
	case p := <-got:
		assert.Equal(t, profile, p)
	case <-time.After(5 * time.Second):
		t.Fatal("profile callback not invoked")
	}

	var ack ProfileAckMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeProfileAck), &ack))
	assert.Equal(t, "office", ack.Profile)
	assert.True(t, ack.Success)
	assert.Empty(t, ack.Error)

	var status StatusUpdateMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeStatusUpdate), &status))
	require.NotNil(t, status.Session)
	assert.Equal(t, "connected", status.Session.State)
	assert.Equal(t, uint64(42), status.Session.BytesSent)
}

func TestProfileUpdateFailureIsReported(t *testing.T) {
	fc := newFakeControl(t, true)

	client := NewClient(fc.url(), "secret", "wg0")
	client.SetProfileCallback(func(Profile) error {
		return errors.New("missing field PrivateKey")
	})
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()
	conn := fc.accept(t)

	require.NoError(t, conn.WriteJSON(ProfileUpdateMessage{
		BaseMessage: newBase(TypeProfileUpdate),
		Profile:     Profile{Name: "broken"},
	}))

	var ack ProfileAckMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeProfileAck), &ack))
	assert.False(t, ack.Success)
	assert.Equal(t, "missing field PrivateKey", ack.Error)
}

func TestPingAndDisconnect(t *testing.T) {
	fc := newFakeControl(t, true)

	client := NewClient(fc.url(), "secret", "wg0")
	disconnected := make(chan struct{}, 1)
	client.SetDisconnectCallback(func() { disconnected <- struct{}{} })
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()
	conn := fc.accept(t)

	require.NoError(t, conn.WriteJSON(BaseMessage{Type: TypePing}))
	readUntil(t, conn, TypePong)

	require.NoError(t, conn.WriteJSON(BaseMessage{Type: TypeDisconnect}))
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback not invoked")
	}
}

func TestSendHealthEvent(t *testing.T) {
	fc := newFakeControl(t, true)

	client := NewClient(fc.url(), "secret", "wg0")
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()
	conn := fc.accept(t)

	client.SendHealthEvent("retire_handshake", errors.New("handshake timed out"))

	var ev HealthEventMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeHealthEvent), &ev))
	assert.Equal(t, "retire_handshake", ev.Event)
	assert.Equal(t, "handshake timed out", ev.Error)
}

func TestCloseEndsClient(t *testing.T) {
	fc := newFakeControl(t, true)

	client := NewClient(fc.url(), "secret", "wg0")
	require.NoError(t, client.Connect(t.Context()))
	fc.accept(t)

	client.Close()
	client.Close()
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done after Close")
	}
}

func TestKeepaliveRequest(t *testing.T) {
	fc := newFakeControl(t, true)

	client := NewClient(fc.url(), "secret", "wg0")
	client.SetKeepaliveFunc(func() []byte { return []byte{4, 0, 0, 0} })
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()
	conn := fc.accept(t)

	require.NoError(t, conn.WriteJSON(BaseMessage{Type: TypeKeepaliveRequest}))

	var msg KeepalivePayloadMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeKeepalivePayload), &msg))
	assert.Equal(t, []byte{4, 0, 0, 0}, msg.Payload)
}

func TestKeepaliveRequestWithoutSession(t *testing.T) {
	fc := newFakeControl(t, true)

	client := NewClient(fc.url(), "secret", "wg0")
	client.SetKeepaliveFunc(func() []byte { return nil })
	require.NoError(t, client.Connect(t.Context()))
	defer client.Close()
	conn := fc.accept(t)

	require.NoError(t, conn.WriteJSON(BaseMessage{Type: TypeKeepaliveRequest}))

	var msg KeepalivePayloadMessage
	require.NoError(t, json.Unmarshal(readUntil(t, conn, TypeKeepalivePayload), &msg))
	assert.Empty(t, msg.Payload)
}
