package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T, config *HubConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(config, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string) *websocket.Conn {
	t.Helper()
	before := hub.ClientCount()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() > before }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event Event
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestBroadcastEvent(t *testing.T) {
	hub, url := startHub(t, &HubConfig{BroadcastDetections: true, BroadcastRegistry: false})
	conn := dial(t, hub, url)

	hub.BroadcastEvent(Event{Type: EventTypeRegistryChange, Data: RegistryChangeEvent{Action: "added"}})
	hub.BroadcastEvent(Event{Type: EventTypeDetection, RequestID: "req-1", Data: DetectionEvent{Backend: "min_hash"}})

	event := readEvent(t, conn)
	assert.Equal(t, EventTypeDetection, event.Type)
	assert.Equal(t, "req-1", event.RequestID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestSubscriptionFilter(t *testing.T) {
	hub, url := startHub(t, &HubConfig{BroadcastDetections: true, BroadcastRegistry: true})
	conn := dial(t, hub, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Events: []EventType{EventTypeRegistryChange}}))
	// The pong confirms the subscription was processed.
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	assert.Equal(t, EventTypePong, readEvent(t, conn).Type)

	hub.BroadcastEvent(Event{Type: EventTypeDetection})
	hub.BroadcastEvent(Event{Type: EventTypeRegistryChange, Data: RegistryChangeEvent{Action: "removed", Name: "mit"}})

	assert.Equal(t, EventTypeRegistryChange, readEvent(t, conn).Type)
}

func TestConnectionEvents(t *testing.T) {
	hub, url := startHub(t, &HubConfig{BroadcastConnections: true})
	first := dial(t, hub, url)
	dial(t, hub, url)

	event := readEvent(t, first)
	assert.Equal(t, EventTypeConnection, event.Type)
	data, ok := event.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "connected", data["action"])
	assert.Equal(t, int64(2), hub.GetStats().TotalConnections)
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(&HubConfig{AllowedOrigins: []string{"https://dash.example.com"}}, zap.NewNop())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, hub.checkOrigin(r))
	r.Header.Set("Origin", "https://DASH.example.com")
	assert.True(t, hub.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, hub.checkOrigin(r))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", ClientIP(r, true))

	r.Header.Set("X-Real-IP", "192.168.1.2")
	assert.Equal(t, "192.168.1.2", ClientIP(r, true))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(r, true))

	// Untrusted proxy headers are ignored.
	assert.Equal(t, "10.0.0.7", ClientIP(r, false))
}
