package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/license-sentinel/internal/detection"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDetection is emitted for every answered match query
	EventTypeDetection EventType = "detection"
	// EventTypeRegistryChange is emitted when licenses are added or removed
	EventTypeRegistryChange EventType = "registry_change"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// DetectionEvent describes one answered query
type DetectionEvent struct {
	RequestID    string            `json:"request_id"`
	Backend      string            `json:"backend"`
	Endpoint     string            `json:"endpoint"`
	ClientIP     string            `json:"client_ip"`
	TextBytes    int               `json:"text_bytes"`
	Matches      []detection.Match `json:"matches"`
	Rounds       int               `json:"rounds,omitempty"`
	CacheHit     bool              `json:"cache_hit"`
	ProcessingMS float64           `json:"processing_ms"`
}

// RegistryChangeEvent describes a registry mutation
type RegistryChangeEvent struct {
	Action  string `json:"action"` // "added", "removed", "loaded"
	Name    string `json:"name,omitempty"`
	Backend string `json:"backend"`
	Entries int    `json:"entries"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Backend          string `json:"backend"`
	Licenses         int    `json:"licenses"`
	TotalQueries     int64  `json:"total_queries"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type   string      `json:"type"`
	Events []EventType `json:"events,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	// subscriptions is nil until the client subscribes; nil receives every event.
	subscriptions map[EventType]bool
}
