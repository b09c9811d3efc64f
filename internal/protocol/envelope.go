package protocol

import (
	"encoding/json"
	"time"
)

// Envelope wraps a message with metadata assigned by the server.
// Room is the channel name the message was published on.
type Envelope struct {
	ID        string            `json:"id"`
	Room      string            `json:"room"`
	Sender    string            `json:"sender"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	SeqNum    int64             `json:"seq,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SendRequest is the JSON body for POST /api/rooms/{room}/messages and
// POST /api/rooms/{room}/broadcast.
type SendRequest struct {
	Sender   string            `json:"sender"`
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageList is the response for message list endpoints.
type MessageList struct {
	Room     string     `json:"room"`
	Messages []Envelope `json:"messages"`
	Count    int        `json:"count"`
}

// RoomInfo describes an active room.
type RoomInfo struct {
	Name         string `json:"name"`
	Clients      int    `json:"clients"`
	Present      int    `json:"present"`
	MessageCount int    `json:"message_count"`
	LastSeq      int64  `json:"last_seq"`
}

// RoomList is the response for GET /api/rooms.
type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

// HealthResponse is the response for GET /api/health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Uptime    string  `json:"uptime"`
	UptimeSec float64 `json:"uptime_seconds"`
	Rooms     int     `json:"rooms"`
	Blobs     int     `json:"blobs"`
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	ID          string    `json:"id"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Timestamp   time.Time `json:"timestamp"`
	URL         string    `json:"url"`
}

// Presence maps a presence key (participant id) to its tracked metadata.
type Presence map[string]map[string]string

// PresenceList is the response for GET /api/rooms/{room}/presence.
type PresenceList struct {
	Room     string   `json:"room"`
	Presence Presence `json:"presence"`
}

// Server event names.
const (
	EventSubscribed = "subscribed"
	EventMessage    = "message"
	EventPresence   = "presence"
)

// ServerEvent is the discriminated union sent to WebSocket subscribers.
type ServerEvent struct {
	Event    string    `json:"event"`
	Message  *Envelope `json:"message,omitempty"`
	Presence Presence  `json:"presence,omitempty"`
}

// Client frame operations.
const (
	OpBroadcast = "broadcast"
	OpTrack     = "track"
	OpUntrack   = "untrack"
)

// ClientFrame is what a WebSocket subscriber writes to the server.
type ClientFrame struct {
	Op       string            `json:"op"`
	Type     string            `json:"type,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}
