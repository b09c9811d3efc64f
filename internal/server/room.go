package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/google/uuid"
)

// RoomSnapshot holds a point-in-time view of a room for listing.
type RoomSnapshot struct {
	Name         string
	Clients      int
	Present      int
	MessageCount int
	LastSeq      int64
}

// presenceEntry is one tracked presence key.
type presenceEntry struct {
	Meta     map[string]string
	JoinedAt time.Time
	Owner    *Client
}

// Room holds persisted messages, connected WebSocket clients and the
// presence state of a single channel.
type Room struct {
	name       string
	maxHistory int

	mu       sync.RWMutex
	messages []protocol.Envelope
	seq      int64
	clients  map[*Client]struct{}
	presence map[string]*presenceEntry
}

// NewRoom creates a room with the given name and history limit.
func NewRoom(name string, maxHistory int) *Room {
	return &Room{
		name:       name,
		maxHistory: maxHistory,
		messages:   make([]protocol.Envelope, 0, 64),
		clients:    make(map[*Client]struct{}),
		presence:   make(map[string]*presenceEntry),
	}
}

// AddMessage stores a message, assigns server-side fields, broadcasts to WS clients, and returns the envelope.
func (r *Room) AddMessage(sender, msgType string, payload json.RawMessage, metadata map[string]string) protocol.Envelope {
	r.mu.Lock()
	r.seq++
	env := protocol.Envelope{
		ID:        uuid.New().String(),
		Room:      r.name,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Payload:   payload,
		SeqNum:    r.seq,
		Metadata:  metadata,
	}
	r.messages = append(r.messages, env)
	// Trim if over max history.
	if len(r.messages) > r.maxHistory {
		excess := len(r.messages) - r.maxHistory
		r.messages = r.messages[excess:]
	}
	clients := r.clientsLocked(nil)
	r.mu.Unlock()

	event := protocol.ServerEvent{Event: protocol.EventMessage, Message: &env}
	for _, c := range clients {
		c.Send(event)
	}
	return env
}

// Broadcast fans an ephemeral message out to subscribers without storing it.
// The originating client only receives it when it subscribed with self=true.
func (r *Room) Broadcast(from *Client, sender, msgType string, payload json.RawMessage, metadata map[string]string) protocol.Envelope {
	env := protocol.Envelope{
		ID:        uuid.New().String(),
		Room:      r.name,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Type:      msgType,
		Payload:   payload,
		Metadata:  metadata,
	}

	r.mu.RLock()
	clients := r.clientsLocked(from)
	r.mu.RUnlock()

	event := protocol.ServerEvent{Event: protocol.EventMessage, Message: &env}
	for _, c := range clients {
		c.Send(event)
	}
	return env
}

// clientsLocked copies the client set for delivery outside the lock,
// skipping exclude unless it asked to receive its own broadcasts.
func (r *Room) clientsLocked(exclude *Client) []*Client {
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c == exclude && !c.self {
			continue
		}
		out = append(out, c)
	}
	return out
}

// MessagesAfter returns messages with SeqNum > after, up to limit.
func (r *Room) MessagesAfter(after int64, limit int) []protocol.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.messages) == 0 {
		return nil
	}

	// Find start index using the fact that seq numbers are monotonic.
	start := -1
	for i, m := range r.messages {
		if m.SeqNum > after {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	result := r.messages[start:]
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	out := make([]protocol.Envelope, len(result))
	copy(out, result)
	return out
}

// LatestMessages returns the last n messages.
func (r *Room) LatestMessages(n int) []protocol.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.messages) == 0 {
		return nil
	}
	start := max(len(r.messages)-n, 0)
	out := make([]protocol.Envelope, len(r.messages[start:]))
	copy(out, r.messages[start:])
	return out
}

// Subscribe confirms the subscription to c, hands it the current presence
// state and registers it, atomically with respect to presence changes.
func (r *Room) Subscribe(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Send(protocol.ServerEvent{Event: protocol.EventSubscribed})
	if len(r.presence) > 0 {
		c.Send(protocol.ServerEvent{Event: protocol.EventPresence, Presence: r.presenceLocked()})
	}
	r.clients[c] = struct{}{}
}

// UnregisterClient removes a WebSocket client from the room and drops every
// presence key it owned.
func (r *Room) UnregisterClient(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
	changed := false
	for key, p := range r.presence {
		if p.Owner == c {
			delete(r.presence, key)
			changed = true
		}
	}
	if changed {
		r.syncPresenceLocked()
	}
}

// Track registers or replaces the presence entry for key and fans the new
// presence state out to every subscriber.
func (r *Room) Track(key string, meta map[string]string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := time.Now().UTC()
	if p, ok := r.presence[key]; ok {
		joined = p.JoinedAt
	}
	r.presence[key] = &presenceEntry{Meta: meta, JoinedAt: joined, Owner: c}
	r.syncPresenceLocked()
}

// Untrack removes the presence entry for key if c owns it.
func (r *Room) Untrack(key string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.presence[key]
	if !ok || p.Owner != c {
		return
	}
	delete(r.presence, key)
	r.syncPresenceLocked()
}

// PresenceState returns a copy of the current presence state.
func (r *Room) PresenceState() protocol.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenceLocked()
}

func (r *Room) presenceLocked() protocol.Presence {
	out := make(protocol.Presence, len(r.presence))
	for key, p := range r.presence {
		meta := make(map[string]string, len(p.Meta)+1)
		for k, v := range p.Meta {
			meta[k] = v
		}
		meta["joined_at"] = p.JoinedAt.Format(time.RFC3339)
		out[key] = meta
	}
	return out
}

// syncPresenceLocked queues the full presence state for every subscriber.
// Client.Send never blocks, so snapshots are enqueued in mutation order.
func (r *Room) syncPresenceLocked() {
	event := protocol.ServerEvent{Event: protocol.EventPresence, Presence: r.presenceLocked()}
	for c := range r.clients {
		c.Send(event)
	}
}

// idle reports whether nothing keeps the room alive.
func (r *Room) idle() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients) == 0 && len(r.presence) == 0 && len(r.messages) == 0
}

// Snapshot returns a point-in-time summary of this room.
func (r *Room) Snapshot() RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomSnapshot{
		Name:         r.name,
		Clients:      len(r.clients),
		Present:      len(r.presence),
		MessageCount: len(r.messages),
		LastSeq:      r.seq,
	}
}
