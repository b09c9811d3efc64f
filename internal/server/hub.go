package server

import (
	"sort"
	"sync"
)

// Hub owns the channels of the relay. A channel exists while it has
// subscribers, presence or persisted history; ephemeral channels such as
// user:<id> rings or call:<room> signaling vanish once the last subscriber
// leaves.
type Hub struct {
	mu         sync.RWMutex
	rooms      map[string]*Room
	maxHistory int
}

// NewHub creates a hub keeping at most maxHistory messages per channel.
func NewHub(maxHistory int) *Hub {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Hub{
		rooms:      make(map[string]*Room),
		maxHistory: maxHistory,
	}
}

func (h *Hub) roomLocked(name string) *Room {
	r, ok := h.rooms[name]
	if !ok {
		r = NewRoom(name, h.maxHistory)
		h.rooms[name] = r
	}
	return r
}

func (h *Hub) dropIfIdleLocked(r *Room) {
	if h.rooms[r.name] == r && r.idle() {
		delete(h.rooms, r.name)
	}
}

// Update runs fn on the named channel, creating it first when needed, and
// drops the channel again if fn left it idle.
func (h *Hub) Update(name string, fn func(*Room)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.roomLocked(name)
	fn(r)
	h.dropIfIdleLocked(r)
}

// Subscribe attaches c to the named channel.
func (h *Hub) Subscribe(name string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.roomLocked(name)
	c.room = r
	r.Subscribe(c)
}

// Leave detaches c and drops its channel once idle.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.room.UnregisterClient(c)
	h.dropIfIdleLocked(c.room)
}

// Room returns a channel or nil if it doesn't exist.
func (h *Hub) Room(name string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[name]
}

// Snapshots lists every live channel sorted by name.
func (h *Hub) Snapshots() []RoomSnapshot {
	h.mu.RLock()
	out := make([]RoomSnapshot, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r.Snapshot())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RoomCount returns the number of live channels.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
