package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
)

// Handlers holds references needed by HTTP handlers.
type Handlers struct {
	Hub       *Hub
	Blobs     *BlobStore
	StartTime time.Time
}

// Health handles GET /api/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.StartTime)
	resp := protocol.HealthResponse{
		Status:    "ok",
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		Rooms:     h.Hub.RoomCount(),
	}
	if h.Blobs != nil {
		resp.Blobs = h.Blobs.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRooms handles GET /api/rooms.
func (h *Handlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	snapshots := h.Hub.Snapshots()
	rooms := make([]protocol.RoomInfo, len(snapshots))
	for i, s := range snapshots {
		rooms[i] = protocol.RoomInfo{
			Name:         s.Name,
			Clients:      s.Clients,
			Present:      s.Present,
			MessageCount: s.MessageCount,
			LastSeq:      s.LastSeq,
		}
	}
	writeJSON(w, http.StatusOK, protocol.RoomList{Rooms: rooms})
}

// SendMessage handles POST /api/rooms/{room}/messages.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	roomName, req, ok := decodeSend(w, r)
	if !ok {
		return
	}
	var env protocol.Envelope
	h.Hub.Update(roomName, func(room *Room) {
		env = room.AddMessage(req.Sender, req.Type, req.Payload, req.Metadata)
	})
	writeJSON(w, http.StatusCreated, env)
}

// Broadcast handles POST /api/rooms/{room}/broadcast.
func (h *Handlers) Broadcast(w http.ResponseWriter, r *http.Request) {
	roomName, req, ok := decodeSend(w, r)
	if !ok {
		return
	}
	var env protocol.Envelope
	h.Hub.Update(roomName, func(room *Room) {
		env = room.Broadcast(nil, req.Sender, req.Type, req.Payload, req.Metadata)
	})
	writeJSON(w, http.StatusAccepted, env)
}

func decodeSend(w http.ResponseWriter, r *http.Request) (string, protocol.SendRequest, bool) {
	var req protocol.SendRequest
	roomName := r.PathValue("room")
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "room name required")
		return "", req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return "", req, false
	}
	if req.Sender == "" {
		writeError(w, http.StatusBadRequest, "sender required")
		return "", req, false
	}
	if req.Type == "" {
		req.Type = protocol.TypeText
	}
	return roomName, req, true
}

// GetMessages handles GET /api/rooms/{room}/messages?after={seq}&limit={n}.
func (h *Handlers) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("room")
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "room name required")
		return
	}

	room := h.Hub.Room(roomName)
	if room == nil {
		writeJSON(w, http.StatusOK, protocol.MessageList{Room: roomName, Messages: []protocol.Envelope{}, Count: 0})
		return
	}

	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
		after = n
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = n
	}

	msgs := room.MessagesAfter(after, limit)
	if msgs == nil {
		msgs = []protocol.Envelope{}
	}
	writeJSON(w, http.StatusOK, protocol.MessageList{Room: roomName, Messages: msgs, Count: len(msgs)})
}

// LatestMessages handles GET /api/rooms/{room}/messages/latest?n={count}.
func (h *Handlers) LatestMessages(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("room")
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "room name required")
		return
	}

	room := h.Hub.Room(roomName)
	if room == nil {
		writeJSON(w, http.StatusOK, protocol.MessageList{Room: roomName, Messages: []protocol.Envelope{}, Count: 0})
		return
	}

	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid n parameter")
			return
		}
		n = parsed
	}

	msgs := room.LatestMessages(n)
	if msgs == nil {
		msgs = []protocol.Envelope{}
	}
	writeJSON(w, http.StatusOK, protocol.MessageList{Room: roomName, Messages: msgs, Count: len(msgs)})
}

// Presence handles GET /api/rooms/{room}/presence.
func (h *Handlers) Presence(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("room")
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "room name required")
		return
	}

	state := protocol.Presence{}
	if room := h.Hub.Room(roomName); room != nil {
		state = room.PresenceState()
	}
	writeJSON(w, http.StatusOK, protocol.PresenceList{Room: roomName, Presence: state})
}

// HandleWS handles WS /ws/{room}?sender={id}&self={bool}.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("room")
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "room name required")
		return
	}
	sender := r.URL.Query().Get("sender")
	if sender == "" {
		sender = "anonymous"
	}
	ServeWS(h.Hub, w, r, roomName, sender)
}

// UploadBlob handles POST /api/blobs with the raw blob as the request body.
func (h *Handlers) UploadBlob(w http.ResponseWriter, r *http.Request) {
	if h.Blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return
	}
	if r.ContentLength > h.Blobs.MaxBlobSize() {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("blob too large: %d bytes (max %d)", r.ContentLength, h.Blobs.MaxBlobSize()))
		return
	}

	info, err := h.Blobs.Store(r.Header.Get("Content-Type"), baseURL(r)+"/api/blobs/", r.Body)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrBlobTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// DownloadBlob handles GET /api/blobs/{id}.
func (h *Handlers) DownloadBlob(w http.ResponseWriter, r *http.Request) {
	if h.Blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return
	}

	id := r.PathValue("id")
	info, err := h.Blobs.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	diskPath, err := h.Blobs.Path(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", info.ContentType)
	http.ServeFile(w, r, diskPath)
}

// baseURL reconstructs the public origin of the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
