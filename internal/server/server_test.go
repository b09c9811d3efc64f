package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, maxBlob int64) *httptest.Server {
	t.Helper()
	blobs, err := NewBlobStore(t.TempDir(), maxBlob)
	require.NoError(t, err)
	srv := httptest.NewServer(NewHandler(NewHub(10), blobs))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, room, sender string, self bool) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + room + "?sender=" + sender
	if self {
		u += "&self=true"
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ev := readEvent(t, conn)
	require.Equal(t, protocol.EventSubscribed, ev.Event)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.ServerEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev protocol.ServerEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// readUntil skips events until one with the given name arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) protocol.ServerEvent {
	t.Helper()
	for {
		ev := readEvent(t, conn)
		if ev.Event == event {
			return ev
		}
	}
}

func TestRoom_HistoryTrimAndAfter(t *testing.T) {
	r := NewRoom("chat", 3)
	for i := 0; i < 5; i++ {
		r.AddMessage("alice", protocol.TypeText, protocol.MustPayload(protocol.TextPayload{Text: "hi"}), nil)
	}

	latest := r.LatestMessages(10)
	require.Len(t, latest, 3)
	assert.Equal(t, int64(3), latest[0].SeqNum)

	after := r.MessagesAfter(4, 10)
	require.Len(t, after, 1)
	assert.Equal(t, int64(5), after[0].SeqNum)

	assert.Nil(t, r.MessagesAfter(5, 10))
}

func TestWS_BroadcastExcludesSenderUnlessSelf(t *testing.T) {
	srv := newTestServer(t, 0)
	alice := dial(t, srv, "call:r1", "alice", false)
	bob := dial(t, srv, "call:r1", "bob", true)

	require.NoError(t, alice.WriteJSON(protocol.ClientFrame{Op: protocol.OpBroadcast, Type: protocol.TypeSignal, Payload: json.RawMessage(`{"kind":"ready"}`)}))
	ev := readEvent(t, bob)
	require.Equal(t, protocol.EventMessage, ev.Event)
	assert.Equal(t, "alice", ev.Message.Sender)

	require.NoError(t, bob.WriteJSON(protocol.ClientFrame{Op: protocol.OpBroadcast, Type: protocol.TypeSignal, Payload: json.RawMessage(`{"kind":"offer"}`)}))
	ev = readEvent(t, bob)
	assert.Equal(t, "bob", ev.Message.Sender, "self=true subscriber sees its own broadcast")
	ev = readEvent(t, alice)
	assert.Equal(t, "bob", ev.Message.Sender)

	// Alice never receives her own frame: the next thing she sees is bob's.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err)
}

func TestWS_PresenceSyncOnTrackAndDisconnect(t *testing.T) {
	srv := newTestServer(t, 0)
	alice := dial(t, srv, "group-call:g", "alice", false)
	require.NoError(t, alice.WriteJSON(protocol.ClientFrame{Op: protocol.OpTrack, Meta: map[string]string{"name": "Alice"}}))
	ev := readUntil(t, alice, protocol.EventPresence)
	assert.Contains(t, ev.Presence, "alice")

	bob := dial(t, srv, "group-call:g", "bob", false)
	ev = readUntil(t, bob, protocol.EventPresence)
	assert.Contains(t, ev.Presence, "alice", "new subscriber gets the current state")

	require.NoError(t, bob.WriteJSON(protocol.ClientFrame{Op: protocol.OpTrack}))
	ev = readUntil(t, alice, protocol.EventPresence)
	assert.Len(t, ev.Presence, 2)

	bob.Close()
	ev = readUntil(t, alice, protocol.EventPresence)
	assert.NotContains(t, ev.Presence, "bob")

	resp, err := http.Get(srv.URL + "/api/rooms/group-call:g/presence")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list protocol.PresenceList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []string{"alice"}, keys(list.Presence))
}

func TestHTTP_BroadcastReachesSubscribers(t *testing.T) {
	srv := newTestServer(t, 0)
	callee := dial(t, srv, "user:bob", "bob", false)

	body := `{"sender":"alice","type":"incoming-call","payload":{"room_id":"r1","caller_id":"alice"}}`
	resp, err := http.Post(srv.URL+"/api/rooms/user:bob/broadcast", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev := readEvent(t, callee)
	assert.Equal(t, protocol.TypeIncomingCall, ev.Message.Type)
	assert.Zero(t, ev.Message.SeqNum, "broadcasts are not persisted")
}

func TestHub_DropsIdleChannels(t *testing.T) {
	h := NewHub(10)
	h.Update("user:bob", func(r *Room) {
		r.Broadcast(nil, "alice", protocol.TypeIncomingCall, nil, nil)
	})
	assert.Nil(t, h.Room("user:bob"), "a broadcast nobody hears leaves nothing behind")

	h.Update("r1", func(r *Room) {
		r.AddMessage("alice", protocol.TypeCallLog, nil, nil)
	})
	require.NotNil(t, h.Room("r1"))

	c := &Client{hub: h, send: make(chan protocol.ServerEvent, 4), sender: "bob"}
	h.Subscribe("call:r1", c)
	assert.Equal(t, protocol.EventSubscribed, (<-c.send).Event)
	assert.Equal(t, 2, h.RoomCount())

	c.room.Track("bob", nil, c)
	h.Leave(c)
	assert.Nil(t, h.Room("call:r1"))

	snaps := h.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "r1", snaps[0].Name)
	assert.Equal(t, 1, snaps[0].MessageCount)
}

func TestBlobs_UploadDownloadAndCeiling(t *testing.T) {
	srv := newTestServer(t, 16)

	resp, err := http.Post(srv.URL+"/api/blobs", "video/mp4", bytes.NewReader([]byte("0123456789")))
	require.NoError(t, err)
	var info protocol.BlobInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, strings.HasPrefix(info.URL, srv.URL+"/api/blobs/"))

	resp, err = http.Get(info.URL)
	require.NoError(t, err)
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "0123456789", string(got))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	resp, err = http.Post(srv.URL+"/api/blobs", "video/mp4", bytes.NewReader(make([]byte, 17)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func keys(p protocol.Presence) []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	return out
}
