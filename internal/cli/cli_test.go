package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/corvino/connectsphere/internal/call"
	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/stretchr/testify/assert"
)

func TestFormatPlain(t *testing.T) {
	ts := time.Date(2026, 1, 2, 15, 4, 5, 0, time.Local)

	text := protocol.Envelope{SeqNum: 3, Timestamp: ts, Sender: "alice", Type: protocol.TypeText, Payload: protocol.MustPayload(protocol.TextPayload{Text: "hi"})}
	assert.Equal(t, "[#3 15:04:05] alice: hi", formatPlain(text))

	logEnv := protocol.Envelope{SeqNum: 4, Timestamp: ts, Sender: "bob", Type: protocol.TypeCallLog, Payload: protocol.MustPayload(protocol.CallLogPayload{CallType: "video", DurationSeconds: 42})}
	assert.Equal(t, "[#4 15:04:05] bob call-log: video call, 42s", formatPlain(logEnv))

	live := protocol.Envelope{Timestamp: ts, Sender: "carol", Type: protocol.TypeSignal, Payload: protocol.MustPayload(protocol.Signal{Kind: protocol.KindReady, SenderID: "carol"})}
	assert.Equal(t, "[15:04:05] carol signal: ready carol -> *", formatPlain(live))
}

func TestFormatColor(t *testing.T) {
	env := protocol.Envelope{SeqNum: 1, Sender: "alice", Type: protocol.TypeText, Payload: protocol.MustPayload(protocol.TextPayload{Text: "hi"})}
	out := formatColor(env)
	assert.Contains(t, out, senderColor("alice")+"alice"+ansiReset)
	assert.True(t, strings.HasSuffix(out, ": hi"))
	assert.Equal(t, senderColor("alice"), senderColor("alice"))
}

func TestPrintViewChanges(t *testing.T) {
	seen := make(map[string]call.PeerView)

	printViewChanges(seen, []call.PeerView{
		{ID: "a", State: call.PeerNew, ShowPlaceholder: true},
		{ID: "b", State: call.PeerOfferSent, ShowPlaceholder: true},
	})
	assert.Len(t, seen, 2)

	printViewChanges(seen, []call.PeerView{
		{ID: "b", State: call.PeerConnected, ShowPlaceholder: false},
	})
	assert.Len(t, seen, 1)
	assert.Equal(t, call.PeerConnected, seen["b"].State)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "a", displayName(call.PeerView{ID: "a"}))
	assert.Equal(t, "a", displayName(call.PeerView{ID: "a", Profile: call.Profile{Name: "a"}}))
	assert.Equal(t, "Ann (a)", displayName(call.PeerView{ID: "a", Profile: call.Profile{Name: "Ann"}}))
}

func TestFormatPresence(t *testing.T) {
	assert.Equal(t, "(nobody)", formatPresence(nil))
	assert.Equal(t, "a, b", formatPresence(protocol.Presence{"b": {}, "a": {}}))
}
