package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldOffer(t *testing.T) {
	tests := []struct {
		local, remote string
		want          bool
	}{
		{"a", "b", true},
		{"b", "a", false},
		{"alice", "alicia", true},
		{"user-10", "user-9", true},
		{"same", "same", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldOffer(tt.local, tt.remote), "%s vs %s", tt.local, tt.remote)
	}
}

func joinGroup(t *testing.T, h *harness, id string) *GroupSession {
	t.Helper()
	g := NewGroupSession(h.cfg(id), "standup", AudioVideo)
	require.NoError(t, g.Join(context.Background()))
	t.Cleanup(g.Leave)
	return g
}

func connectedPeers(g *GroupSession) []string {
	var ids []string
	for _, v := range g.Views() {
		if v.State == PeerConnected {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func TestGroup_ThreeWayMesh(t *testing.T) {
	h := newHarness(t)
	spy := newSignalSpy(t, h.bus, protocol.GroupCallChannel("standup"))

	a := joinGroup(t, h, "a")
	b := joinGroup(t, h, "b")
	c := joinGroup(t, h, "c")

	for _, tc := range []struct {
		g    *GroupSession
		want []string
	}{
		{a, []string{"b", "c"}},
		{b, []string{"a", "c"}},
		{c, []string{"a", "b"}},
	} {
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(tc.want, connectedPeers(tc.g))
		}, waitTimeout, 5*time.Millisecond)
	}

	require.Eventually(t, func() bool { return spy.count(protocol.KindAnswer) == 3 }, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 2, spy.from("a", protocol.KindOffer))
	assert.Equal(t, 1, spy.from("b", protocol.KindOffer))
	assert.Equal(t, 0, spy.from("c", protocol.KindOffer))
	for _, sig := range spy.all() {
		if sig.Kind == protocol.KindOffer {
			assert.True(t, ShouldOffer(sig.SenderID, sig.TargetID), "%s offered to %s", sig.SenderID, sig.TargetID)
		}
	}

	require.Eventually(t, func() bool {
		for _, v := range a.Views() {
			if v.Profile.Name != map[string]string{"b": "B", "c": "C"}[v.ID] {
				return false
			}
		}
		return true
	}, waitTimeout, 5*time.Millisecond)
	for _, v := range a.Views() {
		assert.False(t, v.ShowPlaceholder)
		assert.Len(t, v.Tracks, 2)
	}
}

func TestGroup_DepartureClosesPeer(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var left []string
	a := NewGroupSession(h.cfg("a"), "standup", AudioOnly)
	a.OnPeerLeft(func(id string) {
		mu.Lock()
		left = append(left, id)
		mu.Unlock()
	})
	require.NoError(t, a.Join(context.Background()))
	defer a.Leave()

	b := joinGroup(t, h, "b")
	c := joinGroup(t, h, "c")
	require.Eventually(t, func() bool { return len(connectedPeers(a)) == 2 && len(connectedPeers(b)) == 2 }, waitTimeout, 5*time.Millisecond)

	c.Leave()
	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, ReasonLocalHangup, c.EndReason())
	assert.Empty(t, c.Views())

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"b"}, connectedPeers(a)) &&
			assert.ObjectsAreEqual([]string{"a"}, connectedPeers(b))
	}, waitTimeout, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"c"}, left)
	mu.Unlock()

	for _, p := range h.net.peersOf("a") {
		assert.Equal(t, p.remote == "c", p.isClosed(), "peer %s", p.remote)
	}
	for _, p := range h.net.peersOf("c") {
		assert.True(t, p.isClosed())
	}
	assert.Equal(t, StateConnected, a.State())
}

func TestGroup_OneSidedFailureRenegotiates(t *testing.T) {
	h := newHarness(t)

	a := joinGroup(t, h, "a")
	b := joinGroup(t, h, "b")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"b"}, connectedPeers(a)) &&
			assert.ObjectsAreEqual([]string{"a"}, connectedPeers(b))
	}, waitTimeout, 5*time.Millisecond)

	// Only a's side of the pair notices the failure.
	failed := h.net.peersOf("a")[0]
	failed.fail(TransportFailed)
	require.Eventually(t, failed.isClosed, waitTimeout, 5*time.Millisecond)
	oldB := h.net.peersOf("b")[0]
	assert.False(t, oldB.isClosed())

	// The next presence sync makes a offer again.
	joinGroup(t, h, "c")

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"b", "c"}, connectedPeers(a)) &&
			assert.ObjectsAreEqual([]string{"a", "c"}, connectedPeers(b))
	}, waitTimeout, 5*time.Millisecond)
	assert.True(t, oldB.isClosed())

	var toB []*fakePeer
	for _, p := range h.net.peersOf("a") {
		if p.remote == "b" {
			toB = append(toB, p)
		}
	}
	require.Len(t, toB, 2)
	assert.False(t, toB[1].isClosed())
}

func TestGroup_PlaceholderUntilFirstTrack(t *testing.T) {
	h := newHarness(t)
	h.net.noTracks = true

	a := joinGroup(t, h, "a")
	joinGroup(t, h, "b")

	require.Eventually(t, func() bool { return len(connectedPeers(a)) == 1 }, waitTimeout, 5*time.Millisecond)
	views := a.Views()
	require.Len(t, views, 1)
	assert.True(t, views[0].ShowPlaceholder)
	assert.Empty(t, views[0].Tracks)
}

func TestGroup_LocalPreviewFollowsCamera(t *testing.T) {
	h := newHarness(t)
	a := joinGroup(t, h, "a")

	assert.True(t, a.LocalPreviewVisible())
	assert.False(t, a.ToggleVideo())
	assert.False(t, a.LocalPreviewVisible())
	assert.True(t, a.ToggleVideo())
	assert.True(t, a.LocalPreviewVisible())

	audio := NewGroupSession(h.cfg("z"), "other", AudioOnly)
	require.NoError(t, audio.Join(context.Background()))
	defer audio.Leave()
	assert.False(t, audio.LocalPreviewVisible())
}

func TestGroup_LeaveSendsNothing(t *testing.T) {
	h := newHarness(t)
	spy := newSignalSpy(t, h.bus, protocol.GroupCallChannel("standup"))

	a := joinGroup(t, h, "a")
	waitState(t, StateConnected, a.State)
	a.Leave()
	a.Leave()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, spy.all())
	// Only the spy is left on the channel.
	assert.Equal(t, 1, h.bus.Subscribers(protocol.GroupCallChannel("standup")))
}

func TestGroup_ChannelLossEndsSession(t *testing.T) {
	h := newHarness(t)
	a := joinGroup(t, h, "a")
	b := joinGroup(t, h, "b")
	require.Eventually(t, func() bool { return len(connectedPeers(a)) == 1 }, waitTimeout, 5*time.Millisecond)

	h.bus.CloseTopic(protocol.GroupCallChannel("standup"))

	waitState(t, StateEnded, a.State, b.State)
	assert.Equal(t, ReasonTransportLost, a.EndReason())
	for _, p := range h.net.peersOf("a") {
		assert.True(t, p.isClosed())
	}
}

func TestGroup_DeniedMedia(t *testing.T) {
	h := newHarness(t)
	cfg := h.cfg("a")
	cfg.Devices = &fakeDevices{deny: true}

	g := NewGroupSession(cfg, "standup", AudioVideo)
	require.ErrorIs(t, g.Join(context.Background()), ErrMediaUnavailable)
	assert.Equal(t, StateIdle, g.State())
	assert.Zero(t, h.bus.Subscribers(protocol.GroupCallChannel("standup")))
}
