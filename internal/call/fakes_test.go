package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/realtime"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeTrack is a local device track.
type fakeTrack struct {
	mu      sync.Mutex
	kind    TrackKind
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

type fakeStream struct {
	tracks []LocalTrack
}

func (s *fakeStream) Tracks() []LocalTrack { return s.tracks }

func (s *fakeStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *fakeStream) stopped() bool {
	for _, t := range s.tracks {
		ft := t.(*fakeTrack)
		ft.mu.Lock()
		stopped := ft.stopped
		ft.mu.Unlock()
		if !stopped {
			return false
		}
	}
	return true
}

// fakeDevices hands out fake streams, or refuses when deny is set.
type fakeDevices struct {
	deny bool

	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDevices) Acquire(ctx context.Context, media Media) (LocalStream, error) {
	if d.deny {
		return nil, errors.New("permission denied")
	}
	s := &fakeStream{}
	if media.Audio {
		s.tracks = append(s.tracks, &fakeTrack{kind: KindAudio, enabled: true})
	}
	if media.Video {
		s.tracks = append(s.tracks, &fakeTrack{kind: KindVideo, enabled: true})
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

type fakeRemoteTrack struct {
	id   string
	kind TrackKind
}

func (t fakeRemoteTrack) ID() string      { return t.id }
func (t fakeRemoteTrack) Kind() TrackKind { return t.kind }

// fakeNet creates fake transports. A transport reports connected once it has
// both a local and a remote description, and delivers one remote track per
// local track kind when the remote description is applied.
type fakeNet struct {
	mu       sync.Mutex
	peers    map[string][]*fakePeer
	early    map[string][]string
	noTracks bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{peers: make(map[string][]*fakePeer), early: make(map[string][]string)}
}

func (n *fakeNet) factory(owner string) PeerFactory {
	return fakeFactory{net: n, owner: owner}
}

func (n *fakeNet) peersOf(owner string) []*fakePeer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fakePeer(nil), n.peers[owner]...)
}

type fakeFactory struct {
	net   *fakeNet
	owner string
}

func (f fakeFactory) NewPeer(peerID string) (PeerTransport, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	p := &fakePeer{owner: f.owner, remote: peerID, early: f.net.early[f.owner], noTracks: f.net.noTracks}
	f.net.peers[f.owner] = append(f.net.peers[f.owner], p)
	return p, nil
}

type fakePeer struct {
	owner    string
	remote   string
	early    []string
	noTracks bool

	mu         sync.Mutex
	kinds      []TrackKind
	localSet   bool
	remoteSet  bool
	connected  bool
	closed     bool
	candidates []ICECandidate
	onICE      func(ICECandidate)
	onTrack    func(RemoteTrack)
	onState    func(TransportState)
}

func (p *fakePeer) AddStream(stream LocalStream) error {
	p.mu.Lock()
	for _, t := range stream.Tracks() {
		p.kinds = append(p.kinds, t.Kind())
	}
	onICE := p.onICE
	p.mu.Unlock()
	// Candidates gathered before any description exists.
	for _, c := range p.early {
		onICE(ICECandidate{Candidate: c})
	}
	return nil
}

func (p *fakePeer) describe(kind string) SessionDescription {
	p.mu.Lock()
	p.localSet = true
	onICE := p.onICE
	p.mu.Unlock()
	go onICE(ICECandidate{Candidate: fmt.Sprintf("%s-%s-%s", p.owner, p.remote, kind)})
	p.maybeConnect()
	return SessionDescription{Type: kind, SDP: "v=0 " + p.owner}
}

func (p *fakePeer) CreateOffer(ctx context.Context) (SessionDescription, error) {
	return p.describe("offer"), nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	return p.describe("answer"), nil
}

func (p *fakePeer) SetRemoteDescription(desc SessionDescription) error {
	p.mu.Lock()
	p.remoteSet = true
	kinds := append([]TrackKind(nil), p.kinds...)
	onTrack := p.onTrack
	p.mu.Unlock()
	if !p.noTracks {
		for _, k := range kinds {
			t := fakeRemoteTrack{id: fmt.Sprintf("%s-%s", p.remote, k), kind: k}
			go onTrack(t)
		}
	}
	p.maybeConnect()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	fire := p.localSet && p.remoteSet && !p.connected && !p.closed
	if fire {
		p.connected = true
	}
	onState := p.onState
	p.mu.Unlock()
	if fire {
		go onState(TransportConnected)
	}
}

func (p *fakePeer) AddICECandidate(c ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(ICECandidate)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(TransportState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// fail reports a transport state change as if the network had raised it.
func (p *fakePeer) fail(s TransportState) {
	p.mu.Lock()
	onState := p.onState
	p.mu.Unlock()
	onState(s)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) remoteCandidates() []ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ICECandidate(nil), p.candidates...)
}

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

type logEntry struct {
	room  string
	entry protocol.CallLogPayload
}

type fakeCallLog struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *fakeCallLog) LogCall(ctx context.Context, roomID string, entry protocol.CallLogPayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{room: roomID, entry: entry})
	return nil
}

func (l *fakeCallLog) all() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), l.entries...)
}

type upperDirectory struct{}

func (upperDirectory) Profile(ctx context.Context, userID string) (Profile, error) {
	return Profile{ID: userID, Name: strings.ToUpper(userID)}, nil
}

// gatedClient delays the subscriptions of its channels until open is called.
type gatedClient struct {
	realtime.Client
	gate chan struct{}
}

func newGatedClient(inner realtime.Client) *gatedClient {
	return &gatedClient{Client: inner, gate: make(chan struct{})}
}

func (c *gatedClient) open() { close(c.gate) }

func (c *gatedClient) Channel(name string, opts realtime.ChannelOptions) realtime.Channel {
	return &gatedChannel{Channel: c.Client.Channel(name, opts), gate: c.gate}
}

type gatedChannel struct {
	realtime.Channel
	gate chan struct{}
}

func (ch *gatedChannel) Subscribe(onStatus func(realtime.Status)) error {
	go func() {
		<-ch.gate
		if err := ch.Channel.Subscribe(onStatus); err != nil {
			onStatus(realtime.StatusError)
		}
	}()
	return nil
}

// signalSpy records every signal sent on a channel.
type signalSpy struct {
	mu      sync.Mutex
	signals []protocol.Signal
}

func newSignalSpy(t *testing.T, bus *realtime.Bus, channel string) *signalSpy {
	t.Helper()
	spy := &signalSpy{}
	ch := bus.Client("spy").Channel(channel, realtime.ChannelOptions{PresenceKey: "spy-observer"})
	ch.On(protocol.TypeSignal, func(m realtime.Message) {
		var sig protocol.Signal
		if m.Decode(&sig) == nil {
			spy.mu.Lock()
			spy.signals = append(spy.signals, sig)
			spy.mu.Unlock()
		}
	})
	require.NoError(t, ch.Subscribe(func(realtime.Status) {}))
	t.Cleanup(func() { ch.Close() })
	return spy
}

func (s *signalSpy) all() []protocol.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Signal(nil), s.signals...)
}

func (s *signalSpy) count(kind protocol.SignalKind) int {
	n := 0
	for _, sig := range s.all() {
		if sig.Kind == kind {
			n++
		}
	}
	return n
}

func (s *signalSpy) from(sender string, kind protocol.SignalKind) int {
	n := 0
	for _, sig := range s.all() {
		if sig.Kind == kind && sig.SenderID == sender {
			n++
		}
	}
	return n
}

// harness wires participants to one in-process bus.
type harness struct {
	t     *testing.T
	bus   *realtime.Bus
	clock *fakeClock
	net   *fakeNet
	logs  *fakeCallLog
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:     t,
		bus:   realtime.NewBus(),
		clock: newFakeClock(),
		net:   newFakeNet(),
		logs:  &fakeCallLog{},
	}
}

func (h *harness) cfg(id string) Config {
	return Config{
		LocalID:   id,
		Realtime:  h.bus.Client(id),
		Devices:   &fakeDevices{},
		Peers:     h.net.factory(id),
		CallLog:   h.logs,
		Directory: upperDirectory{},
		Clock:     h.clock,
		Logger:    quietLogger(),
	}
}

// ring subscribes id to its personal channel and returns received rings.
func (h *harness) ring(cfg Config) <-chan protocol.IncomingCall {
	h.t.Helper()
	rings := make(chan protocol.IncomingCall, 4)
	l, err := ListenForCalls(cfg, nil, RingHandlers{
		OnRing: func(inv protocol.IncomingCall) { rings <- inv },
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { l.Close() })
	return rings
}

func nextRing(t *testing.T, rings <-chan protocol.IncomingCall) protocol.IncomingCall {
	t.Helper()
	select {
	case inv := <-rings:
		return inv
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for ring")
		return protocol.IncomingCall{}
	}
}

func waitState(t *testing.T, want State, states ...func() State) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, st := range states {
			if st() != want {
				return false
			}
		}
		return true
	}, waitTimeout, 5*time.Millisecond)
}
