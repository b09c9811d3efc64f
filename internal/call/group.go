package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/realtime"
	log "github.com/sirupsen/logrus"
)

// PeerView is the rendering state of one remote participant.
type PeerView struct {
	ID      string
	Profile Profile
	State   PeerState
	Tracks  []RemoteTrack
	// ShowPlaceholder stays true until the first remote track arrives,
	// regardless of connection state.
	ShowPlaceholder bool
}

// GroupSession is a full-mesh call. Participants discover each other through
// presence on the room channel, and for every pair the participant with the
// smaller id offers.
type GroupSession struct {
	cfg     Config
	roomID  string
	localID string
	media   Media
	log     log.FieldLogger

	loop   *loop
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the loop.
	stream     LocalStream
	channel    realtime.Channel
	subscribed bool
	pending    realtime.Presence
	peers      map[string]*peerHandle

	mu     sync.RWMutex
	state  State
	reason EndReason
	views  map[string]*PeerView

	onPeerJoined func(PeerView)
	onPeerLeft   func(id string)
}

// NewGroupSession prepares a group call in roomID. Nothing happens until Join.
func NewGroupSession(cfg Config, roomID string, media Media) *GroupSession {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupSession{
		cfg:     cfg,
		roomID:  roomID,
		localID: cfg.LocalID,
		media:   media,
		log:     cfg.Logger.WithFields(log.Fields{"room": roomID, "group": true}),
		loop:    newLoop(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		peers:   make(map[string]*peerHandle),
		state:   StateIdle,
		views:   make(map[string]*PeerView),
	}
}

// OnPeerJoined and OnPeerLeft observe the participant set. Register before
// Join; callbacks run on the session goroutine.
func (g *GroupSession) OnPeerJoined(fn func(PeerView)) { g.onPeerJoined = fn }
func (g *GroupSession) OnPeerLeft(fn func(id string))  { g.onPeerLeft = fn }

func (g *GroupSession) RoomID() string        { return g.roomID }
func (g *GroupSession) Media() Media          { return g.media }
func (g *GroupSession) Done() <-chan struct{} { return g.done }

func (g *GroupSession) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *GroupSession) EndReason() EndReason {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reason
}

// Views returns every remote participant sorted by id.
func (g *GroupSession) Views() []PeerView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]PeerView, 0, len(g.views))
	for _, v := range g.views {
		cp := *v
		cp.Tracks = append([]RemoteTrack(nil), v.Tracks...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LocalPreviewVisible reports whether the local camera preview should show.
func (g *GroupSession) LocalPreviewVisible() bool {
	if !g.media.Video {
		return false
	}
	var visible bool
	g.loop.call(func() { visible = tracksEnabled(g.stream, KindVideo) })
	return visible
}

func (g *GroupSession) setState(st State) {
	g.mu.Lock()
	g.state = st
	g.mu.Unlock()
	g.log.WithField("state", st).Debug("group state")
}

func (g *GroupSession) ended() bool { return g.State() == StateEnded }

// Join acquires local media, subscribes to the room channel and announces
// presence once the subscription is confirmed.
func (g *GroupSession) Join(ctx context.Context) error {
	if st := g.State(); st != StateIdle {
		return fmt.Errorf("%w: join in %s", ErrInvalidState, st)
	}
	stream, err := g.cfg.Devices.Acquire(ctx, g.media)
	if err != nil {
		g.log.WithError(err).Warn("local media unavailable")
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	var joinErr error
	if !g.loop.call(func() { joinErr = g.join(stream) }) {
		stream.Stop()
		return ErrSessionEnded
	}
	return joinErr
}

func (g *GroupSession) join(stream LocalStream) error {
	if st := g.State(); st != StateIdle {
		stream.Stop()
		return fmt.Errorf("%w: join in %s", ErrInvalidState, st)
	}
	g.stream = stream

	ch := g.cfg.Realtime.Channel(protocol.GroupCallChannel(g.roomID), realtime.ChannelOptions{PresenceKey: g.localID})
	ch.On(protocol.TypeSignal, func(m realtime.Message) {
		g.loop.post(func() { g.onSignal(m) })
	})
	ch.OnPresenceSync(func(p realtime.Presence) {
		g.loop.post(func() { g.onPresence(p) })
	})
	if err := ch.Subscribe(func(st realtime.Status) {
		g.loop.post(func() { g.onChannelStatus(st) })
	}); err != nil {
		ch.Close()
		stream.Stop()
		g.stream = nil
		return fmt.Errorf("join %s: %w", ch.Name(), err)
	}
	g.channel = ch
	g.setState(StateNegotiating)
	return nil
}

func (g *GroupSession) onChannelStatus(st realtime.Status) {
	if g.ended() {
		return
	}
	switch st {
	case realtime.StatusSubscribed:
		g.subscribed = true
		meta := map[string]string{"name": g.cfg.Name, "media": g.media.CallType()}
		if err := g.channel.Track(g.ctx, meta); err != nil {
			g.log.WithError(err).Warn("track presence failed")
		}
		g.setState(StateConnected)
		if g.pending != nil {
			p := g.pending
			g.pending = nil
			g.onPresence(p)
		}
	case realtime.StatusClosed, realtime.StatusError:
		g.subscribed = false
		g.log.WithField("status", st).Warn("group channel lost")
		g.leave(ReasonTransportLost)
	}
}

// onPresence reconciles the peer set with a presence snapshot.
func (g *GroupSession) onPresence(p realtime.Presence) {
	if g.ended() {
		return
	}
	if !g.subscribed {
		g.pending = p
		return
	}
	for id := range g.peers {
		if _, ok := p[id]; !ok {
			g.removePeer(id)
		}
	}

	joined := make([]string, 0, len(p))
	for id := range p {
		if id == g.localID {
			continue
		}
		if _, ok := g.peers[id]; !ok {
			joined = append(joined, id)
		}
	}
	sort.Strings(joined)
	for _, id := range joined {
		h, err := g.addPeer(id)
		if err != nil {
			g.log.WithError(err).WithField("peer", id).Warn("add peer failed")
			continue
		}
		if ShouldOffer(g.localID, id) {
			g.offer(h)
		}
	}
}

func (g *GroupSession) addPeer(id string) (*peerHandle, error) {
	h, err := newPeerHandle(g.cfg.Peers, id, g.stream, g.loop.post, peerEvents{
		onICE:   g.onLocalCandidate,
		onTrack: g.onTrack,
		onState: g.onTransportState,
	}, g.log)
	if err != nil {
		return nil, err
	}
	g.peers[id] = h

	view := &PeerView{ID: id, Profile: Profile{ID: id, Name: id}, State: PeerNew, ShowPlaceholder: true}
	g.mu.Lock()
	g.views[id] = view
	g.mu.Unlock()
	g.fetchProfile(id)

	g.log.WithField("peer", id).Info("peer joined")
	if g.onPeerJoined != nil {
		g.onPeerJoined(*view)
	}
	return h, nil
}

// fetchProfile resolves display metadata off the loop.
func (g *GroupSession) fetchProfile(id string) {
	if g.cfg.Directory == nil {
		return
	}
	go func() {
		p, err := g.cfg.Directory.Profile(g.ctx, id)
		if err != nil {
			g.log.WithError(err).WithField("peer", id).Debug("profile lookup failed")
			return
		}
		g.loop.post(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if v, ok := g.views[id]; ok {
				v.Profile = p
			}
		})
	}()
}

func (g *GroupSession) removePeer(id string) {
	h, ok := g.peers[id]
	if !ok {
		return
	}
	h.close()
	delete(g.peers, id)
	g.mu.Lock()
	delete(g.views, id)
	g.mu.Unlock()
	g.log.WithField("peer", id).Info("peer left")
	if g.onPeerLeft != nil {
		g.onPeerLeft(id)
	}
}

func (g *GroupSession) setPeerState(h *peerHandle, ps PeerState) {
	h.state = ps
	g.mu.Lock()
	if v, ok := g.views[h.id]; ok {
		v.State = ps
	}
	g.mu.Unlock()
}

func (g *GroupSession) send(to string, kind protocol.SignalKind, payload json.RawMessage) {
	sig := protocol.Signal{SenderID: g.localID, TargetID: to, Kind: kind, Payload: payload}
	if err := g.channel.Send(g.ctx, protocol.TypeSignal, sig); err != nil {
		g.log.WithError(err).WithFields(log.Fields{"peer": to, "kind": kind}).Warn("send signal failed")
	}
}

func (g *GroupSession) offer(h *peerHandle) {
	payload, err := h.offer(g.ctx)
	if err != nil {
		g.log.WithError(err).WithField("peer", h.id).Warn("offer failed")
		g.removePeer(h.id)
		return
	}
	g.setPeerState(h, PeerOfferSent)
	g.send(h.id, protocol.KindOffer, payload)
}

func (g *GroupSession) onSignal(m realtime.Message) {
	if g.ended() {
		return
	}
	var sig protocol.Signal
	if err := m.Decode(&sig); err != nil {
		g.log.WithError(err).Debug("discarding malformed signal")
		return
	}
	if !sig.Accepts(g.localID) {
		return
	}

	switch sig.Kind {
	case protocol.KindOffer:
		if ShouldOffer(g.localID, sig.SenderID) {
			// We are the offering side for this pair.
			return
		}
		h, ok := g.peers[sig.SenderID]
		if ok && h.state != PeerNew {
			// The offerer dropped its side and started over.
			g.log.WithFields(log.Fields{"peer": h.id, "state": h.state}).Info("renegotiating peer")
			g.removePeer(h.id)
			ok = false
		}
		if !ok {
			var err error
			if h, err = g.addPeer(sig.SenderID); err != nil {
				g.log.WithError(err).WithField("peer", sig.SenderID).Warn("add peer failed")
				return
			}
		}
		payload, err := h.answer(g.ctx, sig.Payload)
		if err != nil {
			g.log.WithError(err).WithField("peer", h.id).Warn("answer failed")
			g.removePeer(h.id)
			return
		}
		g.setPeerState(h, PeerAnswerSent)
		g.send(h.id, protocol.KindAnswer, payload)
	case protocol.KindAnswer:
		h, ok := g.peers[sig.SenderID]
		if sig.TargetID != g.localID || !ok || h.state != PeerOfferSent || h.remoteSet {
			return
		}
		if err := h.setRemote(sig.Payload); err != nil {
			g.log.WithError(err).WithField("peer", h.id).Warn("apply answer failed")
		}
	case protocol.KindICECandidate:
		h, ok := g.peers[sig.SenderID]
		if sig.TargetID != g.localID || !ok {
			return
		}
		if err := h.addRemoteCandidate(sig.Payload); err != nil {
			g.log.WithError(err).WithField("peer", h.id).Debug("remote candidate rejected")
		}
	}
}

func (g *GroupSession) onLocalCandidate(h *peerHandle, c ICECandidate) {
	if g.ended() || h.closed() || g.peers[h.id] != h {
		return
	}
	g.send(h.id, protocol.KindICECandidate, protocol.MustPayload(c))
}

func (g *GroupSession) onTrack(h *peerHandle, t RemoteTrack) {
	if g.ended() || g.peers[h.id] != h {
		return
	}
	h.tracks = append(h.tracks, t)
	g.mu.Lock()
	if v, ok := g.views[h.id]; ok {
		v.Tracks = append(v.Tracks, t)
		v.ShowPlaceholder = false
	}
	g.mu.Unlock()
}

func (g *GroupSession) onTransportState(h *peerHandle, ts TransportState) {
	if g.ended() || g.peers[h.id] != h {
		return
	}
	switch ts {
	case TransportConnected:
		g.setPeerState(h, PeerConnected)
	case TransportFailed, TransportClosed:
		// Dropped here and re-added by the next presence sync. If the other
		// side still holds a connected handle, a fresh offer from the lower
		// id replaces it.
		g.log.WithFields(log.Fields{"peer": h.id, "transport": ts}).Warn("peer transport lost")
		g.removePeer(h.id)
	}
}

// ToggleAudio flips the local microphone and returns whether it is enabled.
func (g *GroupSession) ToggleAudio() bool {
	var enabled bool
	g.loop.call(func() { enabled = toggleTracks(g.stream, KindAudio) })
	return enabled
}

// ToggleVideo flips the local camera and returns whether it is enabled.
func (g *GroupSession) ToggleVideo() bool {
	var enabled bool
	g.loop.call(func() { enabled = toggleTracks(g.stream, KindVideo) })
	return enabled
}

// Leave stops local media, closes every peer and drops presence. Other
// participants notice through presence sync; nothing is broadcast.
func (g *GroupSession) Leave() {
	g.loop.call(func() { g.leave(ReasonLocalHangup) })
}

func (g *GroupSession) leave(reason EndReason) {
	if g.ended() {
		return
	}
	if g.stream != nil {
		g.stream.Stop()
	}
	for id, h := range g.peers {
		h.close()
		delete(g.peers, id)
	}
	if g.channel != nil {
		if g.subscribed {
			if err := g.channel.Untrack(g.ctx); err != nil {
				g.log.WithError(err).Debug("untrack failed")
			}
		}
		g.channel.Close()
	}

	g.mu.Lock()
	g.views = make(map[string]*PeerView)
	g.reason = reason
	g.mu.Unlock()
	g.setState(StateEnded)
	g.log.WithField("reason", reason).Info("left group call")

	g.cancel()
	g.loop.stop()
	close(g.done)
}
