package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/realtime"
	log "github.com/sirupsen/logrus"
)

// Session is one 1:1 call. The caller offers once it knows the callee is
// subscribed to the room channel; the callee only ever answers.
type Session struct {
	cfg      Config
	roomID   string
	role     Role
	localID  string
	remoteID string
	media    Media
	log      log.FieldLogger

	loop   *loop
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the loop.
	stream      LocalStream
	channel     realtime.Channel
	peer        *peerHandle
	subscribed  bool
	readySeen   bool
	offerSeen   bool
	outgoingICE []ICECandidate
	ringTimer   Timer
	connectedAt time.Time

	// Snapshot for readers outside the loop.
	mu        sync.RWMutex
	state     State
	peerState PeerState
	reason    EndReason
	duration  time.Duration
	minimized bool
	remote    []RemoteTrack

	onState       func(State)
	onRemoteTrack func(RemoteTrack)
}

// NewOutgoing prepares a call from the local user to remoteID in the
// conversation roomID. Nothing happens until Start.
func NewOutgoing(cfg Config, roomID, remoteID string, media Media) *Session {
	return newSession(cfg, roomID, remoteID, RoleCaller, media, StateIdle)
}

// NewIncoming wraps a received ring. The session starts RINGING.
func NewIncoming(cfg Config, inv protocol.IncomingCall) *Session {
	media := MediaFor(inv.CallType)
	if inv.Video {
		media = AudioVideo
	}
	return newSession(cfg, inv.RoomID, inv.CallerID, RoleCallee, media, StateRinging)
}

func newSession(cfg Config, roomID, remoteID string, role Role, media Media, initial State) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		roomID:   roomID,
		role:     role,
		localID:  cfg.LocalID,
		remoteID: remoteID,
		media:    media,
		log: cfg.Logger.WithFields(log.Fields{
			"room": roomID,
			"role": role,
			"peer": remoteID,
		}),
		loop:      newLoop(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     initial,
		peerState: PeerNew,
	}
}

// OnStateChange registers fn for every state transition. Register before
// Start or Accept. fn runs on the session goroutine and must not call back
// into the session synchronously.
func (s *Session) OnStateChange(fn func(State)) { s.onState = fn }

// OnRemoteTrack registers fn for tracks arriving from the peer.
func (s *Session) OnRemoteTrack(fn func(RemoteTrack)) { s.onRemoteTrack = fn }

func (s *Session) RoomID() string   { return s.roomID }
func (s *Session) Role() Role       { return s.role }
func (s *Session) RemoteID() string { return s.remoteID }
func (s *Session) Media() Media     { return s.media }

// Done is closed once the session has ended and released every resource.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PeerState returns the negotiation state with the remote participant.
func (s *Session) PeerState() PeerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerState
}

// EndReason is empty until the session ends.
func (s *Session) EndReason() EndReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Duration is the connected time, known once the session ends.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duration
}

// RemoteTracks returns the tracks received so far.
func (s *Session) RemoteTracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RemoteTrack(nil), s.remote...)
}

// SetMinimized records the presentation state. It has no effect on the call.
func (s *Session) SetMinimized(minimized bool) {
	s.mu.Lock()
	s.minimized = minimized
	s.mu.Unlock()
}

func (s *Session) Minimized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minimized
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev == st {
		return
	}
	s.log.WithField("state", st).Debugf("%s -> %s", prev, st)
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Session) setPeerState(ps PeerState) {
	if s.peer != nil {
		s.peer.state = ps
	}
	s.mu.Lock()
	s.peerState = ps
	s.mu.Unlock()
}

// Start places the call. Local media is acquired first; if that fails the
// session stays IDLE and nothing is sent.
func (s *Session) Start(ctx context.Context) error {
	if s.role != RoleCaller {
		return fmt.Errorf("%w: start on %s session", ErrInvalidState, s.role)
	}
	if st := s.State(); st != StateIdle {
		return fmt.Errorf("%w: start in %s", ErrInvalidState, st)
	}

	stream, err := s.cfg.Devices.Acquire(ctx, s.media)
	if err != nil {
		s.log.WithError(err).Warn("local media unavailable")
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	var startErr error
	if !s.loop.call(func() { startErr = s.dial(ctx, stream) }) {
		stream.Stop()
		return ErrSessionEnded
	}
	return startErr
}

func (s *Session) dial(ctx context.Context, stream LocalStream) error {
	if st := s.State(); st != StateIdle {
		stream.Stop()
		return fmt.Errorf("%w: start in %s", ErrInvalidState, st)
	}
	s.stream = stream

	if err := s.createPeer(); err != nil {
		s.end(ReasonMediaFailure, false)
		return err
	}

	// Join before ringing so an immediate busy reply is not missed.
	if err := s.join(); err != nil {
		s.end(ReasonTransportLost, false)
		return err
	}

	ring := protocol.IncomingCall{
		RoomID:   s.roomID,
		CallerID: s.localID,
		CallType: s.media.CallType(),
		Audio:    s.media.Audio,
		Video:    s.media.Video,
	}
	if err := s.cfg.Realtime.Broadcast(ctx, protocol.UserChannel(s.remoteID), protocol.TypeIncomingCall, ring); err != nil {
		s.end(ReasonTransportLost, false)
		return fmt.Errorf("ring %s: %w", s.remoteID, err)
	}
	s.setState(StateDialing)
	s.armRingTimer()
	return nil
}

// Accept answers a ringing call: acquire media, join the room channel and
// wait for the caller's offer.
func (s *Session) Accept(ctx context.Context) error {
	if s.role != RoleCallee {
		return fmt.Errorf("%w: accept on %s session", ErrInvalidState, s.role)
	}
	if st := s.State(); st != StateRinging {
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, st)
	}

	stream, err := s.cfg.Devices.Acquire(ctx, s.media)
	if err != nil {
		s.log.WithError(err).Warn("local media unavailable")
		s.loop.call(func() { s.end(ReasonMediaFailure, true) })
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	var acceptErr error
	if !s.loop.call(func() { acceptErr = s.answerCall(stream) }) {
		stream.Stop()
		return ErrSessionEnded
	}
	return acceptErr
}

func (s *Session) answerCall(stream LocalStream) error {
	if st := s.State(); st != StateRinging {
		stream.Stop()
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, st)
	}
	s.stream = stream
	if err := s.createPeer(); err != nil {
		s.end(ReasonMediaFailure, true)
		return err
	}
	if err := s.join(); err != nil {
		s.end(ReasonTransportLost, true)
		return err
	}
	s.setState(StateNegotiating)
	s.armRingTimer()
	return nil
}

// Decline rejects a ringing call.
func (s *Session) Decline() {
	s.loop.call(func() {
		if s.State() == StateRinging {
			s.end(ReasonDeclined, true)
		}
	})
}

// dismiss drops a ring that was withdrawn by the caller.
func (s *Session) dismiss() {
	s.loop.call(func() {
		if s.State() == StateRinging {
			s.end(ReasonRemoteHangup, false)
		}
	})
}

// Hangup ends the call locally. It is safe to call in any state and more
// than once.
func (s *Session) Hangup() {
	s.loop.call(func() { s.end(ReasonLocalHangup, true) })
}

// ToggleAudio flips the local microphone and returns whether it is now
// enabled. Nothing is signaled to the peer.
func (s *Session) ToggleAudio() bool {
	var enabled bool
	s.loop.call(func() { enabled = toggleTracks(s.stream, KindAudio) })
	return enabled
}

// ToggleVideo flips the local camera and returns whether it is now enabled.
func (s *Session) ToggleVideo() bool {
	var enabled bool
	s.loop.call(func() { enabled = toggleTracks(s.stream, KindVideo) })
	return enabled
}

func (s *Session) createPeer() error {
	h, err := newPeerHandle(s.cfg.Peers, s.remoteID, s.stream, s.loop.post, peerEvents{
		onICE:   s.onLocalCandidate,
		onTrack: s.onTrack,
		onState: s.onTransportState,
	}, s.log)
	if err != nil {
		return err
	}
	s.peer = h
	return nil
}

func (s *Session) join() error {
	ch := s.cfg.Realtime.Channel(protocol.CallChannel(s.roomID), realtime.ChannelOptions{})
	ch.On(protocol.TypeSignal, func(m realtime.Message) {
		s.loop.post(func() { s.onSignal(m) })
	})
	if err := ch.Subscribe(func(st realtime.Status) {
		s.loop.post(func() { s.onChannelStatus(st) })
	}); err != nil {
		ch.Close()
		return fmt.Errorf("join %s: %w", ch.Name(), err)
	}
	s.channel = ch
	return nil
}

func (s *Session) armRingTimer() {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	s.ringTimer = s.cfg.Clock.AfterFunc(s.cfg.RingTimeout, func() {
		s.loop.post(func() {
			if st := s.State(); st != StateConnected && st != StateEnded {
				s.log.Info("call not answered in time")
				s.end(ReasonNoAnswer, true)
			}
		})
	})
}

func (s *Session) ended() bool { return s.State() == StateEnded }

func (s *Session) onChannelStatus(st realtime.Status) {
	if s.ended() {
		return
	}
	switch st {
	case realtime.StatusSubscribed:
		s.subscribed = true
		for _, c := range s.outgoingICE {
			s.sendSignal(protocol.KindICECandidate, protocol.MustPayload(c), "")
		}
		s.outgoingICE = nil
		// Both sides announce readiness. The caller's READY prompts a
		// callee that subscribed first to repeat its own.
		s.sendSignal(protocol.KindReady, nil, "")
		s.maybeOffer()
	case realtime.StatusClosed, realtime.StatusError:
		s.subscribed = false
		s.log.WithField("status", st).Warn("signaling channel lost")
		s.end(ReasonTransportLost, false)
	}
}

func (s *Session) sendSignal(kind protocol.SignalKind, payload json.RawMessage, reason EndReason) {
	sig := protocol.Signal{
		SenderID: s.localID,
		TargetID: s.remoteID,
		Role:     string(s.role),
		Kind:     kind,
		Payload:  payload,
		Reason:   string(reason),
	}
	if err := s.channel.Send(s.ctx, protocol.TypeSignal, sig); err != nil {
		s.log.WithError(err).WithField("kind", kind).Warn("send signal failed")
	}
}

// maybeOffer sends the single offer once the callee is known to be ready
// and our own subscription is confirmed.
func (s *Session) maybeOffer() {
	if s.role != RoleCaller || !s.subscribed || !s.readySeen || s.peer == nil || s.peer.state != PeerNew {
		return
	}
	payload, err := s.peer.offer(s.ctx)
	if err != nil {
		s.log.WithError(err).Error("offer failed")
		s.end(ReasonMediaFailure, true)
		return
	}
	s.setPeerState(PeerOfferSent)
	s.sendSignal(protocol.KindOffer, payload, "")
	s.setState(StateNegotiating)
}

func (s *Session) onSignal(m realtime.Message) {
	if s.ended() {
		return
	}
	var sig protocol.Signal
	if err := m.Decode(&sig); err != nil {
		s.log.WithError(err).Debug("discarding malformed signal")
		return
	}
	if !sig.Accepts(s.localID) || sig.Role == string(s.role) || sig.SenderID != s.remoteID {
		return
	}

	switch sig.Kind {
	case protocol.KindReady:
		if s.role == RoleCaller {
			s.readySeen = true
			s.maybeOffer()
		} else if !s.offerSeen && s.subscribed {
			s.sendSignal(protocol.KindReady, nil, "")
		}
	case protocol.KindOffer:
		if s.role != RoleCallee || s.offerSeen {
			return
		}
		s.offerSeen = true
		payload, err := s.peer.answer(s.ctx, sig.Payload)
		if err != nil {
			s.log.WithError(err).Error("answer failed")
			s.end(ReasonMediaFailure, true)
			return
		}
		s.setPeerState(PeerAnswerSent)
		s.sendSignal(protocol.KindAnswer, payload, "")
	case protocol.KindAnswer:
		if s.role != RoleCaller || s.peer.state != PeerOfferSent || s.peer.remoteSet {
			return
		}
		if err := s.peer.setRemote(sig.Payload); err != nil {
			s.log.WithError(err).Error("apply answer failed")
			s.end(ReasonMediaFailure, true)
		}
	case protocol.KindICECandidate:
		if err := s.peer.addRemoteCandidate(sig.Payload); err != nil {
			s.log.WithError(err).Debug("remote candidate rejected")
		}
	case protocol.KindEndCall:
		s.end(remoteReason(sig.Reason), false)
	}
}

func (s *Session) onLocalCandidate(h *peerHandle, c ICECandidate) {
	if s.ended() || h != s.peer {
		return
	}
	if !s.subscribed {
		s.outgoingICE = append(s.outgoingICE, c)
		return
	}
	s.sendSignal(protocol.KindICECandidate, protocol.MustPayload(c), "")
}

func (s *Session) onTrack(h *peerHandle, t RemoteTrack) {
	if s.ended() || h != s.peer {
		return
	}
	h.tracks = append(h.tracks, t)
	s.mu.Lock()
	s.remote = append(s.remote, t)
	s.mu.Unlock()
	if s.onRemoteTrack != nil {
		s.onRemoteTrack(t)
	}
}

func (s *Session) onTransportState(h *peerHandle, ts TransportState) {
	if s.ended() || h != s.peer {
		return
	}
	switch ts {
	case TransportConnected:
		if s.State() == StateConnected {
			return
		}
		if s.ringTimer != nil {
			s.ringTimer.Stop()
		}
		s.connectedAt = s.cfg.Clock.Now()
		s.setPeerState(PeerConnected)
		s.setState(StateConnected)
	case TransportFailed, TransportClosed:
		s.log.WithField("transport", ts).Warn("peer transport lost")
		s.end(ReasonTransportLost, true)
	}
}

// end tears the session down on every exit path. Only a locally initiated
// end is signaled to the peer.
func (s *Session) end(reason EndReason, local bool) {
	prev := s.State()
	if prev == StateEnded {
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}

	if local && prev != StateIdle {
		s.signalEnd(reason, prev)
	}

	if s.stream != nil {
		s.stream.Stop()
	}
	if s.peer != nil {
		s.peer.close()
	}
	if s.channel != nil {
		s.channel.Close()
	}

	var duration time.Duration
	if !s.connectedAt.IsZero() {
		duration = s.cfg.Clock.Now().Sub(s.connectedAt)
	}
	s.mu.Lock()
	s.reason = reason
	s.duration = duration
	if s.peer != nil {
		s.peerState = PeerClosed
	}
	s.mu.Unlock()
	s.setState(StateEnded)
	s.log.WithFields(log.Fields{"reason": reason, "duration": duration.Round(time.Second)}).Info("call ended")

	if s.role == RoleCaller && prev != StateIdle {
		s.writeLog(duration)
	}

	s.cancel()
	s.loop.stop()
	close(s.done)
}

func (s *Session) signalEnd(reason EndReason, prev State) {
	sig := protocol.Signal{
		SenderID: s.localID,
		TargetID: s.remoteID,
		Role:     string(s.role),
		Kind:     protocol.KindEndCall,
		Reason:   string(reason),
	}
	if s.subscribed {
		if err := s.channel.Send(s.ctx, protocol.TypeSignal, sig); err != nil {
			s.log.WithError(err).Warn("send end-call failed")
		}
	} else if err := s.cfg.Realtime.Broadcast(s.ctx, protocol.CallChannel(s.roomID), protocol.TypeSignal, sig); err != nil {
		s.log.WithError(err).Warn("broadcast end-call failed")
	}

	// A caller that gives up before negotiation also stops the callee ringing.
	if s.role == RoleCaller && prev == StateDialing {
		cancel := protocol.IncomingCall{RoomID: s.roomID, CallerID: s.localID, CallType: s.media.CallType()}
		if err := s.cfg.Realtime.Broadcast(s.ctx, protocol.UserChannel(s.remoteID), protocol.TypeCallCanceled, cancel); err != nil {
			s.log.WithError(err).Warn("broadcast call-cancelled failed")
		}
	}
}

// writeLog records the call without holding up teardown.
func (s *Session) writeLog(duration time.Duration) {
	if s.cfg.CallLog == nil {
		return
	}
	entry := protocol.CallLogPayload{
		CallType:        s.media.CallType(),
		DurationSeconds: int(duration / time.Second),
	}
	logger := s.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), logTimeout)
		defer cancel()
		if err := s.cfg.CallLog.LogCall(ctx, s.roomID, entry); err != nil {
			logger.WithError(err).Warn("write call log failed")
		}
	}()
}
