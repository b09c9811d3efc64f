package call

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// peerHandle is the negotiation with one remote participant. It is owned by
// a session loop and never touched from other goroutines.
type peerHandle struct {
	id        string
	transport PeerTransport
	state     PeerState
	log       log.FieldLogger

	remoteSet bool
	pending   []ICECandidate
	tracks    []RemoteTrack
}

// peerEvents receives transport callbacks already marshalled onto the loop.
type peerEvents struct {
	onICE   func(h *peerHandle, c ICECandidate)
	onTrack func(h *peerHandle, t RemoteTrack)
	onState func(h *peerHandle, s TransportState)
}

// newPeerHandle creates a transport for peerID, attaches the local stream
// and routes its callbacks through post.
func newPeerHandle(factory PeerFactory, peerID string, stream LocalStream, post func(func()) bool, ev peerEvents, logger log.FieldLogger) (*peerHandle, error) {
	transport, err := factory.NewPeer(peerID)
	if err != nil {
		return nil, fmt.Errorf("create peer %s: %w", peerID, err)
	}
	h := &peerHandle{
		id:        peerID,
		transport: transport,
		state:     PeerNew,
		log:       logger.WithField("peer", peerID),
	}
	transport.OnICECandidate(func(c ICECandidate) {
		post(func() { ev.onICE(h, c) })
	})
	transport.OnRemoteTrack(func(t RemoteTrack) {
		post(func() { ev.onTrack(h, t) })
	})
	transport.OnConnectionStateChange(func(s TransportState) {
		post(func() { ev.onState(h, s) })
	})
	if stream != nil {
		if err := transport.AddStream(stream); err != nil {
			transport.Close()
			return nil, fmt.Errorf("attach local media to %s: %w", peerID, err)
		}
	}
	return h, nil
}

func (h *peerHandle) closed() bool { return h.state == PeerClosed }

func (h *peerHandle) offer(ctx context.Context) (json.RawMessage, error) {
	desc, err := h.transport.CreateOffer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	h.state = PeerOfferSent
	return json.Marshal(desc)
}

// answer applies a remote offer and returns the local answer.
func (h *peerHandle) answer(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if err := h.setRemote(payload); err != nil {
		return nil, err
	}
	desc, err := h.transport.CreateAnswer(ctx)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	h.state = PeerAnswerSent
	return json.Marshal(desc)
}

// setRemote applies a remote description, then any candidates that arrived
// before it in arrival order.
func (h *peerHandle) setRemote(payload json.RawMessage) error {
	var desc SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return fmt.Errorf("decode session description: %w", err)
	}
	if err := h.transport.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	h.remoteSet = true
	for _, c := range h.pending {
		if err := h.transport.AddICECandidate(c); err != nil {
			h.log.WithError(err).Debug("buffered candidate rejected")
		}
	}
	h.pending = nil
	return nil
}

func (h *peerHandle) addRemoteCandidate(payload json.RawMessage) error {
	var c ICECandidate
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if !h.remoteSet {
		h.pending = append(h.pending, c)
		return nil
	}
	return h.transport.AddICECandidate(c)
}

func (h *peerHandle) close() {
	if h.closed() {
		return
	}
	h.state = PeerClosed
	h.pending = nil
	if err := h.transport.Close(); err != nil {
		h.log.WithError(err).Debug("close peer transport")
	}
}
