package call

import "context"

// TrackKind is the media kind of a track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// LocalTrack is one captured device track.
type LocalTrack interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// LocalStream is the set of tracks acquired for one call.
type LocalStream interface {
	Tracks() []LocalTrack
	Stop()
}

// MediaDevices grants access to camera and microphone.
type MediaDevices interface {
	Acquire(ctx context.Context, media Media) (LocalStream, error)
}

// RemoteTrack is a track received from a peer.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
}

// SessionDescription is an offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled connectivity candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// TransportState is the connection state of a peer transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// PeerTransport is one negotiated connection to a remote participant.
// CreateOffer and CreateAnswer also apply the result as the local
// description. Callbacks may fire on any goroutine.
type PeerTransport interface {
	AddStream(stream LocalStream) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	OnICECandidate(fn func(ICECandidate))
	OnRemoteTrack(fn func(RemoteTrack))
	OnConnectionStateChange(fn func(TransportState))
	Close() error
}

// PeerFactory creates transports.
type PeerFactory interface {
	NewPeer(peerID string) (PeerTransport, error)
}

// toggleTracks flips every track of kind and returns the new enabled state.
func toggleTracks(stream LocalStream, kind TrackKind) bool {
	if stream == nil {
		return false
	}
	enabled := false
	found := false
	for _, t := range stream.Tracks() {
		if t.Kind() != kind {
			continue
		}
		if !found {
			enabled = !t.Enabled()
			found = true
		}
		t.SetEnabled(enabled)
	}
	return enabled
}

func tracksEnabled(stream LocalStream, kind TrackKind) bool {
	if stream == nil {
		return false
	}
	for _, t := range stream.Tracks() {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}
	return false
}
