// Package rtc adapts pion/webrtc to the transport and device interfaces of
// the call engine.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/corvino/connectsphere/internal/call"
	"github.com/pion/webrtc/v4"
	log "github.com/sirupsen/logrus"
)

// ErrForeignTrack is returned when a stream not created by this package is
// attached to a peer.
var ErrForeignTrack = errors.New("track was not created by rtc devices")

// FactoryConfig configures every peer connection a Factory creates.
type FactoryConfig struct {
	ICEServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates. Only useful in tests and
	// single-host setups.
	IncludeLoopback bool
	Logger          log.FieldLogger
}

// Factory creates pion peer connections sharing one media engine.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    log.FieldLogger
}

// NewFactory registers the default codecs and prepares the ICE configuration.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		config: webrtc.Configuration{ICEServers: servers},
		log:    logger,
	}, nil
}

// NewPeer opens a connection intended for peerID.
func (f *Factory) NewPeer(peerID string) (call.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &peer{pc: pc, log: f.log.WithField("peer", peerID)}, nil
}

type peer struct {
	pc  *webrtc.PeerConnection
	log log.FieldLogger

	mu     sync.Mutex
	closed bool
}

func (p *peer) AddStream(stream call.LocalStream) error {
	for _, t := range stream.Tracks() {
		lt, ok := t.(*Track)
		if !ok {
			return ErrForeignTrack
		}
		sender, err := p.pc.AddTrack(lt.local)
		if err != nil {
			return fmt.Errorf("add %s track: %w", lt.Kind(), err)
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *peer) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return call.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return call.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return call.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *peer) CreateAnswer(ctx context.Context) (call.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return call.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return call.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return call.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *peer) SetRemoteDescription(desc call.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (p *peer) AddICECandidate(c call.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peer) OnICECandidate(fn func(call.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		ci := c.ToJSON()
		fn(call.ICECandidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

func (p *peer) OnRemoteTrack(fn func(call.RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.WithFields(log.Fields{"track": tr.ID(), "codec": tr.Codec().MimeType}).Debug("remote track")
		go drainRTP(tr)
		fn(remoteTrack{tr})
	})
}

// drainRTP consumes media nobody renders.
func drainRTP(tr *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := tr.Read(buf); err != nil {
			return
		}
	}
}

func (p *peer) OnConnectionStateChange(fn func(call.TransportState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(transportState(s))
	})
}

func (p *peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}

func transportState(s webrtc.PeerConnectionState) call.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return call.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return call.TransportClosed
	}
	return call.TransportNew
}

type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t remoteTrack) ID() string { return t.tr.ID() }

func (t remoteTrack) Kind() call.TrackKind {
	if t.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return call.KindVideo
	}
	return call.KindAudio
}
