// Package call implements peer-to-peer call signaling and session state for
// 1:1 and full-mesh group calls. Negotiation messages travel over a
// realtime channel; media transport and device access are pluggable.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/realtime"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrMediaUnavailable wraps any failure to acquire camera or microphone.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrBusy is returned when the local media device is held by another call.
	ErrBusy = errors.New("busy")
	// ErrInvalidState is returned for operations not allowed in the current state.
	ErrInvalidState = errors.New("invalid call state")
	// ErrSessionEnded is returned for operations on an ended session.
	ErrSessionEnded = errors.New("session ended")
)

// State is the lifecycle state of a call session.
type State string

const (
	StateIdle        State = "IDLE"
	StateRinging     State = "RINGING"
	StateDialing     State = "DIALING"
	StateNegotiating State = "NEGOTIATING"
	StateConnected   State = "CONNECTED"
	StateEnded       State = "ENDED"
)

// Role is the local side of a 1:1 call.
type Role string

const (
	RoleCaller Role = "CALLER"
	RoleCallee Role = "CALLEE"
)

// PeerState tracks negotiation with one remote participant.
type PeerState string

const (
	PeerNew        PeerState = "NEW"
	PeerOfferSent  PeerState = "OFFER_SENT"
	PeerAnswerSent PeerState = "ANSWER_SENT"
	PeerConnected  PeerState = "CONNECTED"
	PeerClosed     PeerState = "CLOSED"
)

// EndReason explains why a session ended. It doubles as the reason carried
// in end-call signals.
type EndReason string

const (
	ReasonLocalHangup   EndReason = "local-hangup"
	ReasonRemoteHangup  EndReason = "remote-hangup"
	ReasonMediaFailure  EndReason = "media-failure"
	ReasonNoAnswer      EndReason = "no-answer"
	ReasonBusy          EndReason = "busy"
	ReasonDeclined      EndReason = "declined"
	ReasonTransportLost EndReason = "transport-lost"
)

// remoteReason maps the reason of a received end-call signal to the local
// end reason.
func remoteReason(r string) EndReason {
	switch EndReason(r) {
	case ReasonBusy, ReasonDeclined, ReasonNoAnswer:
		return EndReason(r)
	}
	return ReasonRemoteHangup
}

// Media selects the local devices a call uses.
type Media struct {
	Audio bool
	Video bool
}

// AudioOnly and AudioVideo are the two call kinds.
var (
	AudioOnly  = Media{Audio: true}
	AudioVideo = Media{Audio: true, Video: true}
)

// CallType is the label stored in call logs and ring notifications.
func (m Media) CallType() string {
	if m.Video {
		return "video"
	}
	return "audio"
}

// MediaFor returns the media of a call type label.
func MediaFor(callType string) Media {
	if callType == "video" {
		return AudioVideo
	}
	return AudioOnly
}

// Profile is display metadata for a participant.
type Profile struct {
	ID     string
	Name   string
	Avatar string
}

// Directory resolves participant profiles.
type Directory interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// CallLogger persists the record of a completed call.
type CallLogger interface {
	LogCall(ctx context.Context, roomID string, entry protocol.CallLogPayload) error
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock supplies time to sessions.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config carries the collaborators shared by every session of a user.
type Config struct {
	LocalID string
	// Name is announced in presence. Defaults to LocalID.
	Name     string
	Realtime realtime.Client
	Devices  MediaDevices
	Peers    PeerFactory
	// CallLog receives call records written by the caller side. Optional.
	CallLog CallLogger
	// Directory resolves group participants. Optional.
	Directory Directory
	Clock     Clock
	// RingTimeout ends a call that is not connected in time. Zero disables it.
	RingTimeout time.Duration
	Logger      log.FieldLogger
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}
	if c.Name == "" {
		c.Name = c.LocalID
	}
	return c
}

const logTimeout = 10 * time.Second

// ShouldOffer is the group tie-break: of any two participants, the one with
// the smaller id sends the offer.
func ShouldOffer(localID, remoteID string) bool {
	return localID < remoteID
}
