package protocol

import "encoding/json"

// SignalKind discriminates call negotiation envelopes.
type SignalKind string

const (
	KindReady        SignalKind = "ready"
	KindOffer        SignalKind = "offer"
	KindAnswer       SignalKind = "answer"
	KindICECandidate SignalKind = "ice-candidate"
	KindEndCall      SignalKind = "end-call"
)

// Signal is the wire unit for call negotiation. An empty TargetID addresses
// the whole room.
type Signal struct {
	SenderID string          `json:"sender_id"`
	TargetID string          `json:"target_id,omitempty"`
	Role     string          `json:"role,omitempty"`
	Kind     SignalKind      `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// Accepts reports whether a receiver with localID should act on s.
// Self-sent envelopes and envelopes addressed to someone else are rejected.
func (s Signal) Accepts(localID string) bool {
	if s.SenderID == localID {
		return false
	}
	return s.TargetID == "" || s.TargetID == localID
}
