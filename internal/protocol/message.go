package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types.
const (
	TypeText         = "text"
	TypeSystem       = "system"
	TypeSignal       = "signal"
	TypeIncomingCall = "incoming-call"
	TypeCallCanceled = "call-cancelled"
	TypeCallLog      = "call-log"
	TypeUploadAudit  = "upload-audit"
)

// Channel name prefixes.
const (
	prefixCall      = "call:"
	prefixGroupCall = "group-call:"
	prefixUser      = "user:"
)

// CallChannel is the room-scoped signaling channel of a 1:1 call.
func CallChannel(roomID string) string { return prefixCall + roomID }

// GroupCallChannel is the signaling and presence channel of a group call.
func GroupCallChannel(roomID string) string { return prefixGroupCall + roomID }

// UserChannel is the personal channel used for out-of-band ring notifications.
func UserChannel(userID string) string { return prefixUser + userID }

// TextPayload carries a plain text message.
type TextPayload struct {
	Text string `json:"text"`
}

// CallLogPayload is the structured content of a call-log message.
type CallLogPayload struct {
	CallType        string `json:"call_type"`
	DurationSeconds int    `json:"duration_seconds"`
}

// UploadAuditPayload records a completed upload.
type UploadAuditPayload struct {
	Filename string   `json:"filename"`
	Size     int64    `json:"size"`
	URLs     []string `json:"urls"`
}

// IncomingCall is published on the callee's personal channel to make it ring.
type IncomingCall struct {
	RoomID   string `json:"room_id"`
	CallerID string `json:"caller_id"`
	CallType string `json:"call_type"`
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
}

// MustPayload marshals v for use as an envelope payload.
// It panics only for values that cannot be represented as JSON.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	return b
}

// Summary renders a one-line description of the envelope payload.
func Summary(env Envelope) string {
	switch env.Type {
	case TypeText, TypeSystem:
		var p TextPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			return p.Text
		}
	case TypeCallLog:
		var p CallLogPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			return fmt.Sprintf("%s call, %ds", p.CallType, p.DurationSeconds)
		}
	case TypeUploadAudit:
		var p UploadAuditPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			return fmt.Sprintf("uploaded %s (%d bytes, %d chunks)", p.Filename, p.Size, len(p.URLs))
		}
	case TypeSignal:
		var s Signal
		if json.Unmarshal(env.Payload, &s) == nil {
			to := s.TargetID
			if to == "" {
				to = "*"
			}
			return fmt.Sprintf("%s %s -> %s", s.Kind, s.SenderID, to)
		}
	case TypeIncomingCall:
		var p IncomingCall
		if json.Unmarshal(env.Payload, &p) == nil {
			return fmt.Sprintf("%s call from %s in %s", p.CallType, p.CallerID, p.RoomID)
		}
	}
	return strings.TrimSpace(string(env.Payload))
}
