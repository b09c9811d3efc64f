// Package realtime is the publish/subscribe and presence primitive that
// call signaling runs over. Channels are named rooms; messages sent on a
// channel fan out to its other subscribers, and tracked presence is
// synchronized to every subscriber as a full snapshot.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/corvino/connectsphere/internal/protocol"
)

// Status reports the lifecycle of a channel subscription.
type Status string

const (
	StatusSubscribed Status = "SUBSCRIBED"
	StatusClosed     Status = "CLOSED"
	StatusError      Status = "CHANNEL_ERROR"
)

var (
	// ErrNotSubscribed is returned when sending on a channel whose
	// subscription is not confirmed.
	ErrNotSubscribed = errors.New("channel not subscribed")
	// ErrChannelClosed is returned for operations on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
)

// Presence maps a presence key to its metadata.
type Presence = protocol.Presence

// Message is one event delivered on a channel.
type Message struct {
	Channel string
	Event   string
	Sender  string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// AnyEvent registers a handler for every event on a channel.
const AnyEvent = "*"

// ChannelOptions configures a channel before it is subscribed.
type ChannelOptions struct {
	// PresenceKey identifies this subscriber in presence state. Defaults to
	// the client id.
	PresenceKey string
	// ReceiveOwn delivers this subscriber's own sends back to it.
	ReceiveOwn bool
	// Reconnect re-establishes a dropped subscription with backoff.
	Reconnect bool
}

// Channel is a subscription to one named room. Handlers must be registered
// before Subscribe. All callbacks of a channel run on a single goroutine in
// delivery order.
type Channel interface {
	Name() string
	On(event string, handler func(Message))
	OnPresenceSync(handler func(Presence))
	Subscribe(onStatus func(Status)) error
	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, meta map[string]string) error
	Untrack(ctx context.Context) error
	PresenceState() Presence
	Close() error
}

// Client creates channels for one identity.
type Client interface {
	ID() string
	Channel(name string, opts ChannelOptions) Channel
	// Broadcast delivers a single event to the current subscribers of a
	// channel without subscribing to it.
	Broadcast(ctx context.Context, channel, event string, payload any) error
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

// handlers is the per-channel callback table.
type handlers struct {
	events   map[string][]func(Message)
	presence []func(Presence)
	status   func(Status)
}

func (h *handlers) on(event string, fn func(Message)) {
	if h.events == nil {
		h.events = make(map[string][]func(Message))
	}
	h.events[event] = append(h.events[event], fn)
}

func (h *handlers) dispatch(msg Message) {
	for _, fn := range h.events[msg.Event] {
		fn(msg)
	}
	for _, fn := range h.events[AnyEvent] {
		fn(msg)
	}
}

func (h *handlers) sync(p Presence) {
	for _, fn := range h.presence {
		fn(p)
	}
}

func (h *handlers) notify(s Status) {
	if h.status != nil {
		h.status(s)
	}
}

func copyPresence(p Presence) Presence {
	out := make(Presence, len(p))
	for k, meta := range p {
		m := make(map[string]string, len(meta))
		for mk, mv := range meta {
			m[mk] = mv
		}
		out[k] = m
	}
	return out
}
