package call

import (
	"context"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/realtime"
	log "github.com/sirupsen/logrus"
)

// RingHandlers receive notifications on a user's personal channel.
type RingHandlers struct {
	OnRing   func(protocol.IncomingCall)
	OnCancel func(protocol.IncomingCall)
	OnStatus func(realtime.Status)
}

// RingListener subscribes to user:<id> so the user can be rung, and
// publishes the user's profile as presence on it.
type RingListener struct {
	channel realtime.Channel
	log     log.FieldLogger
	meta    map[string]string
}

// ListenForCalls subscribes to the personal channel of cfg.LocalID. meta is
// tracked as presence once subscribed and again after every reconnect;
// "name" and "avatar" are read back by Directory lookups.
func ListenForCalls(cfg Config, meta map[string]string, h RingHandlers) (*RingListener, error) {
	cfg = cfg.withDefaults()
	if meta == nil {
		meta = map[string]string{"name": cfg.Name}
	}
	r := &RingListener{
		log:  cfg.Logger.WithField("channel", protocol.UserChannel(cfg.LocalID)),
		meta: meta,
	}
	ch := cfg.Realtime.Channel(protocol.UserChannel(cfg.LocalID), realtime.ChannelOptions{Reconnect: true})
	ch.On(protocol.TypeIncomingCall, func(m realtime.Message) {
		var inv protocol.IncomingCall
		if err := m.Decode(&inv); err != nil {
			r.log.WithError(err).Debug("discarding malformed ring")
			return
		}
		r.log.WithFields(log.Fields{"room": inv.RoomID, "caller": inv.CallerID, "type": inv.CallType}).Info("incoming call")
		if h.OnRing != nil {
			h.OnRing(inv)
		}
	})
	ch.On(protocol.TypeCallCanceled, func(m realtime.Message) {
		var inv protocol.IncomingCall
		if err := m.Decode(&inv); err != nil {
			r.log.WithError(err).Debug("discarding malformed cancel")
			return
		}
		r.log.WithFields(log.Fields{"room": inv.RoomID, "caller": inv.CallerID}).Info("call cancelled")
		if h.OnCancel != nil {
			h.OnCancel(inv)
		}
	})
	err := ch.Subscribe(func(st realtime.Status) {
		if st == realtime.StatusSubscribed {
			if err := ch.Track(context.Background(), r.meta); err != nil {
				r.log.WithError(err).Warn("track presence failed")
			}
		}
		if h.OnStatus != nil {
			h.OnStatus(st)
		}
	})
	if err != nil {
		ch.Close()
		return nil, err
	}
	r.channel = ch
	return r, nil
}

// Close drops presence and unsubscribes.
func (r *RingListener) Close() error {
	_ = r.channel.Untrack(context.Background())
	return r.channel.Close()
}

// Ring wires a listener to a manager: rings become ringing sessions (or a
// busy reply) and cancellations dismiss them. onSession sees every session
// the manager accepts for ringing.
func (m *Manager) Ring(onSession func(*Session)) RingHandlers {
	return RingHandlers{
		OnRing: func(inv protocol.IncomingCall) {
			if inv.CallerID == m.cfg.LocalID {
				return
			}
			s, err := m.Incoming(context.Background(), inv)
			if err != nil {
				return
			}
			if onSession != nil {
				onSession(s)
			}
		},
		OnCancel: func(inv protocol.IncomingCall) {
			m.Canceled(inv.RoomID)
		},
	}
}
