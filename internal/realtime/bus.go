package realtime

import (
	"context"
	"sync"

	"github.com/corvino/connectsphere/internal/serial"
)

// Bus is an in-process realtime hub. It gives every subscription its own
// delivery goroutine, so handlers may send on the bus without deadlocking.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs     map[*busChannel]struct{}
	presence map[string]busPresence
}

type busPresence struct {
	meta  map[string]string
	owner *busChannel
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Client returns a client that sends as id.
func (b *Bus) Client(id string) Client {
	return &busClient{bus: b, id: id}
}

func (b *Bus) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*busChannel]struct{}), presence: make(map[string]busPresence)}
		b.topics[name] = t
	}
	return t
}

// publish fans msg out to the subscribers of msg.Channel. from is excluded
// unless it asked to receive its own sends.
func (b *Bus) publish(from *busChannel, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[msg.Channel]
	if !ok {
		return
	}
	for sub := range t.subs {
		if sub == from && !sub.opts.ReceiveOwn {
			continue
		}
		sub.post(func() { sub.handlers.dispatch(msg) })
	}
}

func (b *Bus) syncLocked(t *topic) {
	state := make(Presence, len(t.presence))
	for key, p := range t.presence {
		state[key] = p.meta
	}
	for sub := range t.subs {
		snapshot := copyPresence(state)
		sub.post(func() { sub.setPresence(snapshot) })
	}
}

// CloseTopic drops every subscription of a channel as if its transport went
// away. Subscribers see StatusClosed.
func (b *Bus) CloseTopic(name string) {
	b.mu.Lock()
	t, ok := b.topics[name]
	delete(b.topics, name)
	b.mu.Unlock()
	if !ok {
		return
	}
	for sub := range t.subs {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		sub.post(func() { sub.handlers.notify(StatusClosed) })
		sub.box.Close()
	}
}

// Subscribers returns the number of live subscriptions to a channel.
func (b *Bus) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

type busClient struct {
	bus *Bus
	id  string
}

func (c *busClient) ID() string { return c.id }

func (c *busClient) Channel(name string, opts ChannelOptions) Channel {
	if opts.PresenceKey == "" {
		opts.PresenceKey = c.id
	}
	return &busChannel{bus: c.bus, name: name, sender: c.id, opts: opts, box: serial.New()}
}

func (c *busClient) Broadcast(ctx context.Context, channel, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	c.bus.publish(nil, Message{Channel: channel, Event: event, Sender: c.id, Payload: raw})
	return nil
}

type busChannel struct {
	bus    *Bus
	name   string
	sender string
	opts   ChannelOptions
	box    *serial.Queue

	handlers handlers

	mu         sync.Mutex
	subscribed bool
	closed     bool
	presence   Presence
}

func (ch *busChannel) Name() string { return ch.name }

func (ch *busChannel) On(event string, fn func(Message)) { ch.handlers.on(event, fn) }

func (ch *busChannel) OnPresenceSync(fn func(Presence)) {
	ch.handlers.presence = append(ch.handlers.presence, fn)
}

func (ch *busChannel) post(fn func()) { ch.box.Post(fn) }

func (ch *busChannel) setPresence(p Presence) {
	ch.mu.Lock()
	ch.presence = p
	ch.mu.Unlock()
	ch.handlers.sync(p)
}

func (ch *busChannel) Subscribe(onStatus func(Status)) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	if ch.subscribed {
		ch.mu.Unlock()
		return nil
	}
	ch.subscribed = true
	ch.mu.Unlock()

	ch.handlers.status = onStatus
	go ch.box.Run()

	ch.bus.mu.Lock()
	defer ch.bus.mu.Unlock()
	t := ch.bus.topicLocked(ch.name)
	t.subs[ch] = struct{}{}
	ch.post(func() { ch.handlers.notify(StatusSubscribed) })
	if len(t.presence) > 0 {
		state := make(Presence, len(t.presence))
		for key, p := range t.presence {
			state[key] = p.meta
		}
		snapshot := copyPresence(state)
		ch.post(func() { ch.setPresence(snapshot) })
	}
	return nil
}

func (ch *busChannel) live() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrChannelClosed
	}
	if !ch.subscribed {
		return ErrNotSubscribed
	}
	return nil
}

func (ch *busChannel) Send(ctx context.Context, event string, payload any) error {
	if err := ch.live(); err != nil {
		return err
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	ch.bus.publish(ch, Message{Channel: ch.name, Event: event, Sender: ch.sender, Payload: raw})
	return nil
}

func (ch *busChannel) Track(ctx context.Context, meta map[string]string) error {
	if err := ch.live(); err != nil {
		return err
	}
	if meta == nil {
		meta = map[string]string{}
	}
	ch.bus.mu.Lock()
	defer ch.bus.mu.Unlock()
	t := ch.bus.topicLocked(ch.name)
	t.presence[ch.opts.PresenceKey] = busPresence{meta: meta, owner: ch}
	ch.bus.syncLocked(t)
	return nil
}

func (ch *busChannel) Untrack(ctx context.Context) error {
	if err := ch.live(); err != nil {
		return err
	}
	ch.bus.mu.Lock()
	defer ch.bus.mu.Unlock()
	t := ch.bus.topicLocked(ch.name)
	if p, ok := t.presence[ch.opts.PresenceKey]; ok && p.owner == ch {
		delete(t.presence, ch.opts.PresenceKey)
		ch.bus.syncLocked(t)
	}
	return nil
}

func (ch *busChannel) PresenceState() Presence {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return copyPresence(ch.presence)
}

// Close unsubscribes and drops any presence this channel tracked. Pending
// deliveries are discarded.
func (ch *busChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.bus.mu.Lock()
	if t, ok := ch.bus.topics[ch.name]; ok {
		delete(t.subs, ch)
		changed := false
		for key, p := range t.presence {
			if p.owner == ch {
				delete(t.presence, key)
				changed = true
			}
		}
		if changed {
			ch.bus.syncLocked(t)
		}
		if len(t.subs) == 0 && len(t.presence) == 0 {
			delete(ch.bus.topics, ch.name)
		}
	}
	ch.bus.mu.Unlock()

	ch.box.Discard()
	return nil
}
