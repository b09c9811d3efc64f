package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSClient subscribes to channels on a relay server over WebSocket.
type WSClient struct {
	serverURL string
	sender    string
	dialer    *websocket.Dialer
	http      *http.Client
	log       log.FieldLogger
}

// NewWSClient creates a client that sends as sender.
func NewWSClient(serverURL, sender string) *WSClient {
	return &WSClient{
		serverURL: strings.TrimRight(serverURL, "/"),
		sender:    sender,
		dialer:    websocket.DefaultDialer,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log.WithField("sender", sender),
	}
}

func (c *WSClient) ID() string { return c.sender }

// Channel returns an unsubscribed channel. The relay keys presence by
// sender, so PresenceKey must be empty or equal to the client id.
func (c *WSClient) Channel(name string, opts ChannelOptions) Channel {
	return &wsChannel{
		client: c,
		name:   name,
		opts:   opts,
		done:   make(chan struct{}),
		log:    c.log.WithField("room", name),
	}
}

// Broadcast posts a one-shot event through the relay REST API.
func (c *WSClient) Broadcast(ctx context.Context, channel, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(protocol.SendRequest{Sender: c.sender, Type: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	u := c.serverURL + "/api/rooms/" + url.PathEscape(channel) + "/broadcast"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (c *WSClient) wsURL(room string, self bool) (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}

	// Convert http(s) to ws(s).
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u.Path = "/ws/" + room
	q := u.Query()
	q.Set("sender", c.sender)
	if self {
		q.Set("self", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsChannel struct {
	client *WSClient
	name   string
	opts   ChannelOptions
	log    log.FieldLogger

	handlers handlers

	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed bool
	started    bool
	tracked    map[string]string
	presence   Presence
}

func (ch *wsChannel) Name() string { return ch.name }

func (ch *wsChannel) On(event string, fn func(Message)) { ch.handlers.on(event, fn) }

func (ch *wsChannel) OnPresenceSync(fn func(Presence)) {
	ch.handlers.presence = append(ch.handlers.presence, fn)
}

// Subscribe starts the connection loop. onStatus observes every
// subscription, drop and reconnect.
func (ch *wsChannel) Subscribe(onStatus func(Status)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	select {
	case <-ch.done:
		return ErrChannelClosed
	default:
	}
	if ch.started {
		return nil
	}
	ch.started = true
	ch.handlers.status = onStatus
	go ch.run()
	return nil
}

// run connects and reconnects with exponential backoff until Close, or
// until the first drop when reconnect is disabled.
func (ch *wsChannel) run() {
	backoff := minBackoff
	for {
		connected, err := ch.connect()
		if ch.isClosed() {
			return
		}
		if err != nil {
			ch.log.WithError(err).Warn("websocket connection error")
		}
		if connected {
			backoff = minBackoff
			ch.handlers.notify(StatusClosed)
		} else {
			ch.handlers.notify(StatusError)
		}
		if !ch.opts.Reconnect {
			return
		}

		ch.log.Infof("reconnecting in %s...", backoff)
		select {
		case <-time.After(backoff):
		case <-ch.done:
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// connect runs one connection until it drops. connected reports whether the
// subscription was confirmed.
func (ch *wsChannel) connect() (connected bool, err error) {
	wsURL, err := ch.client.wsURL(ch.name, ch.opts.ReceiveOwn)
	if err != nil {
		return false, err
	}
	conn, _, err := ch.client.dialer.Dial(wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	ch.mu.Lock()
	if ch.isClosed() {
		ch.mu.Unlock()
		conn.Close()
		return false, nil
	}
	ch.conn = conn
	ch.mu.Unlock()

	defer func() {
		ch.mu.Lock()
		ch.conn = nil
		ch.subscribed = false
		ch.mu.Unlock()
		conn.Close()
	}()

	for {
		var event protocol.ServerEvent
		if err := conn.ReadJSON(&event); err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		switch event.Event {
		case protocol.EventSubscribed:
			connected = true
			ch.mu.Lock()
			ch.subscribed = true
			meta := ch.tracked
			ch.mu.Unlock()
			if meta != nil {
				if err := ch.write(protocol.ClientFrame{Op: protocol.OpTrack, Meta: meta}); err != nil {
					ch.log.WithError(err).Warn("re-track failed")
				}
			}
			ch.log.Debug("subscribed")
			ch.handlers.notify(StatusSubscribed)
		case protocol.EventMessage:
			if event.Message == nil {
				continue
			}
			ch.handlers.dispatch(Message{
				Channel: ch.name,
				Event:   event.Message.Type,
				Sender:  event.Message.Sender,
				Payload: event.Message.Payload,
			})
		case protocol.EventPresence:
			p := event.Presence
			if p == nil {
				p = Presence{}
			}
			ch.mu.Lock()
			ch.presence = p
			ch.mu.Unlock()
			ch.handlers.sync(copyPresence(p))
		default:
			ch.log.Debugf("ignoring server event %q", event.Event)
		}
	}
}

func (ch *wsChannel) isClosed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

func (ch *wsChannel) write(frame protocol.ClientFrame) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.isClosed() {
		return ErrChannelClosed
	}
	if ch.conn == nil || !ch.subscribed {
		return ErrNotSubscribed
	}
	ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ch.conn.WriteJSON(frame)
}

func (ch *wsChannel) Send(ctx context.Context, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return ch.write(protocol.ClientFrame{Op: protocol.OpBroadcast, Type: event, Payload: raw})
}

func (ch *wsChannel) Track(ctx context.Context, meta map[string]string) error {
	if meta == nil {
		meta = map[string]string{}
	}
	ch.mu.Lock()
	ch.tracked = meta
	ch.mu.Unlock()
	return ch.write(protocol.ClientFrame{Op: protocol.OpTrack, Meta: meta})
}

func (ch *wsChannel) Untrack(ctx context.Context) error {
	ch.mu.Lock()
	ch.tracked = nil
	ch.mu.Unlock()
	return ch.write(protocol.ClientFrame{Op: protocol.OpUntrack})
}

func (ch *wsChannel) PresenceState() Presence {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return copyPresence(ch.presence)
}

// Close stops the connection loop. The relay drops this subscriber's
// presence when the socket closes.
func (ch *wsChannel) Close() error {
	ch.once.Do(func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		close(ch.done)
		if ch.conn != nil {
			ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
			ch.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			ch.conn.Close()
		}
	})
	return nil
}
