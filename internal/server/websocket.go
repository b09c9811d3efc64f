package server

import (
	"net/http"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 256 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client represents a WebSocket subscription to a room.
type Client struct {
	hub    *Hub
	room   *Room
	conn   *websocket.Conn
	send   chan protocol.ServerEvent
	sender string
	self   bool // receive own broadcasts
}

// Send queues an event for delivery to this client.
func (c *Client) Send(event protocol.ServerEvent) {
	select {
	case c.send <- event:
	default:
		// Client too slow; drop event.
		log.WithFields(log.Fields{"room": c.room.name, "sender": c.sender}).Warnf("dropping %s event for slow client", event.Event)
	}
}

// readPump reads client frames from the WebSocket and applies them to the room.
func (c *Client) readPump() {
	defer func() {
		c.hub.Leave(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var frame protocol.ClientFrame
		err := c.conn.ReadJSON(&frame)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("ws read error room=%s sender=%s: %v", c.room.name, c.sender, err)
			}
			return
		}
		switch frame.Op {
		case protocol.OpBroadcast:
			msgType := frame.Type
			if msgType == "" {
				msgType = protocol.TypeText
			}
			c.room.Broadcast(c, c.sender, msgType, frame.Payload, frame.Metadata)
		case protocol.OpTrack:
			c.room.Track(c.sender, frame.Meta, c)
		case protocol.OpUntrack:
			c.room.Untrack(c.sender, c)
		default:
			log.Debugf("ws ignoring frame op=%q room=%s sender=%s", frame.Op, c.room.name, c.sender)
		}
	}
}

// writePump sends queued events to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades an HTTP connection to WebSocket and subscribes it to the room.
// The first event a subscriber receives is the subscribe confirmation, followed
// by the current presence state when the room has any.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, roomName, sender string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("ws upgrade error: %v", err)
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan protocol.ServerEvent, 256),
		sender: sender,
		self:   r.URL.Query().Get("self") == "true",
	}
	hub.Subscribe(roomName, client)

	log.WithFields(log.Fields{"room": roomName, "sender": sender}).Info("subscribed")

	go client.writePump()
	go client.readPump()
}
