package server

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 256 * 1024

	sendQueueSize = 256
	// A participant whose outbound queue stays full is dropped rather
	// than allowed to stall the fan-out for everyone else.
	maxSendDrops = 64

	// Inbound flood protection.
	inboundRate       = 100
	inboundBurst      = 200
	maxRateViolations = 1000
)

// Client is one WebSocket connection: a read worker and a write worker.
// It never touches room state directly — everything goes through the
// hub or the room's mailbox.
type Client struct {
	ID string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	dropped atomic.Int32

	mu     sync.Mutex
	room   *Room
	userID string
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
	}
}

// Room returns the room this client is joined to, or nil.
func (c *Client) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(r *Room, userID string) {
	c.mu.Lock()
	c.room = r
	c.userID = userID
	c.mu.Unlock()
}

// clearRoom detaches the client only if it is still in r. A leave from
// one room races with a join to the next; the stale leave must not
// clobber the new membership.
func (c *Client) clearRoom(r *Room) {
	c.mu.Lock()
	if c.room == r {
		c.room = nil
		c.userID = ""
	}
	c.mu.Unlock()
}

// UserID returns the identity supplied at join time. Authentication
// happens upstream; this layer trusts the value.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ReadPump reads frames off the connection and routes them. Runs as its
// own goroutine; returning tears the connection down and notifies the
// hub, which turns the disconnect into a room leave.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.disconnect <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("client %s read error: %v", c.ID, err)
			}
			return
		}

		if !c.limiter.Allow() {
			violations++
			if violations%100 == 1 {
				log.Printf("client %s rate limited (violation #%d)", c.ID, violations)
			}
			if violations > maxRateViolations {
				log.Printf("client %s disconnected for flooding", c.ID)
				return
			}
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("", CodeBadMessage, "invalid message format")
			continue
		}

		switch env.Type {
		case MsgPing:
			// Unsequenced; answered directly for latency measurement.
			var p PingPayload
			json.Unmarshal(env.Payload, &p)
			c.sendMsg(MsgPong, "", PingPayload{Timestamp: p.Timestamp})

		case MsgJoinRoom:
			var p JoinRoomPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.sendError(env.RoomID, CodeBadMessage, "invalid join_room payload")
				continue
			}
			c.hub.join <- joinRequest{client: c, roomID: env.RoomID, payload: p}

		case MsgLeaveRoom:
			c.hub.leave <- c

		default:
			r := c.Room()
			if r == nil {
				c.sendError(env.RoomID, CodeUnknownRoom, "not joined to a room")
				continue
			}
			// Bounded mailbox: blocking here is the backpressure that
			// keeps a fast client from outrunning the sequencer.
			r.incoming <- inbound{client: c, env: env}
		}
	}
}

// WritePump writes queued frames and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *Client) sendMsg(msgType, roomID string, payload interface{}) {
	data := encode(msgType, roomID, payload)
	if data == nil {
		return
	}
	c.enqueue(data)
}

// enqueue never blocks: a slow consumer loses messages, and one that
// keeps losing them loses the connection.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
		c.dropped.Store(0)
	default:
		if c.dropped.Add(1) >= maxSendDrops && c.conn != nil {
			log.Printf("client %s outbound queue stuck, closing", c.ID)
			c.conn.Close()
		}
	}
}

func (c *Client) sendError(roomID, code, message string) {
	c.sendMsg(MsgError, roomID, ErrorPayload{Code: code, Message: message})
}
