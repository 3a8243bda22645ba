package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// Client is one live connection. Its room memberships live in the hub's maps
// and are only touched under the hub lock.
type Client struct {
	id         string
	userID     string
	remoteAddr string
	hub        *Hub
	conn       Conn
	send       chan []byte

	// rooms maps flavor -> current room id; guarded by hub.mu.
	rooms map[RoomFlavor]string

	authenticated atomic.Bool
	alive         atomic.Bool
	closed        atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(hub *Hub, conn Conn, userID, remoteAddr string) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		id:         uuid.New().String(),
		userID:     userID,
		remoteAddr: remoteAddr,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, hub.sendBufferSize),
		rooms:      make(map[RoomFlavor]string),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.alive.Store(true)
	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() string {
	return c.userID
}

func (c *Client) isClosed() bool {
	return c.closed.Load()
}

// close marks the client dead and cancels its context. The transport is
// closed by whoever observes the flag first.
func (c *Client) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
}

// pongWait is the read deadline horizon; a healthy client refreshes it with
// every heartbeat reply.
func (c *Client) pongWait() time.Duration {
	return c.hub.heartbeatInterval*2 + 10*time.Second
}

func (c *Client) readPump() {
	defer func() {
		c.close()

		select {
		case c.hub.unregister <- c:
		case <-time.After(5 * time.Second):
			slog.Warn("Timeout sending unregister request", "clientID", c.id, "userID", c.userID)
		}

		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		if c.isClosed() {
			return websocket.ErrCloseSent
		}
		c.alive.Store(true)
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "clientID", c.id, "userID", c.userID, "error", err)
			} else {
				slog.Debug("WebSocket connection closed", "clientID", c.id, "userID", c.userID, "error", err)
			}
			return
		}

		c.hub.router.HandleFrame(c.ctx, c, raw)
	}
}

func (c *Client) writePump() {
	defer func() {
		slog.Debug("WritePump finished", "clientID", c.id, "userID", c.userID)
	}()

	for {
		select {
		case data := <-c.send:
			if c.isClosed() {
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("Error writing message", "clientID", c.id, "userID", c.userID, "error", err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// enqueue hands a serialized frame to the write pump without blocking. A full
// buffer means the client cannot keep up and gets dropped.
func (c *Client) enqueue(data []byte) error {
	if c.isClosed() {
		return ErrClientDisconnected
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClientDisconnected
	default:
		slog.Warn("Send buffer full, closing client", "clientID", c.id, "userID", c.userID)
		c.close()
		return ErrClientDisconnected
	}
}

func (c *Client) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Client) sendError(text string) {
	c.SendMessage(NewErrorMessage(text))
}

// probe sends a heartbeat ping. Control frames may be written concurrently
// with the write pump.
func (c *Client) probe() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// terminate drops the transport without a close handshake. Used for liveness
// evictions where the peer is assumed gone.
func (c *Client) terminate() {
	c.close()
	c.conn.Close()
}
