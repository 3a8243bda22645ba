package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RoomFlavor distinguishes the three room kinds a connection can occupy, one
// of each at a time.
type RoomFlavor string

const (
	FlavorProject      RoomFlavor = "project"
	FlavorOrganization RoomFlavor = "organization"
	FlavorConversation RoomFlavor = "conversation"
)

var roomFlavors = []RoomFlavor{FlavorProject, FlavorOrganization, FlavorConversation}

// idKey is the payload field carrying the room id for this flavor.
func (f RoomFlavor) idKey() string {
	switch f {
	case FlavorProject:
		return "projectId"
	case FlavorOrganization:
		return "organizationId"
	default:
		return "conversationId"
	}
}

// joinedType is the direct reply sent to a connection entering a room of this
// flavor.
func (f RoomFlavor) joinedType() MessageType {
	switch f {
	case FlavorProject:
		return TypeProjectJoined
	case FlavorOrganization:
		return TypeOrganizationJoined
	default:
		return TypeConversationJoined
	}
}

type HubOptions struct {
	HeartbeatInterval time.Duration
	SendBufferSize    int
	MaxMessageSize    int64
}

// Hub owns every live connection and the room indexes. All membership
// mutations happen under one lock; nothing does network I/O while holding it.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[RoomFlavor]map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client

	router *Router

	heartbeatInterval time.Duration
	sendBufferSize    int
	maxMessageSize    int64

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(opts HubOptions) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())

	rooms := make(map[RoomFlavor]map[string]map[*Client]struct{}, len(roomFlavors))
	for _, flavor := range roomFlavors {
		rooms[flavor] = make(map[string]map[*Client]struct{})
	}

	return &Hub{
		clients:           make(map[*Client]struct{}),
		rooms:             rooms,
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		heartbeatInterval: opts.HeartbeatInterval,
		sendBufferSize:    opts.SendBufferSize,
		maxMessageSize:    opts.MaxMessageSize,
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Run drives connection lifecycle events and the liveness ticker until Stop.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.Admit(client)

		case client := <-h.unregister:
			h.Remove(client)

		case <-ticker.C:
			h.checkLiveness()

		case <-h.ctx.Done():
			slog.Info("Gateway hub shutting down")
			return
		}
	}
}

// Stop cancels the run loop (stopping the liveness ticker) and then closes
// every open connection. The fan-out bridge is torn down after this by the
// caller.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	for _, flavor := range roomFlavors {
		h.rooms[flavor] = make(map[string]map[*Client]struct{})
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.terminate()
	}
}

// Admit registers a connection with the hub.
func (h *Hub) Admit(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("Client registered", "clientID", c.id, "userID", c.userID)
}

// Remove is the disconnect path: the connection leaves every room flavor it
// occupies, with a user-left broadcast to each, then drops out of the
// registry.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	for _, flavor := range roomFlavors {
		h.leaveRoomLocked(c, flavor)
	}
	delete(h.clients, c)
	h.mu.Unlock()

	slog.Info("Client removed", "clientID", c.id, "userID", c.userID)
}

// Registered reports whether the connection is currently admitted.
func (h *Hub) Registered(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c]
	return ok
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// JoinRoom places the connection in a room, implicitly leaving any previous
// room of the same flavor. Returns the user ids of the room's members after
// the join, the caller's included.
func (h *Hub) JoinRoom(c *Client, flavor RoomFlavor, roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveRoomLocked(c, flavor)

	members, ok := h.rooms[flavor][roomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[flavor][roomID] = members
	}
	members[c] = struct{}{}
	c.rooms[flavor] = roomID

	userIDs := make([]string, 0, len(members))
	for m := range members {
		userIDs = append(userIDs, m.userID)
	}
	return userIDs
}

// LeaveRoom removes the connection from its current room of the given flavor,
// if any.
func (h *Hub) LeaveRoom(c *Client, flavor RoomFlavor) {
	h.mu.Lock()
	h.leaveRoomLocked(c, flavor)
	h.mu.Unlock()
}

// leaveRoomLocked broadcasts user-left to the vacated room before removing
// the connection, and deletes the room's index entry once empty. Caller holds
// h.mu.
func (h *Hub) leaveRoomLocked(c *Client, flavor RoomFlavor) {
	roomID, ok := c.rooms[flavor]
	if !ok {
		return
	}

	left := NewMessage(TypeUserLeft, c.userID, map[string]any{
		"userId":       c.userID,
		flavor.idKey(): roomID,
	})
	h.broadcastLocked(flavor, roomID, left, c)

	if members, ok := h.rooms[flavor][roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms[flavor], roomID)
		}
	}
	delete(c.rooms, flavor)
}

// CurrentRoom returns the room id the connection occupies for a flavor.
func (h *Hub) CurrentRoom(c *Client, flavor RoomFlavor) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	roomID, ok := c.rooms[flavor]
	return roomID, ok
}

// RoomMembers returns the user ids currently in a room.
func (h *Hub) RoomMembers(flavor RoomFlavor, roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.rooms[flavor][roomID]
	userIDs := make([]string, 0, len(members))
	for m := range members {
		userIDs = append(userIDs, m.userID)
	}
	return userIDs
}

// RoomExists reports whether the room has an index entry at all.
func (h *Hub) RoomExists(flavor RoomFlavor, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[flavor][roomID]
	return ok
}

// Broadcast fans a message out to every open connection in the room, skipping
// the excluded sender. Fire-and-forget: a slow or closing connection is
// dropped, never waited on.
func (h *Hub) Broadcast(flavor RoomFlavor, roomID string, msg *Message, exclude *Client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastLocked(flavor, roomID, msg, exclude)
}

func (h *Hub) broadcastLocked(flavor RoomFlavor, roomID string, msg *Message, exclude *Client) {
	members, ok := h.rooms[flavor][roomID]
	if !ok {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	for m := range members {
		if m == exclude || m.isClosed() {
			continue
		}
		m.enqueue(data)
	}
}

// checkLiveness runs once per heartbeat interval. Two-tick death detection: a
// connection that did not answer the previous probe is evicted, everyone else
// gets flagged down and probed again.
func (h *Hub) checkLiveness() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.alive.Load() {
			slog.Info("Evicting unresponsive connection", "clientID", c.id, "userID", c.userID)
			h.evict(c)
			continue
		}

		c.alive.Store(false)
		if err := c.probe(); err != nil {
			// A failed probe shows up as a missed heartbeat next cycle.
			slog.Debug("Heartbeat probe failed", "clientID", c.id, "userID", c.userID, "error", err)
		}
	}
}

// evict treats the connection as disconnected and terminates the transport
// without a close handshake.
func (h *Hub) evict(c *Client) {
	h.Remove(c)
	c.terminate()
}
