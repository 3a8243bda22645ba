package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"collab-gateway/internal/authz"
	"collab-gateway/internal/chat"

	"github.com/google/uuid"
)

// Router dispatches inbound frames by type tag. Every branch re-checks the
// authentication flag; unknown types and unparseable payloads come back as
// error frames, never as dropped frames or closed connections.
type Router struct {
	hub    *Hub
	gate   authz.Gate
	bridge *Bridge
	chats  chat.Store
}

func NewRouter(hub *Hub, gate authz.Gate, bridge *Bridge, chats chat.Store) *Router {
	r := &Router{
		hub:    hub,
		gate:   gate,
		bridge: bridge,
		chats:  chats,
	}
	hub.router = r
	return r
}

func (r *Router) HandleFrame(ctx context.Context, c *Client, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError("Invalid message format")
		return
	}

	if !c.authenticated.Load() {
		c.sendError("Not authenticated")
		return
	}

	payload := frame.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	switch frame.Type {
	case TypeJoinProject:
		var p joinProjectPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.ProjectID == "" {
			c.sendError("Invalid message format")
			return
		}
		r.handleJoin(ctx, c, FlavorProject, p.ProjectID)

	case TypeLeaveProject:
		r.hub.LeaveRoom(c, FlavorProject)

	case TypeJoinOrganization:
		var p joinOrganizationPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.OrganizationID == "" {
			c.sendError("Invalid message format")
			return
		}
		r.handleJoin(ctx, c, FlavorOrganization, p.OrganizationID)

	case TypeLeaveOrganization:
		r.hub.LeaveRoom(c, FlavorOrganization)

	case TypeJoinConversation:
		var p joinConversationPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
			c.sendError("Invalid message format")
			return
		}
		r.handleJoin(ctx, c, FlavorConversation, p.ConversationID)

	case TypeLeaveConversation:
		r.hub.LeaveRoom(c, FlavorConversation)

	case TypeCursorMove:
		r.handleCursorMove(c, payload)

	case TypeTypingIndicator:
		r.handleTyping(ctx, c, payload)

	case TypeChatMessage:
		r.handleChat(ctx, c, payload)

	case TypePing:
		c.alive.Store(true)
		c.SendMessage(NewMessage(TypePong, "", nil))

	default:
		c.sendError("Unknown message type")
	}
}

func (r *Router) handleJoin(ctx context.Context, c *Client, flavor RoomFlavor, roomID string) {
	member, err := r.gate.IsMember(ctx, c.userID, roomID)
	if err != nil {
		slog.Error("Membership check failed", "userID", c.userID, "roomID", roomID, "error", err)
		c.sendError("Authorization check failed")
		return
	}
	if !member {
		c.sendError("Not authorized")
		return
	}

	users := r.hub.JoinRoom(c, flavor, roomID)

	c.SendMessage(NewMessage(flavor.joinedType(), c.userID, map[string]any{
		flavor.idKey(): roomID,
		"users":        users,
	}))

	r.hub.Broadcast(flavor, roomID, NewMessage(TypeUserJoined, c.userID, map[string]any{
		"userId":       c.userID,
		flavor.idKey(): roomID,
	}), c)
}

func (r *Router) handleCursorMove(c *Client, payload []byte) {
	var p cursorMovePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.sendError("Invalid message format")
		return
	}

	roomID, ok := r.hub.CurrentRoom(c, FlavorProject)
	if !ok {
		c.sendError("Not in a project")
		return
	}

	out := map[string]any{"x": p.X, "y": p.Y}
	if p.ElementID != "" {
		out["elementId"] = p.ElementID
	}
	r.hub.Broadcast(FlavorProject, roomID, NewMessage(TypeCursorMove, c.userID, out), c)
}

// handleTyping round-trips the indicator through the bus so peers on every
// process see it, this one included.
func (r *Router) handleTyping(ctx context.Context, c *Client, payload []byte) {
	var p typingIndicatorPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		c.sendError("Invalid message format")
		return
	}

	if current, ok := r.hub.CurrentRoom(c, FlavorConversation); !ok || current != p.ConversationID {
		c.sendError("Not in this conversation")
		return
	}

	msg := NewMessage(TypeTypingIndicator, c.userID, map[string]any{
		"userId":         c.userID,
		"conversationId": p.ConversationID,
		"isTyping":       p.IsTyping,
	})
	if err := r.bridge.PublishTyping(ctx, p.ConversationID, msg); err != nil {
		slog.Error("Failed to publish typing indicator", "conversationID", p.ConversationID, "error", err)
	}
}

// handleChat persists the message through the collaborator store, then
// publishes to the bus. It is never broadcast directly; the accepting process
// receives it back through its own subscription like everyone else.
func (r *Router) handleChat(ctx context.Context, c *Client, payload []byte) {
	var p chatMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.ConversationID == "" {
		c.sendError("Invalid message format")
		return
	}

	if current, ok := r.hub.CurrentRoom(c, FlavorConversation); !ok || current != p.ConversationID {
		c.sendError("Not in this conversation")
		return
	}

	msgID := uuid.New().String()

	if r.chats != nil {
		stored := &chat.Message{
			ID:             msgID,
			ConversationID: p.ConversationID,
			UserID:         c.userID,
			Text:           p.Text,
			FileURL:        p.FileURL,
			FileName:       p.FileName,
			CreatedAt:      time.Now(),
		}
		if err := r.chats.Save(ctx, stored); err != nil {
			// Persistence is best effort from the gateway's side; delivery
			// still happens.
			slog.Error("Failed to persist chat message", "conversationID", p.ConversationID, "error", err)
		}
	}

	out := map[string]any{
		"id":             msgID,
		"conversationId": p.ConversationID,
	}
	if p.Text != nil {
		out["text"] = *p.Text
	}
	if p.FileURL != nil {
		out["fileUrl"] = *p.FileURL
	}
	if p.FileName != nil {
		out["fileName"] = *p.FileName
	}

	msg := NewMessage(TypeChatMessage, c.userID, out)
	if err := r.bridge.PublishChat(ctx, p.ConversationID, msg); err != nil {
		slog.Error("Failed to publish chat message", "conversationID", p.ConversationID, "error", err)
	}
}
