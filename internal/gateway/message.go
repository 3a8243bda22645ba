package gateway

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrClientDisconnected = errors.New("client disconnected")
)

// Close codes sent before the gateway drops a connection.
const (
	CloseUnauthorized    = 4401
	CloseTooManyRequests = 4429
)

// MessageType tags every frame crossing the wire.
type MessageType string

// Inbound frame types.
const (
	TypeJoinProject       MessageType = "join-project"
	TypeLeaveProject      MessageType = "leave-project"
	TypeJoinOrganization  MessageType = "join-organization"
	TypeLeaveOrganization MessageType = "leave-organization"
	TypeJoinConversation  MessageType = "join-conversation"
	TypeLeaveConversation MessageType = "leave-conversation"
	TypeCursorMove        MessageType = "cursor-move"
	TypeTypingIndicator   MessageType = "typing-indicator"
	TypeChatMessage       MessageType = "chat-message"
	TypePing              MessageType = "ping"
)

// Outbound frame types.
const (
	TypeAuthenticated      MessageType = "authenticated"
	TypeError              MessageType = "error"
	TypeProjectJoined      MessageType = "project-joined"
	TypeOrganizationJoined MessageType = "organization-joined"
	TypeConversationJoined MessageType = "conversation-joined"
	TypeUserJoined         MessageType = "user-joined"
	TypeUserLeft           MessageType = "user-left"
	TypePong               MessageType = "pong"
)

func (mt MessageType) String() string {
	return string(mt)
}

// IsInbound reports whether the type is one a client may send.
func (mt MessageType) IsInbound() bool {
	switch mt {
	case TypeJoinProject, TypeLeaveProject, TypeJoinOrganization,
		TypeLeaveOrganization, TypeJoinConversation, TypeLeaveConversation,
		TypeCursorMove, TypeTypingIndicator, TypeChatMessage, TypePing:
		return true
	default:
		return false
	}
}

// Frame is the inbound client envelope. Payload stays raw until the router
// knows which type it is dealing with.
type Frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is the outbound envelope. Payload shape is opaque to the gateway;
// domain events from collaborators pass through untouched.
type Message struct {
	Type      MessageType    `json:"type"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
	UserID    string         `json:"userId,omitempty"`
}

func NewMessage(msgType MessageType, userID string, payload map[string]any) *Message {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
		UserID:    userID,
	}
}

func NewErrorMessage(text string) *Message {
	return NewMessage(TypeError, "", map[string]any{"message": text})
}

// Typed payloads for the inbound frames the router understands.

type joinProjectPayload struct {
	ProjectID string `json:"projectId"`
}

type joinOrganizationPayload struct {
	OrganizationID string `json:"organizationId"`
}

type joinConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type cursorMovePayload struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

type typingIndicatorPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type chatMessagePayload struct {
	ConversationID string  `json:"conversationId"`
	Text           *string `json:"text,omitempty"`
	FileURL        *string `json:"fileUrl,omitempty"`
	FileName       *string `json:"fileName,omitempty"`
}
