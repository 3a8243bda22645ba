package gateway

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"collab-gateway/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler upgrades handshake requests and runs the admission pipeline:
// abuse-throttle check first, then session resolution, then hub admission.
type Handler struct {
	hub      *Hub
	resolver *session.Resolver
	throttle *Throttle
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, resolver *session.Resolver, throttle *Throttle) *Handler {
	return &Handler{
		hub:      hub,
		resolver: resolver,
		throttle: throttle,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowedOrigins := []string{
		"http://localhost:3000",
		"https://localhost:3000",
		"http://127.0.0.1:3000",
	}
	if customOrigins := os.Getenv("ALLOWED_ORIGINS"); customOrigins != "" {
		for _, customOrigin := range strings.Split(customOrigins, ",") {
			allowedOrigins = append(allowedOrigins, strings.TrimSpace(customOrigin))
		}
	}

	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.HandleWebSocket)
}

func (h *Handler) HandleWebSocket(c *gin.Context) {
	addr := c.ClientIP()

	// Throttle decision happens before any session work; the upgrade only
	// exists so the rejection can carry a close code.
	blocked := h.throttle.Blocked(addr)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "addr", addr, "error", err)
		return
	}

	if blocked {
		slog.Warn("Rejecting throttled connection attempt", "addr", addr)
		closeWith(conn, CloseTooManyRequests, "Too many requests")
		return
	}

	userID, ok := h.resolver.Resolve(c.Request.Context(), c.Request)
	if !ok {
		h.throttle.RecordFailure(addr)
		closeWith(conn, CloseUnauthorized, "Unauthorized")
		return
	}

	client := NewClient(h.hub, conn, userID, addr)
	client.authenticated.Store(true)

	select {
	case h.hub.register <- client:
	case <-time.After(5 * time.Second):
		slog.Error("Timeout sending registration request", "clientID", client.id, "userID", userID)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	client.SendMessage(NewMessage(TypeAuthenticated, userID, map[string]any{
		"connectionId": client.id,
		"userId":       userID,
	}))

	slog.Info("WebSocket connection established", "clientID", client.id, "userID", userID)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	conn.Close()
}
