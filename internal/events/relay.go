package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"collab-gateway/internal/gateway"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// DomainEvent is the record shape the CRUD services produce when platform
// state changes (task-updated, risk-created, ...). The payload passes through
// the gateway untouched.
type DomainEvent struct {
	ProjectID string         `json:"projectId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	UserID    string         `json:"userId,omitempty"`
}

// Relay consumes domain events and rebroadcasts them to the local project
// rooms. Every gateway process uses a unique group id so all of them see
// every event.
type Relay struct {
	reader *kafka.Reader
	hub    *gateway.Hub
}

func NewRelay(brokers []string, topic string, hub *gateway.Hub) *Relay {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        "gateway-" + uuid.New().String(),
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: time.Second,
	})
	return &Relay{reader: reader, hub: hub}
}

// Run blocks until the context is cancelled or the reader is closed. Consume
// errors are logged and retried; a broken broker degrades event relay, never
// the gateway.
func (r *Relay) Run(ctx context.Context) {
	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			slog.Error("Failed to read domain event", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var ev DomainEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			slog.Warn("Dropping malformed domain event", "offset", m.Offset, "error", err)
			continue
		}
		if ev.ProjectID == "" || ev.Type == "" {
			slog.Warn("Dropping domain event without project or type", "offset", m.Offset)
			continue
		}

		msg := gateway.NewMessage(gateway.MessageType(ev.Type), ev.UserID, ev.Payload)
		r.hub.Broadcast(gateway.FlavorProject, ev.ProjectID, msg, nil)
	}
}

func (r *Relay) Close() error {
	return r.reader.Close()
}
