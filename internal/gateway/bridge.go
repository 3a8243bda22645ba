package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

const (
	chatChannelPrefix   = "chat:conversation:"
	typingChannelPrefix = "typing:conversation:"

	chatChannelPattern   = chatChannelPrefix + "*"
	typingChannelPattern = typingChannelPrefix + "*"
)

// BusMessage is one (channel, payload) pair delivered by a subscription.
type BusMessage struct {
	Channel string
	Payload []byte
}

type Subscription interface {
	Messages() <-chan BusMessage
	Close() error
}

// Bus is the pub/sub backbone contract. Redis backs it in production; tests
// share an in-memory fake between hub instances.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)
}

// RedisBus adapts a Redis client to the Bus contract.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	pubsub := b.client.PSubscribe(ctx, patterns...)

	// Force the subscribe round trip so a dead backbone fails here, not on
	// first delivery.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan BusMessage, 64),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan BusMessage
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan BusMessage {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

// Bridge relays chat and typing traffic between gateway processes through the
// shared bus. Locally accepted frames are published, never broadcast
// directly; every process (the accepting one included) receives them back
// through its own subscription, so delivery semantics are identical no matter
// which process a client landed on.
type Bridge struct {
	bus        Bus
	hub        *Hub
	sub        Subscription
	subscribed atomic.Bool
}

func NewBridge(bus Bus, hub *Hub) *Bridge {
	return &Bridge{bus: bus, hub: hub}
}

// Start establishes the wildcard subscriptions. Failure is not fatal: the
// gateway keeps serving in degraded local-only mode, where publishes fall
// back to the local broadcaster.
func (b *Bridge) Start(ctx context.Context) {
	sub, err := b.bus.PSubscribe(ctx, chatChannelPattern, typingChannelPattern)
	if err != nil {
		slog.Error("Fan-out bridge subscription failed, continuing in local-only mode", "error", err)
		return
	}

	b.sub = sub
	b.subscribed.Store(true)
	go b.listen()

	slog.Info("Fan-out bridge subscribed", "patterns", []string{chatChannelPattern, typingChannelPattern})
}

// Subscribed reports whether the bridge reached the backbone at startup.
func (b *Bridge) Subscribed() bool {
	return b.subscribed.Load()
}

func (b *Bridge) listen() {
	for m := range b.sub.Messages() {
		b.deliver(m)
	}
	slog.Info("Fan-out bridge subscription closed")
}

// deliver maps a bus channel name back to its conversation room and hands the
// event to the local broadcaster.
func (b *Bridge) deliver(m BusMessage) {
	var conversationID string
	switch {
	case strings.HasPrefix(m.Channel, chatChannelPrefix):
		conversationID = strings.TrimPrefix(m.Channel, chatChannelPrefix)
	case strings.HasPrefix(m.Channel, typingChannelPrefix):
		conversationID = strings.TrimPrefix(m.Channel, typingChannelPrefix)
	default:
		return
	}

	var msg Message
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		slog.Warn("Dropping malformed bus payload", "channel", m.Channel, "error", err)
		return
	}

	b.hub.Broadcast(FlavorConversation, conversationID, &msg, nil)
}

// PublishChat sends a chat message into the backbone's per-conversation
// channel.
func (b *Bridge) PublishChat(ctx context.Context, conversationID string, msg *Message) error {
	return b.publish(ctx, chatChannelPrefix+conversationID, conversationID, msg)
}

// PublishTyping sends a typing indicator into the backbone's per-conversation
// channel.
func (b *Bridge) PublishTyping(ctx context.Context, conversationID string, msg *Message) error {
	return b.publish(ctx, typingChannelPrefix+conversationID, conversationID, msg)
}

func (b *Bridge) publish(ctx context.Context, channel, conversationID string, msg *Message) error {
	if !b.subscribed.Load() {
		// Degraded local-only mode: no round trip available, deliver to the
		// connections this process holds.
		b.hub.Broadcast(FlavorConversation, conversationID, msg, nil)
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, channel, data)
}

// Stop tears down the subscription. Called after the hub has closed its
// connections so no event lands mid-teardown.
func (b *Bridge) Stop() {
	b.subscribed.Store(false)
	if b.sub != nil {
		b.sub.Close()
	}
}
