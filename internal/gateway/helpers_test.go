package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockConn implements Conn in memory for tests.
type mockConn struct {
	mu      sync.Mutex
	written [][]byte
	pings   int
	closed  bool
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("mock: reads not supported")
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock: connection closed")
	}
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mock: connection closed")
	}
	if messageType == websocket.PingMessage {
		m.pings++
	}
	return nil
}

func (m *mockConn) SetReadLimit(int64)                {}
func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetPongHandler(func(string) error) {}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isConnClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) pingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

func newTestHub() *Hub {
	return NewHub(HubOptions{
		HeartbeatInterval: 50 * time.Millisecond,
		SendBufferSize:    64,
		MaxMessageSize:    4096,
	})
}

func newTestClient(hub *Hub, userID string) *Client {
	c := NewClient(hub, &mockConn{}, userID, "127.0.0.1")
	c.authenticated.Store(true)
	hub.Admit(c)
	return c
}

// drainFrames decodes everything currently queued for the client.
func drainFrames(t *testing.T, c *Client) []*Message {
	t.Helper()

	var frames []*Message
	for {
		select {
		case data := <-c.send:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("undecodable frame: %v", err)
			}
			frames = append(frames, &msg)
		default:
			return frames
		}
	}
}

// awaitFrame blocks until the client receives a frame of the given type.
func awaitFrame(t *testing.T, c *Client, msgType MessageType, timeout time.Duration) *Message {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case data := <-c.send:
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("undecodable frame: %v", err)
			}
			if msg.Type == msgType {
				return &msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", msgType)
			return nil
		}
	}
}

func framesOfType(frames []*Message, msgType MessageType) []*Message {
	var out []*Message
	for _, f := range frames {
		if f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

// fakeGate is an in-memory authorization gate.
type fakeGate struct {
	mu      sync.Mutex
	members map[string]bool
	err     error
	calls   int
}

func newFakeGate() *fakeGate {
	return &fakeGate{members: make(map[string]bool)}
}

func (g *fakeGate) allow(userID, resourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[userID+":"+resourceID] = true
}

func (g *fakeGate) IsMember(_ context.Context, userID, resourceID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return false, g.err
	}
	return g.members[userID+":"+resourceID], nil
}

// fakeBus is an in-memory pub/sub backbone shared between bridge instances.
type fakeBus struct {
	mu            sync.Mutex
	subs          []*fakeSubscription
	failSubscribe bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.matches(channel) {
			sub.out <- BusMessage{Channel: channel, Payload: payload}
		}
	}
	return nil
}

func (b *fakeBus) PSubscribe(_ context.Context, patterns ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failSubscribe {
		return nil, errors.New("bus unavailable")
	}

	sub := &fakeSubscription{
		patterns: patterns,
		out:      make(chan BusMessage, 64),
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

type fakeSubscription struct {
	patterns []string
	out      chan BusMessage
	once     sync.Once
}

func (s *fakeSubscription) matches(channel string) bool {
	for _, pattern := range s.patterns {
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (s *fakeSubscription) Messages() <-chan BusMessage {
	return s.out
}

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.out) })
	return nil
}
