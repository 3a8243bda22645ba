package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Hub, *Router, *fakeGate) {
	t.Helper()

	hub := newTestHub()
	gate := newFakeGate()
	bridge := NewBridge(newFakeBus(), hub)
	bridge.Start(context.Background())
	router := NewRouter(hub, gate, bridge, nil)
	return hub, router, gate
}

func frame(t *testing.T, msgType MessageType, payload any) []byte {
	t.Helper()

	data, err := json.Marshal(map[string]any{"type": msgType, "payload": payload})
	require.NoError(t, err)
	return data
}

func TestUnauthenticatedFrameRejected(t *testing.T) {
	hub, router, _ := newTestRouter(t)
	c := newTestClient(hub, "user-u")
	c.authenticated.Store(false)

	router.HandleFrame(context.Background(), c, frame(t, TypeCursorMove, map[string]any{"x": 1, "y": 2}))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeError, frames[0].Type)
	assert.Equal(t, "Not authenticated", frames[0].Payload["message"])

	_, inRoom := hub.CurrentRoom(c, FlavorProject)
	assert.False(t, inRoom, "no room mutation")
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	hub, router, _ := newTestRouter(t)
	c := newTestClient(hub, "user-u")

	router.HandleFrame(context.Background(), c, []byte("{not json"))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeError, frames[0].Type)
	assert.Equal(t, "Invalid message format", frames[0].Payload["message"])

	assert.False(t, c.isClosed(), "connection stays open")
	assert.True(t, c.authenticated.Load(), "auth state unchanged")
	assert.True(t, hub.Registered(c))
}

func TestUnknownMessageType(t *testing.T) {
	hub, router, _ := newTestRouter(t)
	c := newTestClient(hub, "user-u")

	router.HandleFrame(context.Background(), c, frame(t, "frobnicate", nil))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "Unknown message type", frames[0].Payload["message"])
	assert.False(t, c.isClosed())
}

func TestJoinProjectScenario(t *testing.T) {
	hub, router, gate := newTestRouter(t)
	u := newTestClient(hub, "user-u")
	v := newTestClient(hub, "user-v")
	gate.allow("user-u", "project-p")
	gate.allow("user-v", "project-p")

	router.HandleFrame(context.Background(), u, frame(t, TypeJoinProject, map[string]any{"projectId": "project-p"}))

	uFrames := drainFrames(t, u)
	require.Len(t, uFrames, 1)
	assert.Equal(t, TypeProjectJoined, uFrames[0].Type)
	assert.ElementsMatch(t, []any{"user-u"}, uFrames[0].Payload["users"])

	router.HandleFrame(context.Background(), v, frame(t, TypeJoinProject, map[string]any{"projectId": "project-p"}))

	vFrames := drainFrames(t, v)
	require.Len(t, vFrames, 1, "joiner gets the direct reply, not its own user-joined")
	assert.Equal(t, TypeProjectJoined, vFrames[0].Type)
	assert.ElementsMatch(t, []any{"user-u", "user-v"}, vFrames[0].Payload["users"])

	joined := framesOfType(drainFrames(t, u), TypeUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "user-v", joined[0].Payload["userId"])
}

func TestJoinProjectUnauthorized(t *testing.T) {
	hub, router, _ := newTestRouter(t)
	c := newTestClient(hub, "user-u")

	router.HandleFrame(context.Background(), c, frame(t, TypeJoinProject, map[string]any{"projectId": "project-p"}))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "Not authorized", frames[0].Payload["message"])
	assert.False(t, hub.RoomExists(FlavorProject, "project-p"))
	assert.False(t, c.isClosed(), "connection stays open on authorization failure")
}

func TestJoinAuthorizationGateError(t *testing.T) {
	hub, router, gate := newTestRouter(t)
	gate.err = fmt.Errorf("database down")
	c := newTestClient(hub, "user-u")

	router.HandleFrame(context.Background(), c, frame(t, TypeJoinProject, map[string]any{"projectId": "project-p"}))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, "Authorization check failed", frames[0].Payload["message"])
	assert.False(t, hub.RoomExists(FlavorProject, "project-p"))
}

func TestCursorMoveBroadcastsToProjectRoom(t *testing.T) {
	hub, router, gate := newTestRouter(t)
	u := newTestClient(hub, "user-u")
	v := newTestClient(hub, "user-v")
	gate.allow("user-u", "project-p")
	gate.allow("user-v", "project-p")

	router.HandleFrame(context.Background(), u, frame(t, TypeJoinProject, map[string]any{"projectId": "project-p"}))
	router.HandleFrame(context.Background(), v, frame(t, TypeJoinProject, map[string]any{"projectId": "project-p"}))
	drainFrames(t, u)
	drainFrames(t, v)

	router.HandleFrame(context.Background(), u, frame(t, TypeCursorMove, map[string]any{"x": 10.5, "y": 20.0, "elementId": "task-3"}))

	assert.Empty(t, drainFrames(t, u), "sender gets no echo")

	vFrames := drainFrames(t, v)
	require.Len(t, vFrames, 1)
	assert.Equal(t, TypeCursorMove, vFrames[0].Type)
	assert.Equal(t, "user-u", vFrames[0].UserID)
	assert.Equal(t, 10.5, vFrames[0].Payload["x"])
	assert.Equal(t, "task-3", vFrames[0].Payload["elementId"])
}

func TestCursorMoveOutsideProject(t *testing.T) {
	hub, router, _ := newTestRouter(t)
	c := newTestClient(hub, "user-u")

	router.HandleFrame(context.Background(), c, frame(t, TypeCursorMove, map[string]any{"x": 1, "y": 2}))

	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeError, frames[0].Type)
}

func TestPingRefreshesLivenessAndPongs(t *testing.T) {
	hub, router, _ := newTestRouter(t)
	c := newTestClient(hub, "user-u")
	c.alive.Store(false)

	router.HandleFrame(context.Background(), c, frame(t, TypePing, nil))

	assert.True(t, c.alive.Load())
	frames := drainFrames(t, c)
	require.Len(t, frames, 1)
	assert.Equal(t, TypePong, frames[0].Type)
}

func TestLeaveFrames(t *testing.T) {
	hub, router, gate := newTestRouter(t)
	c := newTestClient(hub, "user-u")
	gate.allow("user-u", "project-p")

	router.HandleFrame(context.Background(), c, frame(t, TypeJoinProject, map[string]any{"projectId": "project-p"}))
	drainFrames(t, c)

	router.HandleFrame(context.Background(), c, frame(t, TypeLeaveProject, nil))

	_, inRoom := hub.CurrentRoom(c, FlavorProject)
	assert.False(t, inRoom)
	assert.False(t, hub.RoomExists(FlavorProject, "project-p"))
}
