package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/fanout"
	"github.com/LionelRostand/neorent-sub005/internal/metrics"
	"github.com/LionelRostand/neorent-sub005/internal/presence"
	"github.com/LionelRostand/neorent-sub005/internal/security"
	"github.com/LionelRostand/neorent-sub005/internal/service"
	"github.com/LionelRostand/neorent-sub005/internal/session"
	"github.com/LionelRostand/neorent-sub005/internal/store/sqlite"
	"github.com/LionelRostand/neorent-sub005/internal/ws"
)

const origin = "http://localhost:3000"

type event struct {
	Type           string          `json:"type"`
	Ref            string          `json:"ref"`
	ConversationID string          `json:"conversation_id"`
	Data           json.RawMessage `json:"data"`
	NextCursor     int64           `json:"next_cursor"`
	Code           string          `json:"code"`
}

type harness struct {
	stores sqlite.Stores
	srv    *httptest.Server
	hub    *ws.Hub
	tokens *security.TokenService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))
	stores := sqlite.NewStores(db)

	clock := clockwork.NewFakeClock()
	m := metrics.New()
	bus := fanout.NewBus(fanout.Options{Metrics: m})
	dir := service.NewConversationService(stores.Conversations, bus, nil, clock)
	core := session.Deps{
		Presence: presence.NewService(presence.ServiceConfig{
			Repo:     stores.Presence,
			Notifier: bus,
			Clock:    clock,
			Interval: 30 * time.Second,
		}),
		Conversations: dir,
		Messages:      service.NewMessageService(dir, stores.Messages, bus, nil, clock, nil, m, service.MessageLimits{}),
		Bus:           bus,
		Metrics:       m,
	}

	h := &harness{stores: stores, hub: ws.NewHub(), tokens: security.NewTokenService("test-secret", time.Hour)}
	h.srv = httptest.NewServer(ws.MakeHandler(h.hub, ws.Config{
		Tokens:         h.tokens,
		Core:           core,
		AllowedOrigins: []string{origin},
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *harness) dial(t *testing.T, userID, name string) *websocket.Conn {
	t.Helper()
	tok, err := h.tokens.CreateForUser(userID, name)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	header.Set("Origin", origin)
	conn, _, err := websocket.DefaultDialer.Dial(h.url()+"?device_id=test", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// await reads events until one of type typ satisfies match.
func await(t *testing.T, conn *websocket.Conn, typ string, match func(event) bool) event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev event
		require.NoError(t, conn.ReadJSON(&ev), "waiting for %s", typ)
		if ev.Type == typ && (match == nil || match(ev)) {
			return ev
		}
	}
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t)

	header := http.Header{}
	header.Set("Origin", origin)
	_, resp, err := websocket.DefaultDialer.Dial(h.url(), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := h.tokens.CreateForUser("alice", "Alice")
	require.NoError(t, err)
	header.Set("Authorization", "Bearer "+tok)
	header.Set("Origin", "http://evil.example")
	_, resp, err = websocket.DefaultDialer.Dial(h.url(), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTokenViaSubprotocol(t *testing.T) {
	h := newHarness(t)
	tok, err := h.tokens.CreateForUser("alice", "Alice")
	require.NoError(t, err)

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", tok}}
	header := http.Header{}
	header.Set("Origin", origin)
	conn, resp, err := dialer.Dial(h.url(), header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))

	await(t, conn, "conversations", nil)
}

func TestChatOverWebsocket(t *testing.T) {
	h := newHarness(t)

	bob := h.dial(t, "bob", "Bob")
	first := await(t, bob, "conversations", nil)
	assert.JSONEq(t, `[]`, string(first.Data))

	alice := h.dial(t, "alice", "Alice")
	await(t, alice, "conversations", nil)
	require.Eventually(t, func() bool { return h.hub.Connected("alice") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "watch_presence", "user_id": "alice"}))
	await(t, bob, "presence", func(ev event) bool {
		var st presence.Status
		return json.Unmarshal(ev.Data, &st) == nil && st.Online
	})

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":            "message",
		"ref":             "r1",
		"to_user_id":      "bob",
		"to_display_name": "Bob",
		"content":         "Hello",
	}))
	sent := await(t, alice, "message_sent", nil)
	assert.Equal(t, "r1", sent.Ref)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(sent.Data, &msg))
	assert.Equal(t, int64(1), msg.Sequence)

	listed := await(t, bob, "conversations", func(ev event) bool {
		var convs []domain.Conversation
		return json.Unmarshal(ev.Data, &convs) == nil && len(convs) == 1
	})
	var convs []domain.Conversation
	require.NoError(t, json.Unmarshal(listed.Data, &convs))
	assert.Equal(t, "Hello", convs[0].LastMessagePreview)
	assert.Equal(t, 1, convs[0].UnreadCounts["bob"])

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "open_thread", "conversation_id": msg.ConversationID}))
	thread := await(t, bob, "messages", nil)
	assert.Equal(t, msg.ConversationID, thread.ConversationID)
	var msgs []domain.Message
	require.NoError(t, json.Unmarshal(thread.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "mark_read", "conversation_id": msg.ConversationID}))
	await(t, bob, "conversations", func(ev event) bool {
		var convs []domain.Conversation
		return json.Unmarshal(ev.Data, &convs) == nil && len(convs) == 1 && convs[0].UnreadCounts["bob"] == 0
	})

	require.NoError(t, bob.WriteJSON(map[string]any{"type": "history", "ref": "h1", "conversation_id": msg.ConversationID, "limit": 10}))
	hist := await(t, bob, "history", nil)
	assert.Equal(t, "h1", hist.Ref)
	assert.Zero(t, hist.NextCursor)

	// Closing alice's socket ends her session, which marks her offline.
	require.NoError(t, alice.Close())
	await(t, bob, "presence", func(ev event) bool {
		var st presence.Status
		return json.Unmarshal(ev.Data, &st) == nil && !st.Online
	})
	require.Eventually(t, func() bool { return h.hub.Connected("alice") == 0 }, time.Second, time.Millisecond)
}

func TestEventErrors(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "carol", "Carol")
	await(t, conn, "conversations", nil)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance", "ref": "x"}))
	ev := await(t, conn, "error", nil)
	assert.Equal(t, "x", ev.Ref)
	assert.Equal(t, "invalid_input", ev.Code)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "message", "to_user_id": "dave", "content": "  "}))
	ev = await(t, conn, "error", nil)
	assert.Equal(t, "invalid_content", ev.Code)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "open_thread", "conversation_id": service.ConversationID("alice", "bob")}))
	ev = await(t, conn, "error", nil)
	assert.Equal(t, "not_found", ev.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev = await(t, conn, "error", nil)
	assert.Equal(t, "invalid_input", ev.Code)
}

func TestHubCloseAllDisconnects(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice", "Alice")
	await(t, conn, "conversations", nil)
	require.Eventually(t, func() bool { return h.hub.Count() == 1 }, time.Second, time.Millisecond)

	h.hub.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return h.hub.Count() == 0 }, time.Second, time.Millisecond)
}

func TestEscapedContentWithinLimitIsAccepted(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice", "Alice")
	await(t, conn, "conversations", nil)

	// Each emoji is one rune but twelve bytes once escaped as a surrogate
	// pair, which is how ASCII-only JSON encoders send it.
	frame := func(ref string, n int) []byte {
		return []byte(`{"type":"message","ref":"` + ref + `","to_user_id":"bob","content":"` +
			strings.Repeat(`\ud83d\ude00`, n) + `"}`)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame("ok", 3000)))
	sent := await(t, conn, "message_sent", nil)
	assert.Equal(t, "ok", sent.Ref)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(sent.Data, &msg))
	assert.Equal(t, strings.Repeat("\U0001F600", 3000), msg.Content)

	// One rune over the content limit is rejected as content, not by
	// dropping the socket.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame("long", 5001)))
	ev := await(t, conn, "error", nil)
	assert.Equal(t, "long", ev.Ref)
	assert.Equal(t, "invalid_content", ev.Code)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "message", "ref": "after", "to_user_id": "bob", "content": "still here"}))
	assert.Equal(t, "after", await(t, conn, "message_sent", nil).Ref)
}

func TestHubWaitCoversSessionTeardown(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"alice", "bob"} {
		conn := h.dial(t, u, u)
		await(t, conn, "conversations", nil)
	}
	require.Eventually(t, func() bool { return h.hub.Count() == 2 }, time.Second, time.Millisecond)

	h.hub.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.hub.Wait(ctx))

	// No polling: the offline writes must already be durable.
	for _, u := range []string{"alice", "bob"} {
		recs, err := h.stores.Presence.ListForUser(context.Background(), u)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.False(t, recs[0].IsOnline, u)
	}
	assert.Zero(t, h.hub.Count())
}

func TestHubWaitWithoutConnections(t *testing.T) {
	hub := ws.NewHub()
	require.NoError(t, hub.Wait(context.Background()))
}
