package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/fanout"
	"github.com/LionelRostand/neorent-sub005/internal/logging"
	"github.com/LionelRostand/neorent-sub005/internal/presence"
	"github.com/LionelRostand/neorent-sub005/internal/security"
	"github.com/LionelRostand/neorent-sub005/internal/session"
)

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if len(allowed) == 0 {
		return func(r *http.Request) bool {
			return false
		}
	}
	if _, ok := allowed["*"]; ok {
		return func(r *http.Request) bool {
			return true
		}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return false
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := allowed[fmt.Sprintf("%s://%s", u.Scheme, u.Host)]
		return ok
	}
}

// extractToken reads the bearer token from the Authorization header or,
// for browsers that cannot set headers on upgrade, from the
// "bearer, <token>" subprotocol pair.
func extractToken(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if token := strings.TrimSpace(authHeader[len("Bearer "):]); token != "" {
			return token, nil
		}
	}

	if protocolHeader := r.Header.Get("Sec-WebSocket-Protocol"); protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1], nil
		}
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

type Config struct {
	Tokens         *security.TokenService
	Core           session.Deps
	AllowedOrigins []string
	Logger         *slog.Logger
	// MaxContentLength sizes the frame read limit. Zero takes the message
	// service's limit.
	MaxContentLength int
}

// inbound is any event a client may send. Fields irrelevant to Type are
// ignored.
type inbound struct {
	Type             string `json:"type"`
	Ref              string `json:"ref,omitempty"`
	ConversationID   string `json:"conversation_id,omitempty"`
	ToUserID         string `json:"to_user_id,omitempty"`
	ToDisplayName    string `json:"to_display_name,omitempty"`
	ConversationType string `json:"conversation_type,omitempty"`
	Content          string `json:"content,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	Visible          *bool  `json:"visible,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	Before           int64  `json:"before,omitempty"`
}

type outbound struct {
	Type           string `json:"type"`
	Ref            string `json:"ref,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Data           any    `json:"data,omitempty"`
	NextCursor     int64  `json:"next_cursor,omitempty"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidContent):
		return "invalid_content"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrSessionNotStarted):
		return "session_not_started"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "unavailable"
	}
	return "internal"
}

// MakeHandler returns an HTTP handler for the /ws endpoint. Each connection
// gets its own chat session that lives exactly as long as the socket.
// Inbound events:
//   - message                           -> send, reply message_sent
//   - mark_read                         -> clear own unread counter
//   - open_thread / close_thread        -> stream messages of a conversation
//   - watch_presence / unwatch_presence -> stream a user's presence
//   - visibility                        -> app foreground/background
//   - history                           -> one page of older messages
//
// The conversation list is streamed from connect until close.
func MakeHandler(hub *Hub, cfg Config) http.HandlerFunc {
	log := logging.OrDiscard(cfg.Logger)
	maxContent := cfg.MaxContentLength
	if maxContent <= 0 {
		maxContent = cfg.Core.Messages.Limits().MaxContentLength
	}
	readLimit := readLimitFor(maxContent)
	checkOrigin := makeCheckOrigin(cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
		Subprotocols:    []string{"bearer"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		tokenStr, err := extractToken(r)
		if err != nil {
			var authErr wsAuthError
			if errors.As(err, &authErr) {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		id, err := cfg.Tokens.Identity(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		// Counted from here so shutdown can wait for the session teardown
		// below to finish writing.
		hub.begin()
		defer hub.end()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := newClient(conn, log.With("user_id", id.UserID), readLimit)
		c.sess = session.New(cfg.Core, id, session.Options{
			DeviceID: r.URL.Query().Get("device_id"),
			OnConversations: func(convs []*domain.Conversation) {
				c.emit(outbound{Type: "conversations", Data: convs})
			},
		})
		if err := c.sess.Start(ctx); err != nil {
			c.log.Error("ws_session_start_failed", "error", err)
			conn.Close()
			return
		}

		hub.Register(c)
		go c.writePump()

		c.readPump(ctx)

		c.sess.Stop()
		hub.Unregister(c)
		c.Close()
	}
}

// readPump dispatches client events until the connection fails. Thread and
// presence subscriptions are only touched from here, so they need no lock.
func (c *Client) readPump(ctx context.Context) {
	threads := make(map[string]*fanout.Subscription)
	watches := make(map[string]*fanout.Subscription)

	c.conn.SetReadLimit(c.readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("ws_read_failed", "error", err)
			}
			return
		}
		var ev inbound
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.emitError("", fmt.Errorf("malformed event: %w", domain.ErrInvalidInput))
			continue
		}

		switch ev.Type {
		case "message":
			msg, err := c.sess.Send(ctx, session.SendRequest{
				ConversationID: ev.ConversationID,
				ToUserID:       ev.ToUserID,
				ToDisplayName:  ev.ToDisplayName,
				Type:           domain.ConversationType(ev.ConversationType),
				Content:        ev.Content,
				IdempotencyKey: ev.IdempotencyKey,
			})
			if err != nil {
				c.emitError(ev.Ref, err)
				continue
			}
			c.emit(outbound{Type: "message_sent", Ref: ev.Ref, ConversationID: msg.ConversationID, Data: msg})

		case "mark_read":
			if err := c.sess.MarkRead(ctx, ev.ConversationID, c.UserID()); err != nil {
				c.emitError(ev.Ref, err)
			}

		case "open_thread":
			if _, open := threads[ev.ConversationID]; open {
				continue
			}
			convID := ev.ConversationID
			sub, err := c.sess.SubscribeMessages(ctx, convID, func(msgs []*domain.Message) {
				c.emit(outbound{Type: "messages", ConversationID: convID, Data: msgs})
			})
			if err != nil {
				c.emitError(ev.Ref, err)
				continue
			}
			threads[convID] = sub

		case "close_thread":
			if sub, ok := threads[ev.ConversationID]; ok {
				c.sess.Unsubscribe(sub)
				delete(threads, ev.ConversationID)
			}

		case "watch_presence":
			if _, open := watches[ev.UserID]; open {
				continue
			}
			sub, err := c.sess.SubscribePresence(ev.UserID, func(st presence.Status) {
				c.emit(outbound{Type: "presence", Data: st})
			})
			if err != nil {
				c.emitError(ev.Ref, err)
				continue
			}
			watches[ev.UserID] = sub

		case "unwatch_presence":
			if sub, ok := watches[ev.UserID]; ok {
				c.sess.Unsubscribe(sub)
				delete(watches, ev.UserID)
			}

		case "visibility":
			if ev.Visible == nil || *ev.Visible {
				err = c.sess.OnForeground()
			} else {
				err = c.sess.OnBackground()
			}
			if err != nil {
				c.emitError(ev.Ref, err)
			}

		case "history":
			page, err := c.sess.History(ctx, ev.ConversationID, ev.Limit, ev.Before)
			if err != nil {
				c.emitError(ev.Ref, err)
				continue
			}
			c.emit(outbound{
				Type:           "history",
				Ref:            ev.Ref,
				ConversationID: ev.ConversationID,
				Data:           page.Messages,
				NextCursor:     page.NextCursor,
			})

		default:
			c.emitError(ev.Ref, fmt.Errorf("unknown event type %q: %w", ev.Type, domain.ErrInvalidInput))
		}
	}
}
