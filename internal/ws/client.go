package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LionelRostand/neorent-sub005/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// A rune of message content takes at most 12 bytes on the wire, as a
	// JSON-escaped surrogate pair.
	escapedRuneBytes = 12

	// Room for the event envelope around the content.
	envelopeBytes = 4 << 10

	sendBuffer = 64
)

// Client is one websocket connection and the chat session bound to it.
type Client struct {
	conn *websocket.Conn
	sess *session.Session
	log  *slog.Logger

	readLimit int64

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// readLimitFor is the largest frame a client may send when message content
// is capped at maxContentRunes.
func readLimitFor(maxContentRunes int) int64 {
	return int64(maxContentRunes)*escapedRuneBytes + envelopeBytes
}

func newClient(conn *websocket.Conn, log *slog.Logger, readLimit int64) *Client {
	return &Client{
		conn:      conn,
		log:       log,
		readLimit: readLimit,
		send:      make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
	}
}

func (c *Client) UserID() string {
	if c.sess == nil {
		return ""
	}
	return c.sess.Identity().UserID
}

// Close drops the connection. Safe to call from any goroutine, any number
// of times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// emit queues an event without blocking. A client that cannot keep up is
// disconnected rather than allowed to stall subscription delivery.
func (c *Client) emit(ev outbound) {
	raw, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("ws_encode_failed", "type", ev.Type, "error", err)
		return
	}
	select {
	case <-c.closed:
	case c.send <- raw:
	default:
		c.log.Warn("ws_slow_client", "type", ev.Type)
		c.Close()
	}
}

func (c *Client) emitError(ref string, err error) {
	c.emit(outbound{Type: "error", Ref: ref, Code: errorCode(err), Error: err.Error()})
}

// writePump pumps queued events to the websocket connection and keeps it
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.closed:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
