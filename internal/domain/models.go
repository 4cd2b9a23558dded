package domain

import (
	"sort"
	"time"
)

// Identity is the already-authenticated caller handed to the core.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// UserPresence is the liveness record written by one device of a user.
type UserPresence struct {
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	DisplayName string    `json:"display_name"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConversationType classifies a two-party conversation.
type ConversationType string

const (
	// ConversationDirect is a peer-to-peer conversation.
	ConversationDirect ConversationType = "direct"
	// ConversationSupport has one privileged party (agency staff, owner).
	ConversationSupport ConversationType = "support"
)

// Valid reports whether t is a known conversation type.
func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationSupport
}

// Conversation is a two-party chat with its summary fields.
type Conversation struct {
	ID                 string            `json:"id"`
	Type               ConversationType  `json:"type"`
	Participants       [2]string         `json:"participants"`
	ParticipantNames   map[string]string `json:"participant_names"`
	CreatedAt          time.Time         `json:"created_at"`
	LastMessageAt      time.Time         `json:"last_message_at"`
	LastMessagePreview string            `json:"last_message_preview"`
	LastSequence       int64             `json:"last_sequence"`
	UnreadCounts       map[string]int    `json:"unread_counts"`
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Message is a single immutable entry of a conversation log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
	Sequence       int64     `json:"sequence"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Before reports whether m sorts before o in the (SentAt, Sequence) order.
func (m *Message) Before(o *Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.Sequence < o.Sequence
}

// SortPair returns a and b in canonical (ascending) order.
func SortPair(a, b string) [2]string {
	p := []string{a, b}
	sort.Strings(p)
	return [2]string{p[0], p[1]}
}
