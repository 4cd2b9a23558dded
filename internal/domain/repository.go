package domain

import (
	"context"
)

// PresenceRepository persists per-device presence records.
type PresenceRepository interface {
	// Put upserts the record for (UserID, DeviceID). A record whose LastSeen
	// is older than the stored one is ignored (last write wins by timestamp).
	Put(ctx context.Context, p *UserPresence) error
	ListForUser(ctx context.Context, userID string) ([]*UserPresence, error)
	// ListOnline returns records flagged online and seen at or after sinceNs.
	ListOnline(ctx context.Context, sinceNs int64) ([]*UserPresence, error)
}

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	// CreateIfAbsent inserts c unless a conversation with the same ID exists.
	CreateIfAbsent(ctx context.Context, c *Conversation) (created bool, err error)
	GetByID(ctx context.Context, id string) (*Conversation, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	MarkAsRead(ctx context.Context, conversationID, userID string, atNs int64) error
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// Append stores m and updates the parent conversation summary in one
	// transaction. Sequence and the final SentAt are assigned by the store.
	// When m.IdempotencyKey was already used by the same sender in the same
	// conversation the stored message is returned with duplicate=true.
	Append(ctx context.Context, m *Message, preview string) (stored *Message, duplicate bool, err error)
	// ListForConversation returns up to limit messages with a sequence below
	// beforeSeq (0 means no bound), newest first.
	ListForConversation(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*Message, error)
}
