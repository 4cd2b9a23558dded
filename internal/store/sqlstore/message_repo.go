package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
	d  Dialect
}

func NewMessageRepo(db *sql.DB, d Dialect) *MessageRepo {
	return &MessageRepo{db: db, d: d}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

const messageColumns = `id, conversation_id, sequence, sender_id, sender_name, content, sent_at_ns, idempotency_key`

// Append inserts m and updates the conversation summary in one transaction.
// The conversation row is locked first, so concurrent appends to the same
// conversation serialize and each gets the next sequence number. SentAt is
// raised to the previous message's time if the caller's clock is behind.
func (r *MessageRepo) Append(ctx context.Context, m *domain.Message, preview string) (*domain.Message, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, r.d.wrap("begin append", err)
	}
	defer tx.Rollback()

	var lastSeq, lastNs int64
	err = tx.QueryRowContext(ctx, r.d.rebind(`
		SELECT last_sequence, last_message_at_ns FROM conversations WHERE id = ?`+r.d.LockSuffix),
		m.ConversationID,
	).Scan(&lastSeq, &lastNs)
	if err != nil {
		return nil, false, r.d.wrap("lock conversation", err)
	}

	if m.IdempotencyKey != "" {
		row := tx.QueryRowContext(ctx, r.d.rebind(`
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = ? AND sender_id = ? AND idempotency_key = ?
		`), m.ConversationID, m.SenderID, m.IdempotencyKey)
		existing, err := scanMessage(row)
		switch {
		case err == nil:
			return existing, true, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, r.d.wrap("lookup idempotency key", err)
		}
	}

	stored := *m
	stored.Sequence = lastSeq + 1
	sentNs := m.SentAt.UnixNano()
	if sentNs < lastNs {
		sentNs = lastNs
	}
	stored.SentAt = time.Unix(0, sentNs).UTC()

	var key sql.NullString
	if m.IdempotencyKey != "" {
		key = sql.NullString{String: m.IdempotencyKey, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, r.d.rebind(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), stored.ID, stored.ConversationID, stored.Sequence, stored.SenderID, stored.SenderName,
		stored.Content, sentNs, key); err != nil {
		return nil, false, r.d.wrap("insert message", err)
	}

	if _, err := tx.ExecContext(ctx, r.d.rebind(`
		UPDATE conversations
		SET last_sequence = ?, last_message_at_ns = ?, last_message_preview = ?
		WHERE id = ?
	`), stored.Sequence, sentNs, preview, stored.ConversationID); err != nil {
		return nil, false, r.d.wrap("update conversation summary", err)
	}

	if _, err := tx.ExecContext(ctx, r.d.rebind(`
		UPDATE conversation_participants
		SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id <> ?
	`), stored.ConversationID, stored.SenderID); err != nil {
		return nil, false, r.d.wrap("increment unread", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, r.d.wrap("commit append", err)
	}
	return &stored, false, nil
}

// ListForConversation returns up to limit messages below beforeSeq, newest
// first. beforeSeq <= 0 starts from the newest message.
func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*domain.Message, error) {
	if beforeSeq <= 0 {
		beforeSeq = math.MaxInt64
	}
	rows, err := r.db.QueryContext(ctx, r.d.rebind(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sequence < ?
		ORDER BY sequence DESC
		LIMIT ?
	`), conversationID, beforeSeq, limit)
	if err != nil {
		return nil, r.d.wrap("list messages", err)
	}
	defer rows.Close()

	var res []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, r.d.wrap("scan message", err)
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, r.d.wrap("list messages", err)
	}
	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*domain.Message, error) {
	var (
		m      domain.Message
		sentNs int64
		key    sql.NullString
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.Sequence, &m.SenderID, &m.SenderName, &m.Content, &sentNs, &key); err != nil {
		return nil, err
	}
	m.SentAt = time.Unix(0, sentNs).UTC()
	m.IdempotencyKey = key.String
	return &m, nil
}
