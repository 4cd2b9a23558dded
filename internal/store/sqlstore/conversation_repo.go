package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
)

type ConversationRepo struct {
	db *sql.DB
	d  Dialect
}

func NewConversationRepo(db *sql.DB, d Dialect) *ConversationRepo {
	return &ConversationRepo{db: db, d: d}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

// conversationColumns selects one row per participant; scanConversations
// folds consecutive rows of the same conversation back together.
const conversationColumns = `
	c.id, c.type, c.created_at_ns, c.last_message_at_ns, c.last_message_preview, c.last_sequence,
	p.user_id, p.display_name, p.unread_count`

func (r *ConversationRepo) CreateIfAbsent(ctx context.Context, c *domain.Conversation) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, r.d.wrap("begin create conversation", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.d.rebind(`
		INSERT INTO conversations (id, type, created_at_ns, last_message_at_ns, last_message_preview, last_sequence)
		VALUES (?, ?, ?, 0, '', 0)
		ON CONFLICT (id) DO NOTHING
	`), c.ID, string(c.Type), c.CreatedAt.UnixNano())
	if err != nil {
		return false, r.d.wrap("insert conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, r.d.wrap("insert conversation", err)
	}
	if n == 0 {
		return false, nil
	}

	for _, p := range c.Participants {
		if _, err := tx.ExecContext(ctx, r.d.rebind(`
			INSERT INTO conversation_participants (conversation_id, user_id, display_name, unread_count, last_read_at_ns)
			VALUES (?, ?, ?, 0, 0)
		`), c.ID, p, c.ParticipantNames[p]); err != nil {
			return false, r.d.wrap("insert participant", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, r.d.wrap("commit create conversation", err)
	}
	return true, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := r.d.rebind(`
		SELECT` + conversationColumns + `
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE c.id = ?
		ORDER BY p.user_id
	`)
	rows, err := r.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, r.d.wrap("get conversation", err)
	}
	defer rows.Close()

	convs, err := scanConversations(rows)
	if err != nil {
		return nil, r.d.wrap("get conversation", err)
	}
	if len(convs) == 0 {
		return nil, fmt.Errorf("get conversation %s: %w", id, domain.ErrNotFound)
	}
	return convs[0], nil
}

// ListForUser returns the user's conversations, most recent activity first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := r.d.rebind(`
		SELECT` + conversationColumns + `
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE c.id IN (
			SELECT conversation_id FROM conversation_participants WHERE user_id = ?
		)
		ORDER BY c.last_message_at_ns DESC, c.created_at_ns DESC, c.id, p.user_id
		LIMIT ?
	`)
	// Every conversation has exactly two participant rows.
	rows, err := r.db.QueryContext(ctx, query, userID, limit*2)
	if err != nil {
		return nil, r.d.wrap("list conversations", err)
	}
	defer rows.Close()

	convs, err := scanConversations(rows)
	if err != nil {
		return nil, r.d.wrap("list conversations", err)
	}
	return convs, nil
}

func (r *ConversationRepo) MarkAsRead(ctx context.Context, conversationID, userID string, atNs int64) error {
	res, err := r.db.ExecContext(ctx, r.d.rebind(`
		UPDATE conversation_participants
		SET unread_count = 0, last_read_at_ns = ?
		WHERE conversation_id = ? AND user_id = ?
	`), atNs, conversationID, userID)
	if err != nil {
		return r.d.wrap("mark read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return r.d.wrap("mark read", err)
	}
	if n == 0 {
		return fmt.Errorf("mark read %s: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}

func scanConversations(rows *sql.Rows) ([]*domain.Conversation, error) {
	var (
		res []*domain.Conversation
		cur *domain.Conversation
	)
	for rows.Next() {
		var (
			id, typ, preview, userID, name string
			createdNs, lastNs, lastSeq     int64
			unread                         int
		)
		if err := rows.Scan(&id, &typ, &createdNs, &lastNs, &preview, &lastSeq, &userID, &name, &unread); err != nil {
			return nil, err
		}
		if cur == nil || cur.ID != id {
			cur = &domain.Conversation{
				ID:                 id,
				Type:               domain.ConversationType(typ),
				CreatedAt:          time.Unix(0, createdNs).UTC(),
				LastMessagePreview: preview,
				LastSequence:       lastSeq,
				ParticipantNames:   make(map[string]string, 2),
				UnreadCounts:       make(map[string]int, 2),
			}
			if lastNs != 0 {
				cur.LastMessageAt = time.Unix(0, lastNs).UTC()
			}
			res = append(res, cur)
		}
		if len(cur.ParticipantNames) < 2 {
			cur.Participants[len(cur.ParticipantNames)] = userID
		}
		cur.ParticipantNames[userID] = name
		cur.UnreadCounts[userID] = unread
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range res {
		c.Participants = domain.SortPair(c.Participants[0], c.Participants[1])
	}
	return res, nil
}
