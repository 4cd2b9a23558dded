package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/fanout"
	"github.com/LionelRostand/neorent-sub005/internal/logging"
	"github.com/LionelRostand/neorent-sub005/internal/metrics"
	"github.com/LionelRostand/neorent-sub005/internal/security"
)

type MessageLimits struct {
	MaxContentLength int // runes
	PreviewLength    int // runes
	DefaultPageSize  int
	MaxPageSize      int
}

func (l MessageLimits) withDefaults() MessageLimits {
	if l.MaxContentLength <= 0 {
		l.MaxContentLength = 5000
	}
	if l.PreviewLength <= 0 {
		l.PreviewLength = 100
	}
	if l.DefaultPageSize <= 0 {
		l.DefaultPageSize = 50
	}
	if l.MaxPageSize <= 0 {
		l.MaxPageSize = max(200, l.DefaultPageSize)
	}
	// An explicit maximum always wins over the default page size.
	if l.DefaultPageSize > l.MaxPageSize {
		l.DefaultPageSize = l.MaxPageSize
	}
	return l
}

type MessageService struct {
	directory *ConversationService
	messages  domain.MessageRepository
	notifier  Notifier
	encryptor *security.Encryptor
	clock     clockwork.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	limits    MessageLimits
}

func NewMessageService(
	directory *ConversationService,
	messages domain.MessageRepository,
	notifier Notifier,
	encryptor *security.Encryptor,
	clock clockwork.Clock,
	log *slog.Logger,
	m *metrics.Metrics,
	limits MessageLimits,
) *MessageService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MessageService{
		directory: directory,
		messages:  messages,
		notifier:  notifier,
		encryptor: encryptor,
		clock:     clock,
		log:       logging.OrDiscard(log),
		metrics:   m,
		limits:    limits.withDefaults(),
	}
}

func (s *MessageService) Limits() MessageLimits { return s.limits }

type AppendInput struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	// IdempotencyKey makes retries of the same send return the original
	// message instead of appending a copy.
	IdempotencyKey string
}

// CheckContent rejects blank and oversized message bodies.
func (s *MessageService) CheckContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("empty message: %w", domain.ErrInvalidContent)
	}
	if n := utf8.RuneCountInString(content); n > s.limits.MaxContentLength {
		return fmt.Errorf("message has %d characters, limit is %d: %w", n, s.limits.MaxContentLength, domain.ErrInvalidContent)
	}
	return nil
}

// Append durably adds a message and updates the conversation summary. It
// returns only after the write has committed.
func (s *MessageService) Append(ctx context.Context, in AppendInput) (*domain.Message, error) {
	if err := s.CheckContent(in.Content); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(in.Content)

	conv, err := s.directory.Get(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}

	content, preview := in.Content, truncateRunes(trimmed, s.limits.PreviewLength)
	if s.encryptor != nil {
		if content, err = s.encryptor.Encrypt(conv.ID, content); err != nil {
			return nil, fmt.Errorf("encrypt content: %w", err)
		}
		if preview, err = s.encryptor.Encrypt(conv.ID, preview); err != nil {
			return nil, fmt.Errorf("encrypt preview: %w", err)
		}
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Content:        content,
		SentAt:         s.clock.Now().UTC(),
		IdempotencyKey: in.IdempotencyKey,
	}
	stored, duplicate, err := s.messages.Append(ctx, msg, preview)
	if err != nil {
		s.metrics.AppendFailed()
		s.log.Error("message_append_failed",
			"conversation_id", conv.ID,
			"sender_id", in.SenderID,
			"error", err,
		)
		return nil, fmt.Errorf("append message: %w", err)
	}
	s.metrics.MessageAppended(duplicate)

	if err := s.open(stored); err != nil {
		return nil, err
	}
	if !duplicate {
		s.publish(conv)
	}
	return stored, nil
}

// Page is one slice of a conversation's history, oldest message first.
// NextCursor is passed back to fetch the page before this one and is zero
// when there is nothing older.
type Page struct {
	Messages   []*domain.Message `json:"messages"`
	NextCursor int64             `json:"next_cursor"`
}

// History walks a conversation backwards from its newest message. cursor is
// an exclusive upper bound on the sequence number; zero starts at the end.
func (s *MessageService) History(
	ctx context.Context,
	conversationID, userID string,
	pageSize int,
	cursor int64,
) (Page, error) {
	if cursor < 0 {
		return Page{}, fmt.Errorf("negative cursor: %w", domain.ErrInvalidInput)
	}
	if pageSize <= 0 {
		pageSize = s.limits.DefaultPageSize
	}
	if pageSize > s.limits.MaxPageSize {
		pageSize = s.limits.MaxPageSize
	}
	if _, err := s.directory.Get(ctx, conversationID, userID); err != nil {
		return Page{}, err
	}

	// One extra row tells whether an older page exists.
	rows, err := s.messages.ListForConversation(ctx, conversationID, cursor, pageSize+1)
	if err != nil {
		return Page{}, fmt.Errorf("history: %w", err)
	}
	more := len(rows) > pageSize
	if more {
		rows = rows[:pageSize]
	}

	page := Page{Messages: make([]*domain.Message, len(rows))}
	for i, m := range rows {
		if err := s.open(m); err != nil {
			return Page{}, err
		}
		page.Messages[len(rows)-1-i] = m
	}
	if more {
		page.NextCursor = page.Messages[0].Sequence
	}
	return page, nil
}

// Thread returns the newest DefaultPageSize messages, oldest first. It is
// the snapshot a message subscription delivers.
func (s *MessageService) Thread(ctx context.Context, conversationID, userID string) ([]*domain.Message, error) {
	page, err := s.History(ctx, conversationID, userID, s.limits.DefaultPageSize, 0)
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func (s *MessageService) publish(conv *domain.Conversation) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(fanout.MessagesTopic(conv.ID))
	for _, p := range conv.Participants {
		s.notifier.Publish(fanout.ConversationsTopic(p))
	}
}

func (s *MessageService) open(m *domain.Message) error {
	if s.encryptor == nil {
		return nil
	}
	plain, err := s.encryptor.Decrypt(m.ConversationID, m.Content)
	if err != nil {
		return fmt.Errorf("decrypt message %s: %w", m.ID, err)
	}
	m.Content = plain
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
