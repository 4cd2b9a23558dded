package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/fanout"
	"github.com/LionelRostand/neorent-sub005/internal/security"
)

// Notifier receives the change topics produced by successful writes.
type Notifier interface {
	Publish(t fanout.Topic)
}

// conversationNamespace seeds the UUIDv5 ids of two-party conversations.
var conversationNamespace = uuid.MustParse("6f1d9c3e-2b7a-4c38-9a57-0d7e5b1f4a21")

// ConversationID derives the id of the conversation between a and b. The
// pair is sorted first, so both participants derive the same id.
func ConversationID(a, b string) string {
	p := domain.SortPair(a, b)
	return uuid.NewSHA1(conversationNamespace, []byte(p[0]+"\x00"+p[1])).String()
}

type Participant struct {
	UserID      string
	DisplayName string
}

type ConversationService struct {
	conversations domain.ConversationRepository
	notifier      Notifier
	encryptor     *security.Encryptor
	clock         clockwork.Clock
	listLimit     int
}

func NewConversationService(
	conversations domain.ConversationRepository,
	notifier Notifier,
	encryptor *security.Encryptor,
	clock clockwork.Clock,
) *ConversationService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConversationService{
		conversations: conversations,
		notifier:      notifier,
		encryptor:     encryptor,
		clock:         clock,
		listLimit:     500,
	}
}

// Resolve returns the id of the conversation between self and other,
// creating it on first contact. Concurrent resolves of the same pair, in
// either order, all return the same id.
func (s *ConversationService) Resolve(
	ctx context.Context,
	self, other Participant,
	typ domain.ConversationType,
) (string, error) {
	if self.UserID == "" || other.UserID == "" || self.UserID == other.UserID {
		return "", fmt.Errorf("resolve conversation: %w", domain.ErrInvalidInput)
	}
	if typ == "" {
		typ = domain.ConversationDirect
	}
	if !typ.Valid() {
		return "", fmt.Errorf("resolve conversation: unknown type %q: %w", typ, domain.ErrInvalidInput)
	}

	conv := &domain.Conversation{
		ID:           ConversationID(self.UserID, other.UserID),
		Type:         typ,
		Participants: domain.SortPair(self.UserID, other.UserID),
		ParticipantNames: map[string]string{
			self.UserID:  self.DisplayName,
			other.UserID: other.DisplayName,
		},
		CreatedAt: s.clock.Now().UTC(),
	}

	created, err := s.conversations.CreateIfAbsent(ctx, conv)
	if errors.Is(err, domain.ErrConflictingCreate) {
		created, err = s.conversations.CreateIfAbsent(ctx, conv)
	}
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		s.publishLists(conv)
	}
	return conv.ID, nil
}

// ListFor returns the user's conversations, most recent activity first.
func (s *ConversationService) ListFor(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	convs, err := s.conversations.ListForUser(ctx, userID, s.listLimit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range convs {
		if err := s.openPreview(c); err != nil {
			return nil, err
		}
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	return convs, nil
}

// Get loads a conversation on behalf of userID, who must take part in it.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, domain.ErrForbidden
	}
	if err := s.openPreview(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// MarkRead resets userID's unread counter. Repeating it is harmless.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, userID string) error {
	if _, err := s.Get(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.conversations.MarkAsRead(ctx, conversationID, userID, s.clock.Now().UnixNano()); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if s.notifier != nil {
		s.notifier.Publish(fanout.ConversationsTopic(userID))
	}
	return nil
}

func (s *ConversationService) publishLists(c *domain.Conversation) {
	if s.notifier == nil {
		return
	}
	for _, p := range c.Participants {
		s.notifier.Publish(fanout.ConversationsTopic(p))
	}
}

func (s *ConversationService) openPreview(c *domain.Conversation) error {
	if s.encryptor == nil || c.LastMessagePreview == "" {
		return nil
	}
	plain, err := s.encryptor.Decrypt(c.ID, c.LastMessagePreview)
	if err != nil {
		return fmt.Errorf("decrypt preview of %s: %w", c.ID, err)
	}
	c.LastMessagePreview = plain
	return nil
}
