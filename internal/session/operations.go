package session

import (
	"context"
	"time"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/presence"
	"github.com/LionelRostand/neorent-sub005/internal/service"
)

// The methods on Deps are the per-request form of the facade. A Session
// routes through them too, so REST and websocket callers share one set of
// rules (content check, rate limit, conversation resolution).

// SendRequest addresses a message either to an existing conversation or to
// a user, in which case the conversation is resolved (and created on first
// contact) with the given Type.
type SendRequest struct {
	ConversationID string
	ToUserID       string
	ToDisplayName  string
	Type           domain.ConversationType
	Content        string
	IdempotencyKey string
}

// Send appends a message on behalf of from and returns once it is durable.
// Content is checked before anything is resolved, so a rejected first
// message creates no conversation.
func (d Deps) Send(ctx context.Context, from domain.Identity, req SendRequest) (*domain.Message, error) {
	if from.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	if err := d.Messages.CheckContent(req.Content); err != nil {
		return nil, err
	}
	if !d.Limiter.Allow(from.UserID) {
		return nil, domain.ErrRateLimited
	}

	convID := req.ConversationID
	if convID == "" {
		var err error
		convID, err = d.Conversations.Resolve(ctx,
			service.Participant{UserID: from.UserID, DisplayName: from.DisplayName},
			service.Participant{UserID: req.ToUserID, DisplayName: req.ToDisplayName},
			req.Type,
		)
		if err != nil {
			return nil, err
		}
	}

	return d.Messages.Append(ctx, service.AppendInput{
		ConversationID: convID,
		SenderID:       from.UserID,
		SenderName:     from.DisplayName,
		Content:        req.Content,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// MarkRead clears the caller's own unread counter.
func (d Deps) MarkRead(ctx context.Context, by domain.Identity, conversationID string) error {
	return d.Conversations.MarkRead(ctx, conversationID, by.UserID)
}

func (d Deps) ListConversations(ctx context.Context, id domain.Identity) ([]*domain.Conversation, error) {
	return d.Conversations.ListFor(ctx, id.UserID)
}

func (d Deps) Conversation(ctx context.Context, id domain.Identity, conversationID string) (*domain.Conversation, error) {
	return d.Conversations.Get(ctx, conversationID, id.UserID)
}

func (d Deps) History(ctx context.Context, id domain.Identity, conversationID string, pageSize int, cursor int64) (service.Page, error) {
	return d.Messages.History(ctx, conversationID, id.UserID, pageSize, cursor)
}

func (d Deps) QueryStatus(ctx context.Context, userID string) (presence.Status, error) {
	return d.Presence.Status(ctx, userID)
}

func (d Deps) OnlineUsers(ctx context.Context) ([]presence.Status, error) {
	return d.Presence.ListOnline(ctx)
}

// Heartbeat records one presence write for a device that is not held by a
// Session, such as a client polling over REST.
func (d Deps) Heartbeat(ctx context.Context, id domain.Identity, deviceID string, online bool) error {
	return d.Presence.Beat(ctx, id, deviceID, online)
}

// HeartbeatInterval is how often a device must beat to stay online.
func (d Deps) HeartbeatInterval() time.Duration {
	return d.Presence.Interval()
}
