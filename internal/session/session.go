// Package session is the entry point a connected client talks to. A Session
// is bound to one authenticated user and owns that user's presence tracker
// and every live subscription opened through it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/fanout"
	"github.com/LionelRostand/neorent-sub005/internal/logging"
	"github.com/LionelRostand/neorent-sub005/internal/metrics"
	"github.com/LionelRostand/neorent-sub005/internal/presence"
	"github.com/LionelRostand/neorent-sub005/internal/security"
	"github.com/LionelRostand/neorent-sub005/internal/service"
)

type State int

const (
	Stopped State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Deps are the process-wide collaborators shared by all sessions.
type Deps struct {
	Presence      *presence.Service
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Bus           *fanout.Bus
	Limiter       *security.LimiterPool
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type Options struct {
	// DeviceID identifies this client in presence records. A random id is
	// used when empty.
	DeviceID string
	// ConversationType is used when SendMessage creates a conversation.
	ConversationType domain.ConversationType
	// OnConversations, when set, receives the user's conversation list from
	// Start until Stop.
	OnConversations func([]*domain.Conversation)
}

type Session struct {
	deps    Deps
	id      domain.Identity
	opts    Options
	tracker *presence.Tracker
	log     *slog.Logger

	mu    sync.Mutex
	state State
	subs  map[*fanout.Subscription]struct{}
}

func New(deps Deps, id domain.Identity, opts Options) *Session {
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}
	if opts.ConversationType == "" {
		opts.ConversationType = domain.ConversationDirect
	}
	log := logging.OrDiscard(deps.Logger).With("user_id", id.UserID, "device_id", opts.DeviceID)
	return &Session{
		deps:    deps,
		id:      id,
		opts:    opts,
		tracker: deps.Presence.NewTracker(opts.DeviceID),
		log:     log,
	}
}

func (s *Session) Identity() domain.Identity { return s.id }
func (s *Session) DeviceID() string          { return s.opts.DeviceID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins presence heartbeats and, if configured, the conversation
// list subscription. Starting an active session does nothing.
func (s *Session) Start(ctx context.Context) error {
	if s.id.UserID == "" {
		return fmt.Errorf("start session: %w", domain.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Active:
		return nil
	case Stopped:
	default:
		return fmt.Errorf("start session in state %s: %w", s.state, domain.ErrSessionNotStarted)
	}

	s.state = Starting
	s.tracker.Start(s.id.UserID, s.id.DisplayName)
	s.subs = make(map[*fanout.Subscription]struct{})
	s.state = Active
	s.deps.Metrics.SessionStarted()

	if s.opts.OnConversations != nil {
		s.addLocked(s.conversationsSubscription(s.opts.OnConversations))
	}
	s.log.Info("session_started")
	return nil
}

// Stop tears down every subscription owned by the session and stops the
// presence tracker, which writes one offline record. It returns after all
// of that is done. Stopping a stopped session does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for sub := range subs {
		sub.Unsubscribe()
	}
	s.tracker.Stop()

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	s.deps.Metrics.SessionStopped()
	s.log.Info("session_stopped", "subscriptions", len(subs))
}

// SendMessage resolves (creating on first contact) the conversation with
// the recipient and appends content to it. It returns once the message is
// durable.
func (s *Session) SendMessage(ctx context.Context, toUserID, toDisplayName, content, idempotencyKey string) (*domain.Message, error) {
	return s.Send(ctx, SendRequest{
		ToUserID:       toUserID,
		ToDisplayName:  toDisplayName,
		Content:        content,
		IdempotencyKey: idempotencyKey,
	})
}

// SendToConversation appends to an existing conversation by id.
func (s *Session) SendToConversation(ctx context.Context, conversationID, content, idempotencyKey string) (*domain.Message, error) {
	return s.Send(ctx, SendRequest{
		ConversationID: conversationID,
		Content:        content,
		IdempotencyKey: idempotencyKey,
	})
}

// Send is the general form of SendMessage. An empty Type falls back to the
// session's ConversationType.
func (s *Session) Send(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = s.opts.ConversationType
	}
	return s.deps.Send(ctx, s.id, req)
}

// SubscribeConversations streams forUserID's conversation list. Only the
// session's own user may be watched.
func (s *Session) SubscribeConversations(forUserID string, onUpdate func([]*domain.Conversation)) (*fanout.Subscription, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	if forUserID != s.id.UserID {
		return nil, domain.ErrForbidden
	}
	return s.register(func() *fanout.Subscription {
		return s.conversationsSubscription(onUpdate)
	})
}

// SubscribeMessages streams the newest messages of a conversation, oldest
// first, after checking that the session user takes part in it.
func (s *Session) SubscribeMessages(ctx context.Context, conversationID string, onUpdate func([]*domain.Message)) (*fanout.Subscription, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	if _, err := s.deps.Conversations.Get(ctx, conversationID, s.id.UserID); err != nil {
		return nil, err
	}
	return s.register(func() *fanout.Subscription {
		return fanout.Subscribe(s.deps.Bus, fanout.MessagesTopic(conversationID),
			func(ctx context.Context) ([]*domain.Message, error) {
				return s.deps.Messages.Thread(ctx, conversationID, s.id.UserID)
			}, onUpdate)
	})
}

// SubscribePresence streams userID's derived status. It also reloads every
// heartbeat interval, so a device that died without an offline write turns
// offline once its record goes stale.
func (s *Session) SubscribePresence(userID string, onUpdate func(presence.Status)) (*fanout.Subscription, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, domain.ErrInvalidInput
	}
	return s.register(func() *fanout.Subscription {
		return fanout.Subscribe(s.deps.Bus, fanout.PresenceTopic(userID),
			func(ctx context.Context) (presence.Status, error) {
				return s.deps.Presence.Status(ctx, userID)
			}, onUpdate, fanout.WithRefresh(s.deps.Presence.Interval()))
	})
}

// Unsubscribe stops sub and drops it from the session registry.
func (s *Session) Unsubscribe(sub *fanout.Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.Unsubscribe()
}

// MarkRead clears byUserID's unread counter. Only the session user can mark
// their own counter.
func (s *Session) MarkRead(ctx context.Context, conversationID, byUserID string) error {
	if err := s.requireActive(); err != nil {
		return err
	}
	if byUserID != s.id.UserID {
		return domain.ErrForbidden
	}
	return s.deps.MarkRead(ctx, s.id, conversationID)
}

func (s *Session) History(ctx context.Context, conversationID string, pageSize int, cursor int64) (service.Page, error) {
	if err := s.requireActive(); err != nil {
		return service.Page{}, err
	}
	return s.deps.History(ctx, s.id, conversationID, pageSize, cursor)
}

func (s *Session) Conversations(ctx context.Context) ([]*domain.Conversation, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	return s.deps.ListConversations(ctx, s.id)
}

func (s *Session) OnForeground() error {
	if err := s.requireActive(); err != nil {
		return err
	}
	s.tracker.OnForeground()
	return nil
}

func (s *Session) OnBackground() error {
	if err := s.requireActive(); err != nil {
		return err
	}
	s.tracker.OnBackground()
	return nil
}

func (s *Session) QueryStatus(ctx context.Context, userID string) (presence.Status, error) {
	if err := s.requireActive(); err != nil {
		return presence.Status{}, err
	}
	return s.tracker.QueryStatus(ctx, userID)
}

func (s *Session) requireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return domain.ErrSessionNotStarted
	}
	return nil
}

func (s *Session) conversationsSubscription(onUpdate func([]*domain.Conversation)) *fanout.Subscription {
	return fanout.Subscribe(s.deps.Bus, fanout.ConversationsTopic(s.id.UserID),
		func(ctx context.Context) ([]*domain.Conversation, error) {
			return s.deps.Conversations.ListFor(ctx, s.id.UserID)
		}, onUpdate)
}

// register opens a subscription only while the session is active, so Stop
// never misses one.
func (s *Session) register(open func() *fanout.Subscription) (*fanout.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return nil, domain.ErrSessionNotStarted
	}
	sub := open()
	s.addLocked(sub)
	return sub, nil
}

func (s *Session) addLocked(sub *fanout.Subscription) {
	s.subs[sub] = struct{}{}
}
