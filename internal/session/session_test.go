package session_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/fanout"
	"github.com/LionelRostand/neorent-sub005/internal/metrics"
	"github.com/LionelRostand/neorent-sub005/internal/presence"
	"github.com/LionelRostand/neorent-sub005/internal/security"
	"github.com/LionelRostand/neorent-sub005/internal/service"
	"github.com/LionelRostand/neorent-sub005/internal/session"
	"github.com/LionelRostand/neorent-sub005/internal/store/sqlite"
)

var (
	aliceID = domain.Identity{UserID: "alice", DisplayName: "Alice"}
	bobID   = domain.Identity{UserID: "bob", DisplayName: "Bob"}
)

type env struct {
	db     *sql.DB
	stores sqlite.Stores
	clock  *clockwork.FakeClock
	bus    *fanout.Bus
	deps   session.Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	e := &env{
		db:     db,
		stores: sqlite.NewStores(db),
		clock:  clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)),
	}
	m := metrics.New()
	e.bus = fanout.NewBus(fanout.Options{Metrics: m, RetryMin: time.Millisecond, RetryMax: 10 * time.Millisecond})
	pres := presence.NewService(presence.ServiceConfig{
		Repo:     e.stores.Presence,
		Notifier: e.bus,
		Clock:    e.clock,
		Interval: 30 * time.Second,
		Metrics:  m,
	})
	dir := service.NewConversationService(e.stores.Conversations, e.bus, nil, e.clock)
	msgs := service.NewMessageService(dir, e.stores.Messages, e.bus, nil, e.clock, nil, m, service.MessageLimits{})
	e.deps = session.Deps{
		Presence:      pres,
		Conversations: dir,
		Messages:      msgs,
		Bus:           e.bus,
		Metrics:       m,
	}
	return e
}

// latest keeps the most recent snapshot delivered to a callback.
type latest[T any] struct {
	mu    sync.Mutex
	v     T
	count int
}

func (l *latest[T]) set(v T) {
	l.mu.Lock()
	l.v = v
	l.count++
	l.mu.Unlock()
}

func (l *latest[T]) get() (T, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v, l.count
}

func TestOperationsRequireActiveSession(t *testing.T) {
	e := newEnv(t)
	s := session.New(e.deps, aliceID, session.Options{})
	ctx := context.Background()

	assert.Equal(t, session.Stopped, s.State())

	_, err := s.SendMessage(ctx, "bob", "Bob", "hi", "")
	assert.ErrorIs(t, err, domain.ErrSessionNotStarted)
	_, err = s.SubscribeConversations("alice", func([]*domain.Conversation) {})
	assert.ErrorIs(t, err, domain.ErrSessionNotStarted)
	_, err = s.SubscribeMessages(ctx, "c1", func([]*domain.Message) {})
	assert.ErrorIs(t, err, domain.ErrSessionNotStarted)
	_, err = s.SubscribePresence("bob", func(presence.Status) {})
	assert.ErrorIs(t, err, domain.ErrSessionNotStarted)
	assert.ErrorIs(t, s.MarkRead(ctx, "c1", "alice"), domain.ErrSessionNotStarted)
	assert.ErrorIs(t, s.OnForeground(), domain.ErrSessionNotStarted)
	_, err = s.QueryStatus(ctx, "bob")
	assert.ErrorIs(t, err, domain.ErrSessionNotStarted)

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, session.Active, s.State())

	s.Stop()
	s.Stop()
	assert.Equal(t, session.Stopped, s.State())

	_, err = s.SendMessage(ctx, "bob", "Bob", "hi", "")
	assert.ErrorIs(t, err, domain.ErrSessionNotStarted)
}

func TestStartRejectsAnonymous(t *testing.T) {
	e := newEnv(t)
	s := session.New(e.deps, domain.Identity{}, session.Options{})
	assert.ErrorIs(t, s.Start(context.Background()), domain.ErrInvalidInput)
}

func TestAliceSendsBobFirstMessage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	bobList := &latest[[]*domain.Conversation]{}
	bob := session.New(e.deps, bobID, session.Options{OnConversations: bobList.set})
	require.NoError(t, bob.Start(ctx))
	defer bob.Stop()

	require.Eventually(t, func() bool { _, n := bobList.get(); return n >= 1 }, time.Second, time.Millisecond)
	initial, _ := bobList.get()
	assert.Empty(t, initial)

	alice := session.New(e.deps, aliceID, session.Options{})
	require.NoError(t, alice.Start(ctx))
	defer alice.Stop()

	m, err := alice.SendMessage(ctx, "bob", "Bob", "Hello", "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Sequence)
	assert.Equal(t, service.ConversationID("alice", "bob"), m.ConversationID)

	require.Eventually(t, func() bool {
		list, _ := bobList.get()
		return len(list) == 1 && list[0].LastMessagePreview == "Hello"
	}, time.Second, time.Millisecond)

	list, _ := bobList.get()
	c := list[0]
	assert.Equal(t, [2]string{"alice", "bob"}, c.Participants)
	assert.Equal(t, map[string]int{"alice": 0, "bob": 1}, c.UnreadCounts)
}

func TestMarkReadScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	alice := session.New(e.deps, aliceID, session.Options{})
	bob := session.New(e.deps, bobID, session.Options{})
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))
	defer alice.Stop()
	defer bob.Stop()

	unread := func() int {
		convs, err := bob.Conversations(ctx)
		require.NoError(t, err)
		if len(convs) == 0 {
			return 0
		}
		return convs[0].UnreadCounts["bob"]
	}

	seen := []int{unread()}
	var conv string
	for _, text := range []string{"one", "two", "three"} {
		m, err := alice.SendMessage(ctx, "bob", "Bob", text, "")
		require.NoError(t, err)
		conv = m.ConversationID
		seen = append(seen, unread())
	}
	assert.ErrorIs(t, bob.MarkRead(ctx, conv, "alice"), domain.ErrForbidden)
	require.NoError(t, bob.MarkRead(ctx, conv, "bob"))
	seen = append(seen, unread())

	assert.Equal(t, []int{0, 1, 2, 3, 0}, seen)
}

func TestSubscribeMessagesStreamsThread(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	alice := session.New(e.deps, aliceID, session.Options{})
	bob := session.New(e.deps, bobID, session.Options{})
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))
	defer alice.Stop()
	defer bob.Stop()

	first, err := alice.SendMessage(ctx, "bob", "Bob", "Hello", "")
	require.NoError(t, err)

	thread := &latest[[]*domain.Message]{}
	_, err = bob.SubscribeMessages(ctx, first.ConversationID, thread.set)
	require.NoError(t, err)
	require.Eventually(t, func() bool { v, _ := thread.get(); return len(v) == 1 }, time.Second, time.Millisecond)

	_, err = bob.SendToConversation(ctx, first.ConversationID, "Hi Alice", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { v, _ := thread.get(); return len(v) == 2 }, time.Second, time.Millisecond)

	msgs, _ := thread.get()
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "Hi Alice", msgs[1].Content)

	carol := session.New(e.deps, domain.Identity{UserID: "carol", DisplayName: "Carol"}, session.Options{})
	require.NoError(t, carol.Start(ctx))
	defer carol.Stop()
	_, err = carol.SubscribeMessages(ctx, first.ConversationID, func([]*domain.Message) {})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = carol.SubscribeConversations("alice", func([]*domain.Conversation) {})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestStopTearsDownEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	alice := session.New(e.deps, aliceID, session.Options{OnConversations: func([]*domain.Conversation) {}})
	require.NoError(t, alice.Start(ctx))
	_, err := alice.SubscribePresence("bob", func(presence.Status) {})
	require.NoError(t, err)

	assert.Equal(t, 1, e.bus.Watching(fanout.ConversationsTopic("alice")))
	assert.Equal(t, 1, e.bus.Watching(fanout.PresenceTopic("bob")))

	alice.Stop()
	assert.Equal(t, 0, e.bus.Watching(fanout.ConversationsTopic("alice")))
	assert.Equal(t, 0, e.bus.Watching(fanout.PresenceTopic("bob")))

	recs, err := e.stores.Presence.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].IsOnline)
}

func TestUnsubscribeRemovesFromRegistry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := session.New(e.deps, aliceID, session.Options{})
	require.NoError(t, alice.Start(ctx))
	defer alice.Stop()

	sub, err := alice.SubscribePresence("bob", func(presence.Status) {})
	require.NoError(t, err)
	alice.Unsubscribe(sub)
	assert.Equal(t, 0, e.bus.Watching(fanout.PresenceTopic("bob")))
}

func TestPresenceBadgeFollowsLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	alice := session.New(e.deps, aliceID, session.Options{})
	require.NoError(t, alice.Start(ctx))
	defer alice.Stop()

	badge := &latest[presence.Status]{}
	_, err := alice.SubscribePresence("bob", badge.set)
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, n := badge.get(); return n >= 1 }, time.Second, time.Millisecond)
	st, _ := badge.get()
	assert.False(t, st.Online)

	bob := session.New(e.deps, bobID, session.Options{})
	require.NoError(t, bob.Start(ctx))
	require.Eventually(t, func() bool { st, _ := badge.get(); return st.Online }, time.Second, time.Millisecond)

	require.NoError(t, bob.OnBackground())
	require.Eventually(t, func() bool { st, _ := badge.get(); return !st.Online }, time.Second, time.Millisecond)

	require.NoError(t, bob.OnForeground())
	require.Eventually(t, func() bool { st, _ := badge.get(); return st.Online }, time.Second, time.Millisecond)

	got, err := alice.QueryStatus(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, got.Online)

	bob.Stop()
	require.Eventually(t, func() bool { st, _ := badge.get(); return !st.Online }, time.Second, time.Millisecond)
}

func TestRateLimitedSend(t *testing.T) {
	e := newEnv(t)
	e.deps.Limiter = security.NewLimiterPool(0.001, 1)
	ctx := context.Background()

	alice := session.New(e.deps, aliceID, session.Options{})
	require.NoError(t, alice.Start(ctx))
	defer alice.Stop()

	_, err := alice.SendMessage(ctx, "bob", "Bob", "one", "")
	require.NoError(t, err)
	_, err = alice.SendMessage(ctx, "bob", "Bob", "two", "")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestIdentitySwitchRestartsCleanly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	admin := session.New(e.deps, domain.Identity{UserID: "admin", DisplayName: "Admin"}, session.Options{OnConversations: func([]*domain.Conversation) {}})
	require.NoError(t, admin.Start(ctx))
	admin.Stop()

	owner := session.New(e.deps, domain.Identity{UserID: "owner", DisplayName: "Owner"}, session.Options{OnConversations: func([]*domain.Conversation) {}})
	require.NoError(t, owner.Start(ctx))
	defer owner.Stop()

	assert.Equal(t, 0, e.bus.Watching(fanout.ConversationsTopic("admin")))
	assert.Equal(t, 1, e.bus.Watching(fanout.ConversationsTopic("owner")))

	st, err := owner.QueryStatus(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, st.Online)
}

func TestRejectedFirstMessageCreatesNoConversation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := session.New(e.deps, aliceID, session.Options{})
	require.NoError(t, alice.Start(ctx))
	defer alice.Stop()

	_, err := alice.SendMessage(ctx, "bob", "Bob", " \n\t ", "")
	assert.ErrorIs(t, err, domain.ErrInvalidContent)

	convs, err := alice.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestPerRequestSendSharesSessionRules(t *testing.T) {
	e := newEnv(t)
	e.deps.Limiter = security.NewLimiterPool(0.001, 1)
	ctx := context.Background()

	m, err := e.deps.Send(ctx, aliceID, session.SendRequest{ToUserID: "bob", ToDisplayName: "Bob", Content: "over REST"})
	require.NoError(t, err)
	assert.Equal(t, service.ConversationID("alice", "bob"), m.ConversationID)

	// The same bucket throttles alice's live session.
	alice := session.New(e.deps, aliceID, session.Options{})
	require.NoError(t, alice.Start(ctx))
	defer alice.Stop()
	_, err = alice.SendMessage(ctx, "bob", "Bob", "over the socket", "")
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = e.deps.Send(ctx, domain.Identity{}, session.SendRequest{ToUserID: "bob", Content: "x"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestConversationTypeIsAppliedOnBothPaths(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	agent := domain.Identity{UserID: "agent", DisplayName: "Agency"}

	_, err := e.deps.Send(ctx, agent, session.SendRequest{ToUserID: "tenant", Type: domain.ConversationSupport, Content: "hello"})
	require.NoError(t, err)
	c, err := e.deps.Conversation(ctx, agent, service.ConversationID("agent", "tenant"))
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationSupport, c.Type)

	_, err = e.deps.Send(ctx, agent, session.SendRequest{ToUserID: "owner", Type: "group", Content: "hello"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	owner := session.New(e.deps, domain.Identity{UserID: "owner", DisplayName: "Owner"},
		session.Options{ConversationType: domain.ConversationSupport})
	require.NoError(t, owner.Start(ctx))
	defer owner.Stop()

	m, err := owner.SendMessage(ctx, "tenant", "Tenant", "rent is due", "")
	require.NoError(t, err)
	c, err = e.deps.Conversation(ctx, domain.Identity{UserID: "owner"}, m.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationSupport, c.Type)

	// An explicit type on the request overrides the session default.
	m, err = owner.Send(ctx, session.SendRequest{ToUserID: "agent", Type: domain.ConversationDirect, Content: "hi"})
	require.NoError(t, err)
	c, err = e.deps.Conversation(ctx, domain.Identity{UserID: "owner"}, m.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationDirect, c.Type)
}
