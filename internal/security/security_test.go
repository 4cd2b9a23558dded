package security

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
)

func TestTokenIdentityRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	tok, err := svc.CreateForUser("alice", "Alice Martin")
	require.NoError(t, err)

	id, err := svc.Identity(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: "alice", DisplayName: "Alice Martin"}, id)
}

func TestTokenIdentityRejectsBadTokens(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	expired, err := svc.CreateWithTTL("alice", "Alice", -time.Minute)
	require.NoError(t, err)
	_, err = svc.Identity(expired)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	other, err := NewTokenService("other", time.Hour).CreateForUser("alice", "Alice")
	require.NoError(t, err)
	_, err = svc.Identity(other)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.Identity("garbage")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestTokenIdentityDefaultsName(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	tok, err := svc.CreateForUser("bob", "")
	require.NoError(t, err)

	id, err := svc.Identity(tok)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.DisplayName)
}

func TestEncryptorRoundTripAndScope(t *testing.T) {
	enc, err := NewEncryptor([]byte("a passphrase of any length"))
	require.NoError(t, err)

	ct, err := enc.Encrypt("conv-1", "Hello")
	require.NoError(t, err)
	assert.NotEqual(t, "Hello", ct)

	pt, err := enc.Decrypt("conv-1", ct)
	require.NoError(t, err)
	assert.Equal(t, "Hello", pt)

	_, err = enc.Decrypt("conv-2", ct)
	assert.Error(t, err)

	_, err = NewEncryptor(nil)
	assert.Error(t, err)
}

func TestLimiterPool(t *testing.T) {
	p := NewLimiterPool(1, 2)
	assert.True(t, p.Allow("alice"))
	assert.True(t, p.Allow("alice"))
	assert.False(t, p.Allow("alice"))
	assert.True(t, p.Allow("bob"))

	var nilPool *LimiterPool
	assert.True(t, nilPool.Allow("anyone"))
}

func TestLimiterPoolEvictsIdleBuckets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewLimiterPool(1, 1, WithIdleTTL(time.Minute), WithLimiterClock(clock))

	assert.True(t, p.Allow("alice"))
	assert.True(t, p.Allow("bob"))
	assert.Equal(t, 2, p.Len())

	clock.Advance(30 * time.Second)
	assert.True(t, p.Allow("alice"))

	clock.Advance(40 * time.Second)
	assert.True(t, p.Allow("carol"))
	// bob idled past the TTL; alice was used 40s ago.
	assert.Equal(t, 2, p.Len())

	clock.Advance(2 * time.Minute)
	assert.True(t, p.Allow("dave"))
	assert.Equal(t, 1, p.Len())
}

func TestLimiterPoolIdleTTLCoversRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	// A bucket takes 100s to refill, so a 1s TTL is raised to 100s.
	p := NewLimiterPool(0.01, 1, WithIdleTTL(time.Second), WithLimiterClock(clock))

	assert.True(t, p.Allow("alice"))
	assert.False(t, p.Allow("alice"))

	clock.Advance(50 * time.Second)
	assert.True(t, p.Allow("bob"))
	assert.False(t, p.Allow("alice"))
	assert.Equal(t, 2, p.Len())
}
