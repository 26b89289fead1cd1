package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToCapacity(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5)
	rl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(), "message %d should pass", i)
	}
	assert.False(t, rl.Allow(), "bucket should be empty")
}

func TestRateLimiterProportionalRefill(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(10)
	rl.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		require.True(t, rl.Allow())
	}
	require.False(t, rl.Allow())

	// 100ms at 10 msg/s refills exactly one token.
	now = now.Add(100 * time.Millisecond)
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiterCapacityCeiling(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2)
	rl.now = func() time.Time { return now }

	// A long idle period must not accumulate more than capacity.
	now = now.Add(time.Hour)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiterWaitTime(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	assert.Zero(t, rl.WaitTime())
	require.True(t, rl.Allow())
	assert.InDelta(t, float64(time.Second), float64(rl.WaitTime()), float64(time.Millisecond))
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(1)
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	rl.Reset()
	assert.True(t, rl.Allow())
}

func TestJWTValidatorRoundTrip(t *testing.T) {
	v := NewJWTValidator([]byte("test-signing-key"))

	token, err := v.IssueToken("urn:asap:agent:alice", time.Hour)
	require.NoError(t, err)

	agent, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "urn:asap:agent:alice", agent)
}

func TestJWTValidatorRejectsBadSignature(t *testing.T) {
	issuer := NewJWTValidator([]byte("key-a"))
	verifier := NewJWTValidator([]byte("key-b"))

	token, err := issuer.IssueToken("urn:asap:agent:alice", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Validate(context.Background(), token)
	assert.ErrorContains(t, err, "invalid token")
}

func TestJWTValidatorRejectsExpired(t *testing.T) {
	v := NewJWTValidator([]byte("test-signing-key"))

	token, err := v.IssueToken("urn:asap:agent:alice", -time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), token)
	assert.Error(t, err)
}

func TestJWTValidatorRejectsNonURNSubject(t *testing.T) {
	v := NewJWTValidator([]byte("test-signing-key"))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "not-a-urn",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	assert.ErrorContains(t, err, "urn")
}

func TestJWTValidatorRejectsMissingSubject(t *testing.T) {
	v := NewJWTValidator([]byte("test-signing-key"))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), signed)
	assert.ErrorContains(t, err, "subject")
}
