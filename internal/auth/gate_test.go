package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(Config{
		SharedSecret:  "top-secret",
		AdminUsername: "admin",
		AdminPassword: "password123",
		SessionSecret: "signing-key",
	})
	require.NoError(t, err)
	return g
}

func TestAuthenticate(t *testing.T) {
	g := newTestGate(t)

	assert.True(t, g.Authenticate("top-secret"))
	assert.False(t, g.Authenticate("top-secreT"))
	assert.False(t, g.Authenticate(""))
	assert.False(t, g.Authenticate("top-secret-and-more"))
}

func TestAuthenticate_NoSecretConfigured(t *testing.T) {
	g, err := NewGate(Config{})
	require.NoError(t, err)

	assert.False(t, g.Authenticate(""))
	assert.False(t, g.Authenticate("anything"))
}

func TestLoginValidateLogout(t *testing.T) {
	g := newTestGate(t)

	token, err := g.Login("admin", "password123")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."), "token is a JWT")

	operator, err := g.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", operator)

	assert.True(t, g.Logout(token))
	assert.False(t, g.Logout(token))

	_, err = g.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogin_WrongPassword(t *testing.T) {
	g := newTestGate(t)

	_, err := g.Login("admin", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = g.Login("root", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_TokensAreUnique(t *testing.T) {
	g := newTestGate(t)

	t1, err := g.Login("admin", "password123")
	require.NoError(t, err)
	t2, err := g.Login("admin", "password123")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)

	g.Logout(t1)
	_, err = g.Validate(t2)
	assert.NoError(t, err, "revoking one session leaves others alive")
}

func TestValidate_ForeignSignature(t *testing.T) {
	g := newTestGate(t)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin", "jti": "abc"})
	token, err := forged.SignedString([]byte("other-key"))
	require.NoError(t, err)

	_, err = g.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidate_UnknownSession(t *testing.T) {
	g := newTestGate(t)

	// Correct key, but never issued by this gate.
	unissued := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin", "jti": "deadbeef"})
	token, err := unissued.SignedString([]byte("signing-key"))
	require.NoError(t, err)

	_, err = g.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessionTTL(t *testing.T) {
	store, err := NewSessionStore([]byte("k"), time.Minute)
	require.NoError(t, err)
	now := time.Now()
	store.now = func() time.Time { return now }

	token, sess, err := store.Issue("admin")
	require.NoError(t, err)
	assert.False(t, sess.ExpiresAt.IsZero())

	_, err = store.Validate(token)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.Validate(token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, 0, store.Len())
}

func TestSessionWithoutTTLNeverExpires(t *testing.T) {
	store, err := NewSessionStore(nil, 0)
	require.NoError(t, err)
	now := time.Now()
	store.now = func() time.Time { return now }

	token, sess, err := store.Issue("admin")
	require.NoError(t, err)
	assert.True(t, sess.ExpiresAt.IsZero())

	now = now.Add(365 * 24 * time.Hour)
	_, err = store.Validate(token)
	assert.NoError(t, err)
}

func TestAuthorize(t *testing.T) {
	g := newTestGate(t)
	token, err := g.Login("admin", "password123")
	require.NoError(t, err)

	p, err := g.Authorize(Credentials{Secret: "top-secret"})
	require.NoError(t, err)
	assert.Equal(t, MethodSharedSecret, p.Method)

	p, err = g.Authorize(Credentials{Token: token})
	require.NoError(t, err)
	assert.Equal(t, MethodSession, p.Method)
	assert.Equal(t, "admin", p.Name)

	_, err = g.Authorize(Credentials{Secret: "wrong", Token: token})
	assert.ErrorIs(t, err, ErrUnauthorized, "a wrong secret is not rescued by a token")

	_, err = g.Authorize(Credentials{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthorize_Basic(t *testing.T) {
	g := newTestGate(t)

	p, err := g.Authorize(Credentials{Username: "admin", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, MethodBasic, p.Method)
	assert.Equal(t, "admin", p.Name)

	_, err = g.Authorize(Credentials{Username: "admin", Password: "nope"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = g.Authorize(Credentials{Username: "root", Password: "password123"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCheckAgentKey(t *testing.T) {
	open, err := NewGate(Config{})
	require.NoError(t, err)
	assert.False(t, open.AgentKeyRequired())
	assert.NoError(t, open.CheckAgentKey(""))

	locked, err := NewGate(Config{AgentKey: "agent-key"})
	require.NoError(t, err)
	assert.True(t, locked.AgentKeyRequired())
	assert.NoError(t, locked.CheckAgentKey("agent-key"))
	assert.ErrorIs(t, locked.CheckAgentKey("wrong"), ErrInvalidAgentKey)
	assert.ErrorIs(t, locked.CheckAgentKey(""), ErrInvalidAgentKey)
}
