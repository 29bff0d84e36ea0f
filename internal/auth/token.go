package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrSessionRevoked = errors.New("session revoked")
	ErrSessionExpired = errors.New("session expired")
)

type Session struct {
	ID        string
	Operator  string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// SessionStore issues HS256 session tokens and keeps the server-side table
// that makes them revocable. A token is only valid while its jti is present;
// expiry is enforced against that table, not the exp claim.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates a store signing with secret. An empty secret is
// replaced by random bytes, so tokens do not outlive the process.
func NewSessionStore(secret []byte, ttl time.Duration) (*SessionStore, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
	}
	return &SessionStore{
		sessions: make(map[string]Session),
		secret:   secret,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Issue opens a session for operator and returns its signed token.
func (s *SessionStore) Issue(operator string) (string, Session, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", Session{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := s.now()
	sess := Session{
		ID:        hex.EncodeToString(b),
		Operator:  operator,
		CreatedAt: now,
	}

	claims := jwt.MapClaims{
		"sub": operator,
		"jti": sess.ID,
		"iat": now.Unix(),
	}
	if s.ttl > 0 {
		sess.ExpiresAt = now.Add(s.ttl)
		claims["exp"] = sess.ExpiresAt.Unix()
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", Session{}, fmt.Errorf("failed to sign session token: %w", err)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return token, sess, nil
}

// Validate returns the session behind token.
func (s *SessionStore) Validate(tokenString string) (Session, error) {
	id, err := s.parse(tokenString)
	if err != nil {
		return Session{}, err
	}

	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return Session{}, ErrSessionRevoked
	}
	if !sess.ExpiresAt.IsZero() && s.now().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return Session{}, ErrSessionExpired
	}
	return sess, nil
}

// Revoke deletes the session behind token. It reports whether a live session was removed.
func (s *SessionStore) Revoke(tokenString string) bool {
	id, err := s.parse(tokenString)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *SessionStore) parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	id, ok := claims["jti"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return id, nil
}
