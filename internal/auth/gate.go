package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-relay/internal/users"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidAgentKey    = errors.New("invalid agent key")
)

const (
	MethodSharedSecret = "shared_secret"
	MethodSession      = "session"
	MethodBasic        = "basic"
)

type Config struct {
	SharedSecret      string        `mapstructure:"shared_secret"`
	AdminUsername     string        `mapstructure:"admin_username"`
	AdminPassword     string        `mapstructure:"admin_password"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
	SessionSecret     string        `mapstructure:"session_secret"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	AgentKey          string        `mapstructure:"agent_key"`
}

// Credentials is whatever an operator presented: a shared secret, a session
// token or a username and password.
type Credentials struct {
	Secret   string
	Token    string
	Username string
	Password string
}

type Principal struct {
	Name   string
	Method string
}

// Gate checks operator and agent credentials before any relay state is touched.
type Gate struct {
	sharedSecret []byte
	agentKey     []byte
	operators    *users.Directory
	sessions     *SessionStore
}

func NewGate(cfg Config) (*Gate, error) {
	sessions, err := NewSessionStore([]byte(cfg.SessionSecret), cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	operators := users.NewDirectory()
	password := cfg.AdminPasswordHash
	if password == "" {
		password = cfg.AdminPassword
	}
	if cfg.AdminUsername != "" && password != "" {
		if err := operators.Add(cfg.AdminUsername, password); err != nil {
			return nil, fmt.Errorf("failed to add operator %s: %w", cfg.AdminUsername, err)
		}
	}

	if cfg.SharedSecret == "" && operators.Len() == 0 {
		slog.Warn("No shared secret or operator configured, operator API is locked")
	}

	return &Gate{
		sharedSecret: []byte(cfg.SharedSecret),
		agentKey:     []byte(cfg.AgentKey),
		operators:    operators,
		sessions:     sessions,
	}, nil
}

// Authenticate compares secret with the configured shared secret in constant time.
func (g *Gate) Authenticate(secret string) bool {
	if len(g.sharedSecret) == 0 || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), g.sharedSecret) == 1
}

// Login verifies an operator's password and opens a session.
func (g *Gate) Login(username, password string) (string, error) {
	if !g.operators.Verify(username, password) {
		slog.Warn("Failed operator login", "username", username)
		return "", ErrInvalidCredentials
	}

	token, sess, err := g.sessions.Issue(username)
	if err != nil {
		return "", fmt.Errorf("issue session: %w", err)
	}

	slog.Info("Operator logged in", "username", username, "session_created_at", sess.CreatedAt)
	return token, nil
}

// Validate resolves a session token to the operator that owns it.
func (g *Gate) Validate(token string) (string, error) {
	sess, err := g.sessions.Validate(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return sess.Operator, nil
}

// Logout revokes a session token. Later validations fail immediately.
func (g *Gate) Logout(token string) bool {
	return g.sessions.Revoke(token)
}

// Authorize accepts a valid shared secret, a live session token or an
// operator's username and password, checked in that order.
func (g *Gate) Authorize(creds Credentials) (Principal, error) {
	if creds.Secret != "" {
		if g.Authenticate(creds.Secret) {
			return Principal{Name: "api-key", Method: MethodSharedSecret}, nil
		}
		return Principal{}, ErrUnauthorized
	}
	if creds.Token != "" {
		operator, err := g.Validate(creds.Token)
		if err != nil {
			return Principal{}, err
		}
		return Principal{Name: operator, Method: MethodSession}, nil
	}
	if creds.Username != "" {
		if !g.operators.Verify(creds.Username, creds.Password) {
			slog.Warn("Failed operator basic auth", "username", creds.Username)
			return Principal{}, ErrUnauthorized
		}
		return Principal{Name: creds.Username, Method: MethodBasic}, nil
	}
	return Principal{}, ErrUnauthorized
}

// AgentKeyRequired reports whether agents must present a key to register.
func (g *Gate) AgentKeyRequired() bool {
	return len(g.agentKey) > 0
}

// CheckAgentKey validates the key an agent presented. Any key passes when
// none is configured.
func (g *Gate) CheckAgentKey(key string) error {
	if !g.AgentKeyRequired() {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(key), g.agentKey) != 1 {
		return ErrInvalidAgentKey
	}
	return nil
}
