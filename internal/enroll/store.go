// Package enroll hands out one-time enrollment keys. An agent redeems its key
// for a client certificate signed by the relay CA.
package enroll

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"
)

var (
	ErrKeyNotFound    = errors.New("enrollment key not found")
	ErrKeyExpired     = errors.New("enrollment key has expired")
	ErrKeyAlreadyUsed = errors.New("enrollment key has already been used")
	ErrInvalidAgentID = errors.New("invalid agent id")
)

const DefaultKeyTTL = time.Hour

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateAgentID rejects ids that cannot be used as a certificate common name.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidAgentID, id)
	}
	return nil
}

type Key struct {
	Secret    string    `json:"key,omitempty"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	used      bool
}

type Store struct {
	mu   sync.Mutex
	keys map[string]*Key
	ttl  time.Duration
	now  func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &Store{
		keys: make(map[string]*Key),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Create mints a key bound to agentID.
func (s *Store) Create(agentID string) (Key, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return Key{}, err
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return Key{}, fmt.Errorf("failed to generate enrollment key: %w", err)
	}

	now := s.now()
	k := &Key{
		Secret:    "ek_" + hex.EncodeToString(b),
		AgentID:   agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.keys[k.Secret] = k
	s.mu.Unlock()

	slog.Info("Enrollment key created", "agent_id", agentID, "expires_at", k.ExpiresAt)
	return *k, nil
}

// Redeem consumes secret. A key redeems at most once, even under concurrent
// attempts.
func (s *Store) Redeem(secret string) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[secret]
	if !ok {
		return Key{}, ErrKeyNotFound
	}
	if k.used {
		return Key{}, ErrKeyAlreadyUsed
	}
	if s.now().After(k.ExpiresAt) {
		return Key{}, ErrKeyExpired
	}
	k.used = true
	return *k, nil
}

// Restore makes a redeemed key usable again, for when issuing the
// certificate failed after redemption.
func (s *Store) Restore(secret string) {
	s.mu.Lock()
	if k, ok := s.keys[secret]; ok {
		k.used = false
	}
	s.mu.Unlock()
}

// Revoke drops every key bound to agentID.
func (s *Store) Revoke(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for secret, k := range s.keys {
		if k.AgentID == agentID {
			delete(s.keys, secret)
			removed = true
		}
	}
	return removed
}

// List returns the outstanding keys with their secrets redacted.
func (s *Store) List() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Key, 0, len(s.keys))
	for _, k := range s.keys {
		if k.used || now.After(k.ExpiresAt) {
			continue
		}
		out = append(out, Key{AgentID: k.AgentID, CreatedAt: k.CreatedAt, ExpiresAt: k.ExpiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Run drops spent and expired keys every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge()
		}
	}
}

func (s *Store) purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for secret, k := range s.keys {
		if k.used || now.After(k.ExpiresAt) {
			delete(s.keys, secret)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Purged enrollment keys", "removed", removed)
	}
	return removed
}
