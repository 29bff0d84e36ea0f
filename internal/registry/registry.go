package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-relay/internal/liveness"
	"github.com/EternisAI/silo-relay/internal/models"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrInvalidIdentity = errors.New("agent identity is required")
)

const (
	TransportPoll      = "poll"
	TransportGRPC      = "grpc"
	TransportWebSocket = "websocket"
)

// Handle is a live push connection to an agent.
type Handle interface {
	Send(ctx context.Context, cmd models.Command) error
	Ping(ctx context.Context) error
	Close()
	Transport() string
}

// Record is a point-in-time copy of an agent's registry entry.
type Record struct {
	ID              string         `json:"id"`
	RemoteAddr      string         `json:"remote_addr"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	LastActivity    time.Time      `json:"last_activity"`
	Connected       bool           `json:"connected"`
	Transport       string         `json:"transport"`
	ConnectionCount int            `json:"connection_count"`
	LastResult      *models.Result `json:"last_result,omitempty"`
}

type Config struct {
	PollTimeout       time.Duration
	ConnectionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = liveness.DefaultPollTimeout
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = liveness.DefaultConnectionTimeout
	}
	if c.ConnectionTimeout < c.PollTimeout {
		c.ConnectionTimeout = c.PollTimeout
	}
	return c
}

type entry struct {
	record Record
	handle Handle
}

// Registry maps agent identities to their records and live handles.
// All methods are safe for concurrent use and return copies.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*entry
	tracker *liveness.Tracker
	cfg     Config
}

func New(cfg Config, tracker *liveness.Tracker) *Registry {
	if tracker == nil {
		tracker = liveness.NewTracker()
	}
	return &Registry{
		agents:  make(map[string]*entry),
		tracker: tracker,
		cfg:     cfg.withDefaults(),
	}
}

func (r *Registry) Config() Config {
	return r.cfg
}

// Register upserts the agent. Re-registration updates the address and
// timestamps in place.
func (r *Registry) Register(id, remoteAddr string) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.tracker.Touch(id)
	e, ok := r.agents[id]
	if !ok {
		e = &entry{record: Record{
			ID:        id,
			FirstSeen: now,
			Transport: TransportPoll,
		}}
		r.agents[id] = e
		slog.Info("Agent registered", "agent_id", id, "remote_addr", remoteAddr, "total_agents", len(r.agents))
	}
	if remoteAddr != "" {
		e.record.RemoteAddr = remoteAddr
	}
	e.record.LastSeen = now
	e.record.LastActivity = now

	return e.snapshot(), nil
}

// Touch records a heartbeat without counting it as activity.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return false
	}
	e.record.LastSeen = r.tracker.Touch(id)
	return true
}

// AttachConnection binds a live handle to the agent, creating the record if
// needed. A previous handle for the same identity is closed.
func (r *Registry) AttachConnection(id, remoteAddr string, h Handle) (Record, error) {
	if id == "" {
		return Record{}, ErrInvalidIdentity
	}

	r.mu.Lock()
	now := r.tracker.Touch(id)
	e, ok := r.agents[id]
	if !ok {
		e = &entry{record: Record{ID: id, FirstSeen: now}}
		r.agents[id] = e
	}

	previous := e.handle
	e.handle = h
	if remoteAddr != "" {
		e.record.RemoteAddr = remoteAddr
	}
	e.record.LastSeen = now
	e.record.LastActivity = now
	e.record.Connected = true
	e.record.Transport = h.Transport()
	e.record.ConnectionCount++
	rec := e.snapshot()
	total := len(r.agents)
	r.mu.Unlock()

	if previous != nil && previous != h {
		slog.Warn("Agent already connected, replacing connection", "agent_id", id)
		previous.Close()
	}

	slog.Info("Agent connection attached",
		"agent_id", id,
		"transport", rec.Transport,
		"connection_count", rec.ConnectionCount,
		"total_agents", total)
	return rec, nil
}

// DetachConnection drops h from the agent if it is still the current handle.
// The record itself is kept.
func (r *Registry) DetachConnection(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok || e.handle == nil || e.handle != h {
		return false
	}
	e.handle = nil
	e.record.Connected = false

	slog.Info("Agent connection detached", "agent_id", id, "transport", e.record.Transport)
	return true
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// Handle returns the live handle of an online agent.
func (r *Registry) Handle(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok || e.handle == nil || !r.onlineLocked(id, e) {
		return nil, false
	}
	return e.handle, true
}

// Handles returns the live handles keyed by identity.
func (r *Registry) Handles() map[string]Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make(map[string]Handle)
	for id, e := range r.agents {
		if e.handle != nil {
			handles[id] = e.handle
		}
	}
	return handles
}

func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	return ok && r.onlineLocked(id, e)
}

// ListOnline returns a snapshot of all online agents.
func (r *Registry) ListOnline() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := make(map[string]Record)
	for id, e := range r.agents {
		if r.onlineLocked(id, e) {
			online[id] = e.snapshot()
		}
	}
	return online
}

// OnlineIDs returns the sorted identities of online agents.
func (r *Registry) OnlineIDs() []string {
	online := r.ListOnline()
	ids := make([]string, 0, len(online))
	for id := range online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) SetLastResult(id string, result models.Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return false
	}
	res := result
	e.record.LastResult = &res
	e.record.LastSeen = r.tracker.Touch(id)
	e.record.LastActivity = e.record.LastSeen
	return true
}

// Remove deletes the agent and closes its handle.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
		r.tracker.Forget(id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if e.handle != nil {
		e.handle.Close()
	}
	slog.Info("Agent removed", "agent_id", id)
	return true
}

// SweepExpired evicts every agent whose liveness window has elapsed and
// returns their identities. Expired live handles are closed.
func (r *Registry) SweepExpired() []string {
	r.mu.Lock()

	var expired []string
	var stale []Handle
	for _, id := range r.tracker.SweepExpired(r.cfg.ConnectionTimeout) {
		if e, ok := r.agents[id]; ok {
			if e.handle != nil {
				stale = append(stale, e.handle)
			}
			delete(r.agents, id)
			expired = append(expired, id)
		}
	}
	for id, e := range r.agents {
		if e.handle == nil && !r.tracker.IsOnline(id, r.cfg.PollTimeout) {
			r.tracker.Forget(id)
			delete(r.agents, id)
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, h := range stale {
		h.Close()
	}
	sort.Strings(expired)
	for _, id := range expired {
		slog.Warn("Removing expired agent", "agent_id", id)
	}
	return expired
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) onlineLocked(id string, e *entry) bool {
	timeout := r.cfg.PollTimeout
	if e.handle != nil {
		timeout = r.cfg.ConnectionTimeout
	}
	return r.tracker.IsOnline(id, timeout)
}

func (e *entry) snapshot() Record {
	rec := e.record
	if e.record.LastResult != nil {
		res := *e.record.LastResult
		rec.LastResult = &res
	}
	return rec
}
