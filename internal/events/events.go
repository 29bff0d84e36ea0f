package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	AgentRegistered   = "agent.registered"
	AgentConnected    = "agent.connected"
	AgentDisconnected = "agent.disconnected"
	AgentExpired      = "agent.expired"
	CommandDispatched = "command.dispatched"
	CommandResult     = "command.result"
)

type Event struct {
	Type      string            `json:"type"`
	AgentID   string            `json:"agent_id,omitempty"`
	CommandID string            `json:"command_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher fans lifecycle events out to observers. Publishing never blocks
// relay operations and never fails them.
type Publisher interface {
	Publish(evt Event)
	Close()
}

type Noop struct{}

func (Noop) Publish(Event) {}
func (Noop) Close()        {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *Recorder) Close() {}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the type of every recorded event in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func logDropped(evt Event, err error) {
	slog.Warn("Failed to publish event", "type", evt.Type, "agent_id", evt.AgentID, "error", err)
}
