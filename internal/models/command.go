package models

import (
	"fmt"
	"time"
)

// BroadcastTarget addresses every agent that is online at dispatch time.
const BroadcastTarget = "broadcast"

// legacyBroadcastTarget is accepted from older operator clients.
const legacyBroadcastTarget = "all"

// IsBroadcast reports whether target addresses all live agents. An empty
// target is a broadcast.
func IsBroadcast(target string) bool {
	return target == "" || target == BroadcastTarget || target == legacyBroadcastTarget
}

// Command is a single command addressed to one agent.
type Command struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Text       string    `json:"command"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Sender     string    `json:"from,omitempty"`
}

// Entry renders the command the way polling agents receive it.
func (c Command) Entry() string {
	return fmt.Sprintf("%s - %s", c.EnqueuedAt.UTC().Format(time.RFC3339), c.Text)
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the outcome an agent reported for a command.
type Result struct {
	AgentID     string    `json:"agent_id"`
	Fingerprint string    `json:"fingerprint"`
	Command     string    `json:"command"`
	Success     bool      `json:"success"`
	Output      string    `json:"output"`
	CompletedAt time.Time `json:"completed_at"`
}

func (r Result) Status() Status {
	if r.Success {
		return StatusCompleted
	}
	return StatusFailed
}
