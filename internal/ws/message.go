package ws

import (
	"time"

	"github.com/EternisAI/silo-relay/internal/models"
)

const (
	TypeCommand       = "command"
	TypeCommandResult = "command_result"
	TypeResult        = "result"
	TypeHeartbeat     = "heartbeat"
	TypeError         = "error"
)

// Message is the JSON envelope exchanged with WebSocket agents.
//
// Agents report results either as {"type":"command_result","result":{...}}
// or flat as {"type":"result","command":...,"success":...,"output":...}.
type Message struct {
	Type    string         `json:"type"`
	ID      string         `json:"id,omitempty"`
	Command string         `json:"command,omitempty"`
	From    string         `json:"from,omitempty"`
	SentAt  *time.Time     `json:"sent_at,omitempty"`
	Success *bool          `json:"success,omitempty"`
	Output  string         `json:"output,omitempty"`
	Result  *ResultPayload `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type ResultPayload struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

func commandMessage(cmd models.Command) Message {
	sentAt := cmd.EnqueuedAt.UTC()
	return Message{
		Type:    TypeCommand,
		ID:      cmd.ID,
		Command: cmd.Text,
		From:    cmd.Sender,
		SentAt:  &sentAt,
	}
}

// result extracts the reported outcome from either result shape.
func (m Message) result() (ResultPayload, bool) {
	switch m.Type {
	case TypeCommandResult:
		if m.Result == nil || m.Result.Command == "" {
			return ResultPayload{}, false
		}
		return *m.Result, true
	case TypeResult:
		if m.Command == "" {
			return ResultPayload{}, false
		}
		success := m.Success != nil && *m.Success
		return ResultPayload{ID: m.ID, Command: m.Command, Success: success, Output: m.Output}, true
	}
	return ResultPayload{}, false
}
