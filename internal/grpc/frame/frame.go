// Package frame defines the messages exchanged on the agent relay stream.
// Frames travel as google.protobuf.Struct values so no generated code is needed.
package frame

import (
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

type Type string

const (
	TypeHello   Type = "hello"
	TypePing    Type = "ping"
	TypePong    Type = "pong"
	TypeCommand Type = "command"
	TypeResult  Type = "result"
	TypeError   Type = "error"
)

// AgentKeyMetadata is the metadata key an agent may use for its key instead
// of the hello frame.
const AgentKeyMetadata = "x-agent-key"

var ErrMalformed = errors.New("malformed frame")

type Frame struct {
	Type     Type
	ID       string
	AgentID  string
	AgentKey string
	Command  string
	From     string
	Success  bool
	Output   string
	SentAt   time.Time
}

func New(t Type) Frame {
	return Frame{Type: t, ID: uuid.New().String(), SentAt: time.Now().UTC()}
}

func Hello(agentID, agentKey string) Frame {
	f := New(TypeHello)
	f.AgentID = agentID
	f.AgentKey = agentKey
	return f
}

// FromCommand builds the frame that delivers cmd to its agent. The frame ID
// is the command ID.
func FromCommand(cmd models.Command) Frame {
	return Frame{
		Type:    TypeCommand,
		ID:      cmd.ID,
		AgentID: cmd.Target,
		Command: cmd.Text,
		From:    cmd.Sender,
		SentAt:  cmd.EnqueuedAt.UTC(),
	}
}

func Result(agentID, commandID, command string, success bool, output string) Frame {
	f := New(TypeResult)
	if commandID != "" {
		f.ID = commandID
	}
	f.AgentID = agentID
	f.Command = command
	f.Success = success
	f.Output = output
	return f
}

func Error(message string) Frame {
	f := New(TypeError)
	f.Output = message
	return f
}

// ToCommand recovers the command a command frame carries.
func (f Frame) ToCommand() models.Command {
	return models.Command{
		ID:         f.ID,
		Target:     f.AgentID,
		Text:       f.Command,
		EnqueuedAt: f.SentAt,
		Sender:     f.From,
	}
}

func (f Frame) ToStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"type": string(f.Type),
		"id":   f.ID,
	}
	putString(fields, "agent_id", f.AgentID)
	putString(fields, "agent_key", f.AgentKey)
	putString(fields, "command", f.Command)
	putString(fields, "from", f.From)
	putString(fields, "output", f.Output)
	if f.Type == TypeResult {
		fields["success"] = f.Success
	}
	if !f.SentAt.IsZero() {
		fields["sent_at"] = f.SentAt.UTC().Format(time.RFC3339Nano)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	return s, nil
}

func FromStruct(s *structpb.Struct) (Frame, error) {
	if s == nil {
		return Frame{}, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	fields := s.GetFields()
	f := Frame{
		Type:     Type(stringField(fields, "type")),
		ID:       stringField(fields, "id"),
		AgentID:  stringField(fields, "agent_id"),
		AgentKey: stringField(fields, "agent_key"),
		Command:  stringField(fields, "command"),
		From:     stringField(fields, "from"),
		Output:   stringField(fields, "output"),
		Success:  fields["success"].GetBoolValue(),
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	if raw := stringField(fields, "sent_at"); raw != "" {
		sentAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: sent_at: %v", ErrMalformed, err)
		}
		f.SentAt = sentAt
	}
	return f, nil
}

func putString(fields map[string]interface{}, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func stringField(fields map[string]*structpb.Value, key string) string {
	return fields[key].GetStringValue()
}
