package dto

import (
	"time"

	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/registry"
)

// AgentRequest identifies a polling agent. Older agents send "name".
type AgentRequest struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

func (r AgentRequest) ID() string {
	if r.AgentID != "" {
		return r.AgentID
	}
	return r.Name
}

type RegisterAgentResponse struct {
	AgentID            string    `json:"agent_id"`
	RemoteAddr         string    `json:"remote_addr"`
	FirstSeen          time.Time `json:"first_seen"`
	PollTimeoutSeconds int       `json:"poll_timeout_seconds"`
}

type PollResponse struct {
	Commands []string         `json:"commands"`
	Items    []models.Command `json:"items"`
}

type AgentResultRequest struct {
	AgentRequest
	Command string `json:"command" binding:"required"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

type AgentResultResponse struct {
	Status      models.Status `json:"status"`
	Fingerprint string        `json:"fingerprint"`
}

type AgentsResponse struct {
	Agents []registry.Record `json:"agents"`
	Count  int               `json:"count"`
}
