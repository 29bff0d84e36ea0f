package dto

import "github.com/EternisAI/silo-relay/internal/dispatch"

type SendCommandRequest struct {
	Target  string `json:"target"`
	Command string `json:"command" binding:"required"`
}

type SendCommandResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Report  dispatch.Report `json:"report"`
}

type CommandResultRequest struct {
	Target  string `json:"target" binding:"required"`
	Command string `json:"command" binding:"required"`
}
