package handler

import (
	"fmt"
	"net/http"

	"github.com/EternisAI/silo-relay/internal/api/http/dto"
	"github.com/EternisAI/silo-relay/internal/api/http/middleware"
	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/gin-gonic/gin"
)

type OperatorHandler struct {
	relay *relay.Service
}

func NewOperatorHandler(svc *relay.Service) *OperatorHandler {
	return &OperatorHandler{relay: svc}
}

func (h *OperatorHandler) ListAgents(ctx *gin.Context) {
	agents, err := h.relay.ListOnline(middleware.CredentialsFrom(ctx))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, dto.AgentsResponse{Agents: agents, Count: len(agents)})
}

func (h *OperatorHandler) GetAgent(ctx *gin.Context) {
	status, err := h.relay.GetAgent(middleware.CredentialsFrom(ctx), ctx.Param("id"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, status)
}

func (h *OperatorHandler) DisconnectAgent(ctx *gin.Context) {
	id := ctx.Param("id")
	if err := h.relay.Disconnect(middleware.CredentialsFrom(ctx), id); err != nil {
		respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Agent %s disconnected", id)})
}

// SendCommand dispatches to one agent, or to all of them when target is
// empty or a broadcast alias.
func (h *OperatorHandler) SendCommand(ctx *gin.Context) {
	var req dto.SendCommandRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.relay.Dispatch(ctx.Request.Context(), middleware.CredentialsFrom(ctx), req.Target, req.Command)
	if err != nil {
		respondError(ctx, err)
		return
	}

	target := req.Target
	if models.IsBroadcast(target) {
		target = "all agents"
	}
	ctx.JSON(http.StatusOK, dto.SendCommandResponse{
		Status:  "success",
		Message: fmt.Sprintf("Command sent to %s: %s", target, req.Command),
		Report:  report,
	})
}

// CommandResult answers 202 while no result has arrived.
func (h *OperatorHandler) CommandResult(ctx *gin.Context) {
	var req dto.CommandResultRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q, err := h.relay.QueryResult(middleware.CredentialsFrom(ctx), req.Target, req.Command)
	if err != nil {
		respondError(ctx, err)
		return
	}

	if q.Status == models.StatusPending {
		ctx.JSON(http.StatusAccepted, q)
		return
	}
	ctx.JSON(http.StatusOK, q)
}
