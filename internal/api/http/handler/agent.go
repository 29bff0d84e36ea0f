package handler

import (
	"net/http"

	"github.com/EternisAI/silo-relay/internal/api/http/dto"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/gin-gonic/gin"
)

// AgentHandler serves agents that poll instead of holding a connection open.
type AgentHandler struct {
	relay *relay.Service
}

func NewAgentHandler(svc *relay.Service) *AgentHandler {
	return &AgentHandler{relay: svc}
}

func (h *AgentHandler) Register(ctx *gin.Context) {
	var req dto.AgentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID() == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}

	rec, err := h.relay.Register(req.ID(), ctx.ClientIP())
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, dto.RegisterAgentResponse{
		AgentID:            rec.ID,
		RemoteAddr:         rec.RemoteAddr,
		FirstSeen:          rec.FirstSeen,
		PollTimeoutSeconds: int(h.relay.Config().PollTimeout.Seconds()),
	})
}

// Poll registers the caller and returns everything queued for it.
func (h *AgentHandler) Poll(ctx *gin.Context) {
	var req dto.AgentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID() == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}

	cmds, err := h.relay.Poll(req.ID(), ctx.ClientIP())
	if err != nil {
		respondError(ctx, err)
		return
	}

	resp := dto.PollResponse{
		Commands: make([]string, 0, len(cmds)),
		Items:    cmds,
	}
	for _, cmd := range cmds {
		resp.Commands = append(resp.Commands, cmd.Entry())
	}
	ctx.JSON(http.StatusOK, resp)
}

func (h *AgentHandler) Result(ctx *gin.Context) {
	var req dto.AgentResultRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.relay.PushResult(req.ID(), req.Command, req.Success, req.Output)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, dto.AgentResultResponse{
		Status:      res.Status(),
		Fingerprint: res.Fingerprint,
	})
}
