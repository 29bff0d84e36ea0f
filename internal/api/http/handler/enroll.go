package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-relay/internal/api/http/dto"
	"github.com/EternisAI/silo-relay/internal/api/http/middleware"
	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/EternisAI/silo-relay/internal/cert"
	"github.com/EternisAI/silo-relay/internal/enroll"
	"github.com/gin-gonic/gin"
)

// EnrollHandler exchanges one-time enrollment keys for agent client
// certificates. ca is nil when gRPC TLS is disabled.
type EnrollHandler struct {
	gate  *auth.Gate
	store *enroll.Store
	ca    *cert.Authority
}

func NewEnrollHandler(gate *auth.Gate, store *enroll.Store, ca *cert.Authority) *EnrollHandler {
	return &EnrollHandler{gate: gate, store: store, ca: ca}
}

func (h *EnrollHandler) CreateKey(ctx *gin.Context) {
	if _, err := h.gate.Authorize(middleware.CredentialsFrom(ctx)); err != nil {
		respondError(ctx, err)
		return
	}

	var req dto.CreateEnrollmentKeyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	k, err := h.store.Create(req.AgentID)
	if err != nil {
		if errors.Is(err, enroll.ErrInvalidAgentID) {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Failed to create enrollment key", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create enrollment key"})
		return
	}

	ctx.JSON(http.StatusCreated, dto.CreateEnrollmentKeyResponse{
		Key:       k.Secret,
		AgentID:   k.AgentID,
		ExpiresAt: k.ExpiresAt,
	})
}

func (h *EnrollHandler) ListKeys(ctx *gin.Context) {
	if _, err := h.gate.Authorize(middleware.CredentialsFrom(ctx)); err != nil {
		respondError(ctx, err)
		return
	}

	keys := h.store.List()
	ctx.JSON(http.StatusOK, dto.ListEnrollmentKeysResponse{Keys: keys, Count: len(keys)})
}

func (h *EnrollHandler) RevokeKeys(ctx *gin.Context) {
	if _, err := h.gate.Authorize(middleware.CredentialsFrom(ctx)); err != nil {
		respondError(ctx, err)
		return
	}

	agentID := ctx.Param("agent_id")
	if !h.store.Revoke(agentID) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "no enrollment keys for this agent"})
		return
	}

	slog.Info("Enrollment keys revoked", "agent_id", agentID)
	ctx.JSON(http.StatusOK, gin.H{"message": "enrollment keys revoked"})
}

// Enroll is called by the agent itself; the key is its only credential.
func (h *EnrollHandler) Enroll(ctx *gin.Context) {
	if h.ca == nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "TLS is not enabled on this relay"})
		return
	}

	var req dto.EnrollRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	k, err := h.store.Redeem(req.Key)
	if err != nil {
		slog.Warn("Enrollment rejected", "client_ip", ctx.ClientIP(), "error", err)
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	certPEM, keyPEM, err := h.ca.IssueClient(k.AgentID)
	if err != nil {
		h.store.Restore(req.Key)
		slog.Error("Failed to issue agent certificate", "agent_id", k.AgentID, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue certificate"})
		return
	}

	slog.Info("Agent enrolled", "agent_id", k.AgentID, "client_ip", ctx.ClientIP())
	ctx.JSON(http.StatusOK, dto.EnrollResponse{
		AgentID:   k.AgentID,
		CertPEM:   string(certPEM),
		KeyPEM:    string(keyPEM),
		CACertPEM: string(h.ca.CACertPEM()),
	})
}
