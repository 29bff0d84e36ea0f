package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-relay/internal/api/http/dto"
	"github.com/EternisAI/silo-relay/internal/api/http/middleware"
	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	gate *auth.Gate
}

func NewAuthHandler(gate *auth.Gate) *AuthHandler {
	return &AuthHandler{gate: gate}
}

func (h *AuthHandler) Login(ctx *gin.Context) {
	var req dto.LoginRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.gate.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		slog.Error("Failed to open session", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	ctx.JSON(http.StatusOK, dto.LoginResponse{Token: token})
}

// Logout revokes the bearer token the request was made with.
func (h *AuthHandler) Logout(ctx *gin.Context) {
	creds := middleware.CredentialsFrom(ctx)
	if creds.Token == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "session token required"})
		return
	}
	if !h.gate.Logout(creds.Token) {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"message": "logged out"})
}
