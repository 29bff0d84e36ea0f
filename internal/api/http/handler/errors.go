package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/EternisAI/silo-relay/internal/dispatch"
	"github.com/EternisAI/silo-relay/internal/registry"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/gin-gonic/gin"
)

// respondError maps relay errors onto HTTP statuses.
func respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, registry.ErrAgentNotFound), errors.Is(err, dispatch.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrTransport):
		ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrEmptyCommand),
		errors.Is(err, relay.ErrInvalidResult),
		errors.Is(err, registry.ErrInvalidIdentity):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.Error("Request failed", "path", ctx.Request.URL.Path, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
