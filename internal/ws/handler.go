package ws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/registry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// AgentKeyHeader carries the agent key on the upgrade request.
const AgentKeyHeader = "X-Agent-Key"

type Relay interface {
	AuthenticateAgent(key string) error
	Attach(ctx context.Context, id, remoteAddr string, h registry.Handle) (registry.Record, error)
	Detach(id string, h registry.Handle) bool
	Heartbeat(id string) bool
	PushResult(id, command string, success bool, output string) (models.Result, error)
}

type Handler struct {
	relay    Relay
	upgrader websocket.Upgrader
	timing   Timing
}

func NewHandler(relay Relay, timing Timing) *Handler {
	if timing.WriteWait <= 0 || timing.PongWait <= 0 || timing.PingPeriod <= 0 {
		timing = DefaultTiming()
	}
	return &Handler{
		relay:  relay,
		timing: timing,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: timing.WriteWait,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle serves GET /ws/:agent_id.
func (h *Handler) Handle(c *gin.Context) {
	h.serve(c.Writer, c.Request, c.Param("agent_id"), c.ClientIP())
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, agentID, remoteAddr string) {
	if agentID == "" {
		http.Error(w, "agent id is required", http.StatusBadRequest)
		return
	}

	key := r.Header.Get(AgentKeyHeader)
	if key == "" {
		key = r.URL.Query().Get("key")
	}
	if err := h.relay.AuthenticateAgent(key); err != nil {
		slog.Warn("Rejected WebSocket agent", "agent_id", agentID, "remote_addr", remoteAddr, "error", err)
		http.Error(w, "invalid agent key", http.StatusUnauthorized)
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	conn := newConn(socket, agentID, remoteAddr, h.timing)
	go conn.writePump()

	if _, err := h.relay.Attach(r.Context(), agentID, remoteAddr, conn); err != nil {
		slog.Error("Failed to attach WebSocket agent", "agent_id", agentID, "error", err)
		conn.Close()
		return
	}
	slog.Info("WebSocket agent connected", "agent_id", agentID, "remote_addr", remoteAddr)

	defer func() {
		h.relay.Detach(agentID, conn)
		conn.Close()
		slog.Info("WebSocket agent disconnected", "agent_id", agentID)
	}()

	conn.readPump(h.relay)
}
