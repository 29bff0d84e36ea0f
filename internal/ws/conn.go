package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/registry"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer     = 64
	maxMessageSize = 1024 * 1024
)

var ErrConnectionClosed = errors.New("websocket connection closed")

type Timing struct {
	WriteWait  time.Duration `mapstructure:"write_wait"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

func DefaultTiming() Timing {
	pongWait := 60 * time.Second
	return Timing{
		WriteWait:  10 * time.Second,
		PongWait:   pongWait,
		PingPeriod: (pongWait * 9) / 10,
	}
}

type outbound struct {
	msg  *Message
	ping bool
}

// Conn is a live WebSocket agent connection. All writes go through
// writePump; Close stops it, which closes the socket.
type Conn struct {
	agentID    string
	remoteAddr string
	ws         *websocket.Conn
	send       chan outbound
	timing     Timing

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ registry.Handle = (*Conn)(nil)

func newConn(ws *websocket.Conn, agentID, remoteAddr string, timing Timing) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		agentID:    agentID,
		remoteAddr: remoteAddr,
		ws:         ws,
		send:       make(chan outbound, sendBuffer),
		timing:     timing,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Conn) Send(ctx context.Context, cmd models.Command) error {
	msg := commandMessage(cmd)
	return c.enqueue(ctx, outbound{msg: &msg})
}

// Ping queues a WebSocket ping control frame.
func (c *Conn) Ping(ctx context.Context) error {
	return c.enqueue(ctx, outbound{ping: true})
}

func (c *Conn) Close() {
	c.closeOnce.Do(c.cancel)
}

func (c *Conn) Transport() string {
	return registry.TransportWebSocket
}

func (c *Conn) enqueue(ctx context.Context, out outbound) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.agentID)
	}
	select {
	case c.send <- out:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout sending to agent %s: %w", c.agentID, ctx.Err())
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.agentID)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.timing.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			var err error
			if out.ping {
				err = c.ws.WriteMessage(websocket.PingMessage, nil)
			} else {
				err = c.ws.WriteJSON(out.msg)
			}
			if err != nil {
				slog.Error("Error writing to agent", "agent_id", c.agentID, "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.timing.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// readPump consumes agent messages until the socket fails or goes quiet for
// longer than PongWait.
func (c *Conn) readPump(relay Relay) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.timing.PongWait))
	c.ws.SetPongHandler(func(string) error {
		relay.Heartbeat(c.agentID)
		return c.ws.SetReadDeadline(time.Now().Add(c.timing.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "agent_id", c.agentID, "error", err)
			}
			return
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(c.timing.PongWait))
		relay.Heartbeat(c.agentID)

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Failed to parse agent message", "agent_id", c.agentID, "error", err)
			continue
		}
		c.handle(relay, msg)
	}
}

func (c *Conn) handle(relay Relay, msg Message) {
	switch msg.Type {
	case TypeCommandResult, TypeResult:
		res, ok := msg.result()
		if !ok {
			slog.Warn("Result message without command", "agent_id", c.agentID)
			return
		}
		if _, err := relay.PushResult(c.agentID, res.Command, res.Success, res.Output); err != nil {
			slog.Error("Failed to record result", "agent_id", c.agentID, "error", err)
		}

	case TypeHeartbeat:
		slog.Debug("Heartbeat received", "agent_id", c.agentID)

	case TypeError:
		slog.Warn("Agent reported error", "agent_id", c.agentID, "message", msg.Error)

	default:
		slog.Warn("Unknown message type", "agent_id", c.agentID, "type", msg.Type)
	}
}
