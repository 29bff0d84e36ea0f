package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-relay/internal/grpc/frame"
	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/registry"
	"google.golang.org/protobuf/types/known/structpb"
)

const sendChannelBuffer = 100

var ErrConnectionClosed = errors.New("agent connection closed")

// AgentConnection is one live relay stream. It satisfies registry.Handle;
// frames queued by Send are written by the stream's send loop.
type AgentConnection struct {
	ID          string
	RemoteAddr  string
	SendCh      chan *structpb.Struct
	ConnectedAt time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ registry.Handle = (*AgentConnection)(nil)

func NewAgentConnection(parent context.Context, id, remoteAddr string) *AgentConnection {
	ctx, cancel := context.WithCancel(parent)
	return &AgentConnection{
		ID:          id,
		RemoteAddr:  remoteAddr,
		SendCh:      make(chan *structpb.Struct, sendChannelBuffer),
		ConnectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *AgentConnection) Send(ctx context.Context, cmd models.Command) error {
	return c.enqueue(ctx, frame.FromCommand(cmd))
}

// Ping queues a liveness probe. The agent answers with a pong that refreshes
// its liveness when received.
func (c *AgentConnection) Ping(ctx context.Context) error {
	return c.enqueue(ctx, frame.New(frame.TypePing))
}

func (c *AgentConnection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		slog.Debug("Agent connection closed", "agent_id", c.ID)
	})
}

func (c *AgentConnection) Transport() string {
	return registry.TransportGRPC
}

func (c *AgentConnection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *AgentConnection) enqueue(ctx context.Context, f frame.Frame) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.ID)
	}

	msg, err := f.ToStruct()
	if err != nil {
		return err
	}

	select {
	case c.SendCh <- msg:
		slog.Debug("Frame queued for agent", "agent_id", c.ID, "frame_id", f.ID, "type", f.Type)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout sending %s to agent %s: %w", f.Type, c.ID, ctx.Err())
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.ID)
	}
}
