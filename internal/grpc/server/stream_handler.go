package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/EternisAI/silo-relay/internal/grpc/frame"
	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/registry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Relay is the part of the relay core the stream handler drives.
type Relay interface {
	AuthenticateAgent(key string) error
	Attach(ctx context.Context, id, remoteAddr string, h registry.Handle) (registry.Record, error)
	Detach(id string, h registry.Handle) bool
	Heartbeat(id string) bool
	PushResult(id, command string, success bool, output string) (models.Result, error)
}

type StreamHandler struct {
	relay Relay
}

func NewStreamHandler(relay Relay) *StreamHandler {
	return &StreamHandler{relay: relay}
}

func (sh *StreamHandler) HandleStream(stream frame.StreamServer) error {
	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive first message: %w", err)
	}

	hello, err := frame.FromStruct(first)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if hello.Type != frame.TypeHello {
		return status.Errorf(codes.InvalidArgument, "first frame must be hello, got %s", hello.Type)
	}
	if hello.AgentID == "" {
		return status.Error(codes.InvalidArgument, "agent_id not found in hello frame")
	}

	ctx := stream.Context()
	key := hello.AgentKey
	if key == "" {
		key = metadataValue(ctx, frame.AgentKeyMetadata)
	}
	if err := sh.relay.AuthenticateAgent(key); err != nil {
		slog.Warn("Rejected agent connection", "agent_id", hello.AgentID, "error", err)
		return status.Error(codes.Unauthenticated, "invalid agent key")
	}

	agentID := hello.AgentID
	conn := NewAgentConnection(ctx, agentID, remoteAddr(ctx))

	done := make(chan struct{})
	errChan := make(chan error, 2)
	go sh.sendLoop(agentID, stream, conn, done, errChan)

	if _, err := sh.relay.Attach(ctx, agentID, conn.RemoteAddr, conn); err != nil {
		close(done)
		conn.Close()
		return status.Errorf(codes.InvalidArgument, "failed to register agent: %v", err)
	}
	slog.Info("Agent connection established", "agent_id", agentID, "remote_addr", conn.RemoteAddr)

	defer func() {
		sh.relay.Detach(agentID, conn)
		conn.Close()
		slog.Info("Agent disconnected", "agent_id", agentID)
	}()

	go sh.receiveLoop(agentID, stream, conn, done, errChan)

	select {
	case err := <-errChan:
		close(done)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case <-conn.Done():
		close(done)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return status.Error(codes.Aborted, "connection replaced or closed by server")
	}
}

func (sh *StreamHandler) receiveLoop(agentID string, stream frame.StreamServer, conn *AgentConnection, done chan struct{}, errChan chan error) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				slog.Error("Error receiving message", "agent_id", agentID, "error", err)
			}
			errChan <- err
			return
		}

		select {
		case <-done:
			return
		default:
		}

		f, err := frame.FromStruct(msg)
		if err != nil {
			slog.Warn("Dropping malformed frame", "agent_id", agentID, "error", err)
			continue
		}

		slog.Debug("Frame received", "agent_id", agentID, "frame_id", f.ID, "type", f.Type)
		sh.relay.Heartbeat(agentID)

		if err := sh.processFrame(agentID, conn, f); err != nil {
			slog.Error("Failed to process frame", "agent_id", agentID, "error", err)
		}
	}
}

func (sh *StreamHandler) sendLoop(agentID string, stream frame.StreamServer, conn *AgentConnection, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case <-conn.Done():
			return
		case msg := <-conn.SendCh:
			if err := stream.Send(msg); err != nil {
				slog.Error("Error sending message", "agent_id", agentID, "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (sh *StreamHandler) processFrame(agentID string, conn *AgentConnection, f frame.Frame) error {
	switch f.Type {
	case frame.TypePing:
		pong := frame.New(frame.TypePong)
		pong.ID = f.ID
		msg, err := pong.ToStruct()
		if err != nil {
			return err
		}
		select {
		case conn.SendCh <- msg:
		case <-conn.Done():
			return ErrConnectionClosed
		}

	case frame.TypePong:
		slog.Debug("PONG received", "agent_id", agentID, "frame_id", f.ID)

	case frame.TypeResult:
		if _, err := sh.relay.PushResult(agentID, f.Command, f.Success, f.Output); err != nil {
			return fmt.Errorf("failed to record result: %w", err)
		}

	case frame.TypeError:
		slog.Warn("Agent reported error", "agent_id", agentID, "frame_id", f.ID, "message", f.Output)

	default:
		slog.Warn("Unknown frame type", "agent_id", agentID, "type", f.Type)
	}
	return nil
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

func metadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
