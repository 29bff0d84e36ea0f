package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/EternisAI/silo-relay/internal/grpc/frame"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

type Server struct {
	grpcServer    *grpc.Server
	streamHandler *StreamHandler
	port          int
	listener      net.Listener
}

// NewServer builds the relay gRPC endpoint. creds may be nil for plaintext.
func NewServer(port int, relay Relay, creds credentials.TransportCredentials) *Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
		slog.Info("gRPC server TLS enabled")
	}

	s := &Server{
		grpcServer:    grpc.NewServer(opts...),
		streamHandler: NewStreamHandler(relay),
		port:          port,
	}
	frame.RegisterAgentRelayServer(s.grpcServer, s)
	return s
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve accepts agent streams on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.listener = lis
	slog.Info("Starting gRPC server", "address", lis.Addr().String())

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}
	return nil
}

func (s *Server) Stream(stream frame.StreamServer) error {
	return s.streamHandler.HandleStream(stream)
}
