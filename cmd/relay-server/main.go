package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-relay/internal/api/http"
	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/EternisAI/silo-relay/internal/cert"
	"github.com/EternisAI/silo-relay/internal/enroll"
	"github.com/EternisAI/silo-relay/internal/events"
	grpcserver "github.com/EternisAI/silo-relay/internal/grpc/server"
	grpctls "github.com/EternisAI/silo-relay/internal/grpc/tls"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/EternisAI/silo-relay/internal/ws"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var AppVersion string

const shutdownTimeout = 10 * time.Second

func main() {
	InitConfig()

	slog.Info("Silo Relay Server", "version", AppVersion)

	gate, err := auth.NewGate(config.Auth)
	if err != nil {
		slog.Error("Failed to initialise auth gate", "error", err)
		os.Exit(1)
	}

	publisher := newPublisher(config.Nats)
	defer publisher.Close()

	svc := relay.New(config.Relay, gate, relay.WithPublisher(publisher))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var grpcSrv *grpcserver.Server
	var authority *cert.Authority
	if config.Grpc.Enabled {
		creds, err := grpctls.ServerCredentials(config.Grpc.TLS)
		if err != nil {
			slog.Error("Failed to load gRPC TLS credentials", "error", err)
			os.Exit(1)
		}
		grpcSrv = grpcserver.NewServer(config.Grpc.Port, svc, creds)

		if config.Grpc.TLS.Enabled && config.Grpc.TLS.CAKeyFile != "" {
			authority, err = cert.LoadAuthority(config.Grpc.TLS.CAFile, config.Grpc.TLS.CAKeyFile)
			if err != nil {
				slog.Warn("CA key unavailable, agent enrollment disabled", "error", err)
			}
		}
	}

	enrollStore := enroll.NewStore(config.Enroll.KeyTTL)
	go enrollStore.Run(ctx, time.Minute)
	go svc.Run(ctx)

	services := &internalhttp.Services{
		Relay:     svc,
		WebSocket: ws.NewHandler(svc, config.WebSocket),
		Enroll:    enrollStore,
		Authority: authority,
		Version:   AppVersion,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:  config.Http.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if grpcSrv != nil {
		go func() {
			if err := grpcSrv.Start(); err != nil {
				errChan <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	if grpcSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcSrv.Stop(shutdownCtx); err != nil {
				slog.Error("gRPC server shutdown error", "error", err)
			}
		}()
	}

	wg.Wait()
	slog.Info("Shutdown complete")
}

// newPublisher falls back to dropping events when NATS is disabled or
// unreachable at startup.
func newPublisher(cfg events.NATSConfig) events.Publisher {
	if !cfg.Enabled {
		return events.Noop{}
	}
	p, err := events.ConnectNATS(cfg)
	if err != nil {
		slog.Warn("NATS unavailable, lifecycle events disabled", "error", err)
		return events.Noop{}
	}
	return p
}
