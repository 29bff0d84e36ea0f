package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-relay/internal/grpc/frame"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	grpctls "github.com/EternisAI/silo-relay/internal/grpc/tls"
)

const (
	sendChannelBuffer   = 100
	defaultPingInterval = 30 * time.Second
	initialDelay        = 1 * time.Second
	maxDelay            = 30 * time.Second
	backoffFactor       = 2
	commandTimeout      = 5 * time.Minute
)

type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerNameOverride string
}

type Config struct {
	ServerAddr   string
	AgentID      string
	AgentKey     string
	PingInterval time.Duration
	TLS          *TLSConfig
	// DialOptions are appended after the transport credentials.
	DialOptions []grpc.DialOption
}

// Client keeps an agent connected to the relay, reconnecting with
// exponential backoff, and hands every command it receives to a Handler.
type Client struct {
	cfg     Config
	handler Handler
	conn    *grpc.ClientConn
	stream  frame.StreamClient

	sendCh chan *structpb.Struct
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

func NewClient(cfg Config, handler Handler) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:               cfg,
		handler:           handler,
		sendCh:            make(chan *structpb.Struct, sendChannelBuffer),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		reconnectDelay:    initialDelay,
		maxReconnectDelay: maxDelay,
		ctx:               ctx,
		cancel:            cancel,
	}
}

func (c *Client) Start() error {
	if c.cfg.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping gRPC client")
	close(c.stopCh)
	c.cancel()
	<-c.doneCh
	slog.Info("gRPC client stopped")
	return nil
}

// Connected reports whether a stream to the relay is currently open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream != nil
}

func (c *Client) Send(f frame.Frame) error {
	msg, err := f.ToStruct()
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send channel full")
	}
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
		}

		if err := c.connect(); err != nil {
			slog.Error("Connection failed", "error", err, "retry_in", c.reconnectDelay)
			if !c.wait(c.reconnectDelay) {
				return
			}
			c.increaseReconnectDelay()
			continue
		}

		c.reconnectDelay = initialDelay

		if err := c.handleStream(); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("Server closed connection")
			} else {
				slog.Error("Stream error", "error", err)
			}
		}

		c.disconnect()

		slog.Info("Reconnecting", "delay", c.reconnectDelay)
		if !c.wait(c.reconnectDelay) {
			return
		}
		c.increaseReconnectDelay()
	}
}

// wait sleeps for d and reports false if the client was stopped meanwhile.
func (c *Client) wait(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Client) connect() error {
	slog.Info("Connecting to relay", "address", c.cfg.ServerAddr, "agent_id", c.cfg.AgentID)

	var opts []grpc.DialOption
	if c.cfg.TLS != nil && c.cfg.TLS.Enabled {
		creds, err := grpctls.LoadClientCredentials(
			c.cfg.TLS.CertFile,
			c.cfg.TLS.KeyFile,
			c.cfg.TLS.CAFile,
			c.cfg.TLS.ServerNameOverride,
		)
		if err != nil {
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		slog.Warn("Using insecure connection (TLS disabled)")
	}
	opts = append(opts, c.cfg.DialOptions...)

	conn, err := grpc.NewClient(c.cfg.ServerAddr, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	stream, err := frame.NewStream(c.ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}

	hello, err := frame.Hello(c.cfg.AgentID, c.cfg.AgentKey).ToStruct()
	if err == nil {
		err = stream.Send(hello)
	}
	if err != nil {
		stream.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	slog.Info("Connected to relay", "address", c.cfg.ServerAddr)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		c.stream.CloseSend()
		c.stream = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) increaseReconnectDelay() {
	c.reconnectDelay = c.reconnectDelay * backoffFactor
	if c.reconnectDelay > c.maxReconnectDelay {
		c.reconnectDelay = c.maxReconnectDelay
	}
}

func (c *Client) handleStream() error {
	done := make(chan struct{})
	errChan := make(chan error, 3)

	go c.receiveLoop(done, errChan)
	go c.sendLoop(done, errChan)
	go c.pingLoop(done, errChan)

	var err error
	select {
	case err = <-errChan:
	case <-c.stopCh:
	}
	close(done)
	return err
}

func (c *Client) currentStream() frame.StreamClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	for {
		stream := c.currentStream()
		if stream == nil {
			errChan <- fmt.Errorf("stream is nil")
			return
		}

		msg, err := stream.Recv()
		if err != nil {
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
			slog.Warn("Dropping malformed frame", "error", err)
			continue
		}
		slog.Debug("Frame received", "frame_id", f.ID, "type", f.Type)
		c.processFrame(f)
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.sendCh:
			stream := c.currentStream()
			if stream == nil {
				errChan <- fmt.Errorf("stream is nil")
				return
			}
			if err := stream.Send(msg); err != nil {
				slog.Error("Error sending message", "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) pingLoop(done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ping := frame.New(frame.TypePing)
			if err := c.Send(ping); err != nil {
				slog.Error("Failed to send PING", "error", err)
				errChan <- err
				return
			}
			slog.Debug("PING sent", "frame_id", ping.ID)
		}
	}
}

func (c *Client) processFrame(f frame.Frame) {
	switch f.Type {
	case frame.TypePing:
		pong := frame.New(frame.TypePong)
		pong.ID = f.ID
		if err := c.Send(pong); err != nil {
			slog.Error("Failed to send PONG", "error", err)
		}

	case frame.TypePong:
		slog.Debug("PONG received", "frame_id", f.ID)

	case frame.TypeCommand:
		go c.handleCommand(f)

	case frame.TypeError:
		slog.Warn("Relay reported error", "message", f.Output)

	default:
		slog.Warn("Unknown frame type", "type", f.Type)
	}
}

func (c *Client) handleCommand(f frame.Frame) {
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	cmd := f.ToCommand()
	success, output := c.handler.Handle(ctx, cmd)

	result := frame.Result(c.cfg.AgentID, cmd.ID, cmd.Text, success, output)
	if err := c.Send(result); err != nil {
		slog.Error("Failed to send result", "error", err, "command_id", cmd.ID)
	}
}
