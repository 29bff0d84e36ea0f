package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/EternisAI/silo-relay/internal/dispatch"
	"github.com/EternisAI/silo-relay/internal/events"
	"github.com/EternisAI/silo-relay/internal/liveness"
	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/registry"
	"github.com/EternisAI/silo-relay/internal/results"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	probeTimeout             = 5 * time.Second
)

var ErrInvalidResult = errors.New("agent id and command are required")

type Config struct {
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ResultRetention   time.Duration `mapstructure:"result_retention"`
}

// AgentStatus is the operator view of one agent.
type AgentStatus struct {
	registry.Record
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
}

type Option func(*options)

type options struct {
	now       func() time.Time
	publisher events.Publisher
}

// WithClock replaces the liveness clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// Service is the relay core. Agent operations are unauthenticated beyond the
// optional agent key; every operator operation passes the gate before it
// reads or mutates anything.
type Service struct {
	cfg        Config
	gate       *auth.Gate
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	results    *results.Correlator
	events     events.Publisher
}

func New(cfg Config, gate *auth.Gate, opts ...Option) *Service {
	o := options{now: time.Now, publisher: events.Noop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	tracker := liveness.NewTrackerWithClock(o.now)
	reg := registry.New(registry.Config{
		PollTimeout:       cfg.PollTimeout,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, tracker)
	regCfg := reg.Config()
	cfg.PollTimeout = regCfg.PollTimeout
	cfg.ConnectionTimeout = regCfg.ConnectionTimeout

	res := results.NewCorrelator(cfg.ResultRetention)
	if cfg.ResultRetention <= 0 {
		cfg.ResultRetention = results.DefaultRetention
	}

	s := &Service{
		cfg:      cfg,
		gate:     gate,
		registry: reg,
		results:  res,
		events:   o.publisher,
	}
	s.dispatcher = dispatch.NewDispatcher(reg, dispatch.WithDetachFunc(s.Detach))
	return s
}

func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) Gate() *auth.Gate {
	return s.gate
}

// AuthenticateAgent checks the key an agent presented before registering.
func (s *Service) AuthenticateAgent(key string) error {
	return s.gate.CheckAgentKey(key)
}

// Register upserts an agent seen at remoteAddr.
func (s *Service) Register(id, remoteAddr string) (registry.Record, error) {
	known := s.registry.Exists(id)
	rec, err := s.registry.Register(id, remoteAddr)
	if err != nil {
		return registry.Record{}, err
	}
	if !known {
		s.publish(events.AgentRegistered, id, "", map[string]string{"remote_addr": remoteAddr})
	}
	return rec, nil
}

// Poll registers the agent and hands it every queued command, oldest first.
// Each command is returned by exactly one poll.
func (s *Service) Poll(id, remoteAddr string) ([]models.Command, error) {
	if _, err := s.Register(id, remoteAddr); err != nil {
		return nil, err
	}
	cmds := s.dispatcher.Drain(id)
	if len(cmds) > 0 {
		slog.Info("Delivered queued commands", "agent_id", id, "count", len(cmds))
	}
	return cmds, nil
}

// PushResult records what an agent reported for command. It also counts as
// activity for a registered agent.
func (s *Service) PushResult(id, command string, success bool, output string) (models.Result, error) {
	if id == "" || command == "" {
		return models.Result{}, ErrInvalidResult
	}

	res := s.results.Record(id, command, success, output)
	s.registry.SetLastResult(id, res)

	slog.Info("Command result received", "agent_id", id, "fingerprint", res.Fingerprint[:12], "success", success)
	s.publish(events.CommandResult, id, "", map[string]string{
		"fingerprint": res.Fingerprint,
		"success":     strconv.FormatBool(success),
	})
	return res, nil
}

// Heartbeat refreshes liveness for a connected agent.
func (s *Service) Heartbeat(id string) bool {
	return s.registry.Touch(id)
}

// Attach binds a push connection and flushes anything queued while the agent
// was between connections.
func (s *Service) Attach(ctx context.Context, id, remoteAddr string, h registry.Handle) (registry.Record, error) {
	rec, err := s.registry.AttachConnection(id, remoteAddr, h)
	if err != nil {
		return registry.Record{}, err
	}
	s.publish(events.AgentConnected, id, "", map[string]string{
		"transport":   rec.Transport,
		"remote_addr": rec.RemoteAddr,
	})

	if s.dispatcher.Pending(id) > 0 {
		if err := s.dispatcher.Flush(ctx, id); err != nil {
			slog.Warn("Failed to flush queued commands", "agent_id", id, "error", err)
		}
	}
	return rec, nil
}

// Detach unbinds h if it is still the agent's current connection.
func (s *Service) Detach(id string, h registry.Handle) bool {
	if !s.registry.DetachConnection(id, h) {
		return false
	}
	s.publish(events.AgentDisconnected, id, "", map[string]string{"transport": h.Transport()})
	return true
}

func (s *Service) ListOnline(creds auth.Credentials) ([]registry.Record, error) {
	if _, err := s.gate.Authorize(creds); err != nil {
		return nil, err
	}

	online := s.registry.ListOnline()
	agents := make([]registry.Record, 0, len(online))
	for _, rec := range online {
		agents = append(agents, rec)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *Service) GetAgent(creds auth.Credentials, id string) (AgentStatus, error) {
	if _, err := s.gate.Authorize(creds); err != nil {
		return AgentStatus{}, err
	}

	rec, ok := s.registry.Get(id)
	if !ok {
		return AgentStatus{}, fmt.Errorf("%w: %s", registry.ErrAgentNotFound, id)
	}
	return AgentStatus{
		Record:  rec,
		Online:  s.registry.IsOnline(id),
		Pending: s.dispatcher.Pending(id),
	}, nil
}

// Dispatch sends command to target, or to every online agent for a broadcast.
func (s *Service) Dispatch(ctx context.Context, creds auth.Credentials, target, command string) (dispatch.Report, error) {
	principal, err := s.gate.Authorize(creds)
	if err != nil {
		return dispatch.Report{}, err
	}

	report, err := s.dispatcher.Dispatch(ctx, target, command, principal.Name)
	for _, cmd := range report.Commands {
		s.publish(events.CommandDispatched, cmd.Target, cmd.ID, map[string]string{"from": principal.Name})
	}
	if err != nil {
		slog.Warn("Dispatch failed", "target", target, "from", principal.Name, "error", err)
		return report, err
	}
	return report, nil
}

func (s *Service) QueryResult(creds auth.Credentials, target, command string) (results.Query, error) {
	if _, err := s.gate.Authorize(creds); err != nil {
		return results.Query{}, err
	}
	return s.results.Query(target, command), nil
}

// Disconnect removes an agent, closing its connection and dropping its queue.
func (s *Service) Disconnect(creds auth.Credentials, id string) error {
	principal, err := s.gate.Authorize(creds)
	if err != nil {
		return err
	}

	if !s.registry.Remove(id) {
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, id)
	}
	dropped := s.dispatcher.Discard([]string{id})

	slog.Info("Agent disconnected by operator", "agent_id", id, "from", principal.Name, "dropped_commands", dropped)
	s.publish(events.AgentDisconnected, id, "", map[string]string{"from": principal.Name})
	return nil
}

// Sweep evicts expired agents and drops their queues.
func (s *Service) Sweep() []string {
	expired := s.registry.SweepExpired()
	if len(expired) == 0 {
		return expired
	}
	if dropped := s.dispatcher.Discard(expired); dropped > 0 {
		slog.Warn("Dropped commands for expired agents", "count", dropped)
	}
	for _, id := range expired {
		s.publish(events.AgentExpired, id, "", nil)
	}
	return expired
}

// Probe pings every live connection. A connection that fails its probe is
// detached and closed.
func (s *Service) Probe(ctx context.Context) int {
	failed := 0
	for id, h := range s.registry.Handles() {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := h.Ping(probeCtx)
		cancel()
		if err == nil {
			continue
		}

		failed++
		slog.Warn("Heartbeat probe failed", "agent_id", id, "transport", h.Transport(), "error", err)
		if s.Detach(id, h) {
			h.Close()
		}
	}
	return failed
}

// Run sweeps and probes until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	sweepEvery := s.cfg.PollTimeout / 2
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()
	probe := time.NewTicker(s.cfg.HeartbeatInterval)
	defer probe.Stop()

	slog.Info("Relay maintenance started",
		"sweep_interval", sweepEvery,
		"heartbeat_interval", s.cfg.HeartbeatInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Relay maintenance stopped")
			return
		case <-sweep.C:
			s.Sweep()
			s.results.Purge()
		case <-probe.C:
			s.Probe(ctx)
		}
	}
}

func (s *Service) publish(eventType, agentID, commandID string, data map[string]string) {
	s.events.Publish(events.Event{
		Type:      eventType,
		AgentID:   agentID,
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
