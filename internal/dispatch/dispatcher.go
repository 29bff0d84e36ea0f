package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/registry"
	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("target agent not found or offline")
	ErrTransport    = errors.New("transport failure")
	ErrEmptyCommand = errors.New("command is required")
)

const defaultSendTimeout = 5 * time.Second

// Report describes where a dispatched command went.
type Report struct {
	Target    string           `json:"target"`
	Broadcast bool             `json:"broadcast"`
	Delivered []string         `json:"delivered"`
	Queued    []string         `json:"queued"`
	Failed    []string         `json:"failed"`
	Commands  []models.Command `json:"commands"`
}

// DetachFunc unbinds a handle whose send failed. It reports whether h was
// still the agent's current connection.
type DetachFunc func(id string, h registry.Handle) bool

type Option func(*Dispatcher)

// WithDetachFunc replaces the default registry detach, so the owner can
// react to connections lost during a push.
func WithDetachFunc(fn DetachFunc) Option {
	return func(d *Dispatcher) { d.detach = fn }
}

// Dispatcher routes commands to agents: pushed over a live handle when one
// is attached, otherwise appended to the agent's FIFO for the next poll.
// Pushes to one agent go through a single flusher at a time, in queue order.
type Dispatcher struct {
	mu          sync.Mutex
	queues      map[string][]models.Command
	flushing    map[string]bool
	registry    *registry.Registry
	detach      DetachFunc
	now         func() time.Time
	sendTimeout time.Duration
}

func NewDispatcher(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queues:      make(map[string][]models.Command),
		flushing:    make(map[string]bool),
		registry:    reg,
		detach:      reg.DetachConnection,
		now:         time.Now,
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, target, text, sender string) (Report, error) {
	if text == "" {
		return Report{}, ErrEmptyCommand
	}

	if models.IsBroadcast(target) {
		return d.broadcast(ctx, text, sender), nil
	}

	report := Report{Target: target}
	cmd, pushed, err := d.dispatchOne(ctx, target, text, sender)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			report.Failed = append(report.Failed, target)
		}
		return report, err
	}

	report.Commands = append(report.Commands, cmd)
	if pushed {
		report.Delivered = append(report.Delivered, target)
	} else {
		report.Queued = append(report.Queued, target)
	}
	return report, nil
}

func (d *Dispatcher) broadcast(ctx context.Context, text, sender string) Report {
	report := Report{Target: models.BroadcastTarget, Broadcast: true}

	// Agents that come online after this snapshot do not receive the command.
	targets := d.registry.OnlineIDs()
	for _, id := range targets {
		cmd, pushed, err := d.dispatchOne(ctx, id, text, sender)
		switch {
		case err != nil:
			slog.Warn("Broadcast delivery failed", "agent_id", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		case pushed:
			report.Delivered = append(report.Delivered, id)
		default:
			report.Queued = append(report.Queued, id)
		}
		report.Commands = append(report.Commands, cmd)
	}

	slog.Info("Command broadcast",
		"targets", len(targets),
		"delivered", len(report.Delivered),
		"queued", len(report.Queued),
		"failed", len(report.Failed))
	return report
}

func (d *Dispatcher) dispatchOne(ctx context.Context, id, text, sender string) (models.Command, bool, error) {
	d.mu.Lock()
	if !d.registry.IsOnline(id) {
		d.mu.Unlock()
		return models.Command{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	cmd := models.Command{
		ID:         uuid.New().String(),
		Target:     id,
		Text:       text,
		EnqueuedAt: d.now(),
		Sender:     sender,
	}
	d.queues[id] = append(d.queues[id], cmd)

	// An active flusher picks the command up after everything queued before it.
	if _, connected := d.registry.Handle(id); !connected || d.flushing[id] {
		d.mu.Unlock()
		slog.Debug("Command queued", "agent_id", id, "command_id", cmd.ID)
		return cmd, false, nil
	}
	d.flushing[id] = true
	d.mu.Unlock()

	// The flusher may send other callers' commands, so it outlives ctx.
	out := d.flush(context.WithoutCancel(ctx), id, cmd.ID)
	switch {
	case out.ownErr != nil:
		return models.Command{}, false, out.ownErr
	case out.ownSent:
		return cmd, true, nil
	default:
		return cmd, false, nil
	}
}

func (d *Dispatcher) push(ctx context.Context, id string, h registry.Handle, cmd models.Command) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	if err := h.Send(sendCtx, cmd); err != nil {
		slog.Error("Failed to push command, detaching connection",
			"agent_id", id,
			"command_id", cmd.ID,
			"error", err)
		if d.detach(id, h) {
			h.Close()
		}
		return fmt.Errorf("%w: %s: %v", ErrTransport, id, err)
	}

	slog.Debug("Command pushed", "agent_id", id, "command_id", cmd.ID, "transport", h.Transport())
	return nil
}

// Drain atomically returns and clears the agent's queue.
func (d *Dispatcher) Drain(id string) []models.Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.queues[id]
	delete(d.queues, id)
	if queue == nil {
		return []models.Command{}
	}
	return queue
}

// Flush pushes queued commands over the agent's live handle, in order. A
// command whose send failed is dropped; the ones behind it stay queued. If
// another flush is already running for the agent, Flush leaves the queue to it.
func (d *Dispatcher) Flush(ctx context.Context, id string) error {
	d.mu.Lock()
	if _, ok := d.registry.Handle(id); !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.flushing[id] {
		d.mu.Unlock()
		return nil
	}
	d.flushing[id] = true
	d.mu.Unlock()

	return d.flush(ctx, id, "").err
}

type flushResult struct {
	sent    int
	err     error
	ownSent bool
	ownErr  error
}

// flush sends the head of the agent's queue until the queue is empty or no
// handle is attached. The caller must have set d.flushing[id]. own is the id
// of the command the caller is waiting on; if a failed send dropped the
// connection before own went out, own is withdrawn instead of left queued.
func (d *Dispatcher) flush(ctx context.Context, id, own string) flushResult {
	var out flushResult
	ownDone := false

	for {
		d.mu.Lock()
		h, connected := d.registry.Handle(id)
		queue := d.queues[id]
		if !connected || len(queue) == 0 {
			delete(d.flushing, id)
			if own != "" && !ownDone && out.err != nil && d.removeLocked(id, own) {
				out.ownErr = out.err
			}
			d.mu.Unlock()
			break
		}
		cmd := queue[0]
		if len(queue) == 1 {
			delete(d.queues, id)
		} else {
			d.queues[id] = queue[1:]
		}
		d.mu.Unlock()

		err := d.push(ctx, id, h, cmd)
		if err != nil {
			out.err = err
		} else {
			out.sent++
		}
		if cmd.ID == own {
			ownDone = true
			out.ownSent = err == nil
			out.ownErr = err
		}
	}

	if out.sent > 1 || (out.sent == 1 && !out.ownSent) {
		slog.Info("Flushed queued commands", "agent_id", id, "count", out.sent)
	}
	return out
}

func (d *Dispatcher) removeLocked(id, cmdID string) bool {
	queue := d.queues[id]
	for i, c := range queue {
		if c.ID != cmdID {
			continue
		}
		rest := append(queue[:i:i], queue[i+1:]...)
		if len(rest) == 0 {
			delete(d.queues, id)
		} else {
			d.queues[id] = rest
		}
		return true
	}
	return false
}

// Discard drops the queues of agents that are no longer registered.
func (d *Dispatcher) Discard(ids []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	for _, id := range ids {
		if d.registry.Exists(id) {
			continue
		}
		dropped += len(d.queues[id])
		delete(d.queues, id)
	}
	return dropped
}

func (d *Dispatcher) Pending(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[id])
}
