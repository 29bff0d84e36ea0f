package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/EternisAI/silo-relay/internal/dispatch"
	"github.com/EternisAI/silo-relay/internal/events"
	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var operator = auth.Credentials{Secret: "s3cret"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeHandle struct {
	mu      sync.Mutex
	sent    []models.Command
	sendErr error
	pingErr error
	closed  bool
}

func (h *fakeHandle) Send(ctx context.Context, cmd models.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, cmd)
	return nil
}

func (h *fakeHandle) Ping(ctx context.Context) error { return h.pingErr }

func (h *fakeHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *fakeHandle) Transport() string { return registry.TransportWebSocket }

func (h *fakeHandle) Sent() []models.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Command(nil), h.sent...)
}

func (h *fakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func newTestService(t *testing.T) (*Service, *testClock, *events.Recorder) {
	t.Helper()
	gate, err := auth.NewGate(auth.Config{SharedSecret: "s3cret"})
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rec := &events.Recorder{}
	svc := New(Config{
		PollTimeout:       30 * time.Second,
		ConnectionTimeout: 300 * time.Second,
	}, gate, WithClock(clock.Now), WithPublisher(rec))
	return svc, clock, rec
}

func TestBroadcastPollResultScenario(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register("bot1", "10.0.0.5")
	require.NoError(t, err)

	report, err := svc.Dispatch(ctx, operator, "broadcast", "whoami")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot1"}, report.Queued)

	cmds, err := svc.Poll("bot1", "10.0.0.5")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.True(t, strings.Contains(cmds[0].Entry(), "whoami"))

	_, err = svc.PushResult("bot1", "whoami", true, "root")
	require.NoError(t, err)

	q, err := svc.QueryResult(operator, "bot1", "whoami")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, q.Status)
	assert.True(t, q.Success)
	assert.Equal(t, "root", q.Output)
}

func TestOperatorCallsRequireCredentials(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register("bot1", "10.0.0.5")
	require.NoError(t, err)
	before := len(rec.Events())

	bad := auth.Credentials{Secret: "nope"}

	_, err = svc.ListOnline(bad)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = svc.Dispatch(ctx, bad, "bot1", "whoami")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = svc.QueryResult(auth.Credentials{}, "bot1", "whoami")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = svc.GetAgent(bad, "bot1")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.ErrorIs(t, svc.Disconnect(bad, "bot1"), auth.ErrUnauthorized)

	// No side effects from rejected calls.
	cmds, err := svc.Poll("bot1", "")
	require.NoError(t, err)
	assert.Empty(t, cmds)
	_, err = svc.GetAgent(operator, "bot1")
	assert.NoError(t, err)
	assert.Len(t, rec.Events(), before)
}

func TestDispatch_SessionToken(t *testing.T) {
	gate, err := auth.NewGate(auth.Config{AdminUsername: "admin", AdminPassword: "pw"})
	require.NoError(t, err)
	svc := New(Config{}, gate)

	token, err := gate.Login("admin", "pw")
	require.NoError(t, err)
	_, err = svc.Register("bot1", "")
	require.NoError(t, err)

	report, err := svc.Dispatch(context.Background(), auth.Credentials{Token: token}, "bot1", "id")
	require.NoError(t, err)
	require.Len(t, report.Commands, 1)
	assert.Equal(t, "admin", report.Commands[0].Sender)

	gate.Logout(token)
	_, err = svc.Dispatch(context.Background(), auth.Credentials{Token: token}, "bot1", "id")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestDispatch_NotFoundWhenOffline(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Dispatch(ctx, operator, "ghost", "whoami")
	assert.ErrorIs(t, err, dispatch.ErrNotFound)

	_, err = svc.Register("bot1", "")
	require.NoError(t, err)
	clock.Advance(31 * time.Second)

	_, err = svc.Dispatch(ctx, operator, "bot1", "whoami")
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestListOnline_FollowsPolling(t *testing.T) {
	svc, clock, _ := newTestService(t)

	for i := 0; i < 5; i++ {
		_, err := svc.Poll("bot1", "")
		require.NoError(t, err)
		clock.Advance(20 * time.Second)

		agents, err := svc.ListOnline(operator)
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, "bot1", agents[0].ID)
	}

	clock.Advance(20 * time.Second)
	agents, err := svc.ListOnline(operator)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestPushResult_Pending(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.PushResult("bot1", "uptime", false, "permission denied")
	require.NoError(t, err)

	q, err := svc.QueryResult(operator, "bot1", "uptime")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, q.Status)
	assert.Equal(t, "permission denied", q.Output)

	q, err = svc.QueryResult(operator, "bot1", "hostname")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, q.Status)

	_, err = svc.PushResult("", "uptime", true, "")
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestPushResult_StoredOnAgent(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Register("bot1", "")
	require.NoError(t, err)

	_, err = svc.PushResult("bot1", "whoami", true, "root")
	require.NoError(t, err)

	status, err := svc.GetAgent(operator, "bot1")
	require.NoError(t, err)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, "root", status.LastResult.Output)
	assert.True(t, status.Online)
}

func TestAttach_PushesAndFlushes(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register("bot1", "")
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, operator, "bot1", "first")
	require.NoError(t, err)

	h := &fakeHandle{}
	record, err := svc.Attach(ctx, "bot1", "10.0.0.5:4000", h)
	require.NoError(t, err)
	assert.True(t, record.Connected)

	report, err := svc.Dispatch(ctx, operator, "bot1", "second")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot1"}, report.Delivered)

	sent := h.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "first", sent[0].Text)
	assert.Equal(t, "second", sent[1].Text)

	assert.True(t, svc.Detach("bot1", h))
	assert.False(t, svc.Detach("bot1", h))
	assert.Contains(t, rec.Types(), events.AgentConnected)
	assert.Contains(t, rec.Types(), events.AgentDisconnected)
}

func TestDispatch_TransportFailure(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	h := &fakeHandle{sendErr: errors.New("broken pipe")}
	_, err := svc.Attach(ctx, "bot1", "", h)
	require.NoError(t, err)

	_, err = svc.Dispatch(ctx, operator, "bot1", "whoami")
	assert.ErrorIs(t, err, dispatch.ErrTransport)
	assert.True(t, h.Closed())

	status, err := svc.GetAgent(operator, "bot1")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Contains(t, rec.Types(), events.AgentDisconnected)
}

func TestDispatch_FailedFlushIsNotRetried(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register("bot1", "10.0.0.5")
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, operator, "bot1", "one")
	require.NoError(t, err)

	// Attached straight on the registry so nothing is flushed yet.
	h := &fakeHandle{sendErr: errors.New("broken pipe")}
	_, err = svc.registry.AttachConnection("bot1", "", h)
	require.NoError(t, err)

	report, err := svc.Dispatch(ctx, operator, "bot1", "two")
	assert.ErrorIs(t, err, dispatch.ErrTransport)
	assert.Equal(t, []string{"bot1"}, report.Failed)
	assert.True(t, h.Closed())

	cmds, err := svc.Poll("bot1", "10.0.0.5")
	require.NoError(t, err)
	assert.Empty(t, cmds)

	detached := 0
	for _, evt := range rec.Events() {
		if evt.Type == events.AgentDisconnected && evt.AgentID == "bot1" {
			detached++
		}
	}
	assert.Equal(t, 1, detached)
}

func TestBroadcast_IsolatesFailures(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	good := &fakeHandle{}
	bad := &fakeHandle{sendErr: errors.New("reset by peer")}
	_, err := svc.Attach(ctx, "a", "", good)
	require.NoError(t, err)
	_, err = svc.Attach(ctx, "b", "", bad)
	require.NoError(t, err)
	_, err = svc.Register("c", "")
	require.NoError(t, err)

	report, err := svc.Dispatch(ctx, operator, "all", "uname -a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Delivered)
	assert.Equal(t, []string{"b"}, report.Failed)
	assert.Equal(t, []string{"c"}, report.Queued)
}

func TestSweep_ExpiresAndPublishes(t *testing.T) {
	svc, clock, rec := newTestService(t)

	_, err := svc.Register("bot1", "")
	require.NoError(t, err)
	_, err = svc.Dispatch(context.Background(), operator, "bot1", "whoami")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	assert.Equal(t, []string{"bot1"}, svc.Sweep())
	assert.Empty(t, svc.Sweep())
	assert.Contains(t, rec.Types(), events.AgentExpired)

	_, err = svc.GetAgent(operator, "bot1")
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)

	cmds, err := svc.Poll("bot1", "")
	require.NoError(t, err)
	assert.Empty(t, cmds, "queue of an expired agent is dropped")
}

func TestProbe_DetachesFailedHandles(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	alive := &fakeHandle{}
	dead := &fakeHandle{pingErr: errors.New("timeout")}
	_, err := svc.Attach(ctx, "alive", "", alive)
	require.NoError(t, err)
	_, err = svc.Attach(ctx, "dead", "", dead)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.Probe(ctx))
	assert.True(t, dead.Closed())
	assert.False(t, alive.Closed())

	status, err := svc.GetAgent(operator, "dead")
	require.NoError(t, err)
	assert.False(t, status.Connected)
}

func TestDisconnect(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := &fakeHandle{}
	_, err := svc.Attach(context.Background(), "bot1", "", h)
	require.NoError(t, err)

	require.NoError(t, svc.Disconnect(operator, "bot1"))
	assert.True(t, h.Closed())
	assert.ErrorIs(t, svc.Disconnect(operator, "bot1"), registry.ErrAgentNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
