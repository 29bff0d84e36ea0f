package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/EternisAI/silo-relay/internal/api/http/dto"
	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/EternisAI/silo-relay/internal/events"
	grpcclient "github.com/EternisAI/silo-relay/internal/grpc/client"
	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

var operator = auth.Credentials{Secret: APIKey}

func waitConnected(t *testing.T, s *Stack, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		agent, err := s.Relay.GetAgent(operator, id)
		return err == nil && agent.Connected
	}, waitFor, tick, "agent %s never connected", id)
}

func startGRPCAgent(t *testing.T, s *Stack, id string, handle grpcclient.HandlerFunc) *grpcclient.Client {
	t.Helper()
	c := grpcclient.NewClient(grpcclient.Config{
		ServerAddr:   s.GRPCAddr,
		AgentID:      id,
		AgentKey:     AgentKey,
		PingInterval: 100 * time.Millisecond,
	}, handle)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	waitConnected(t, s, id)
	return c
}

func dialWebSocket(t *testing.T, s *Stack, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.HTTPURL, "http") + "/ws/" + id
	header := http.Header{}
	header.Set(ws.AgentKeyHeader, AgentKey)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	waitConnected(t, s, id)
	return conn
}

func TestPullAgent(t *testing.T, s *Stack) {
	t.Run("unknown agent key is rejected", func(t *testing.T) {
		rr := doJSON(s.Router, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: "pull-1"}, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	rr := doJSON(s.Router, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: "pull-1"}, agentHeaders)
	require.Equal(t, http.StatusOK, rr.Code)

	sendCommand(t, s, "pull-1", "whoami")

	code, _ := resultStatus(t, s, "pull-1", "whoami")
	assert.Equal(t, http.StatusAccepted, code)

	rr = doJSON(s.Router, "POST", "/api/v1/agents/poll", dto.AgentRequest{AgentID: "pull-1"}, agentHeaders)
	require.Equal(t, http.StatusOK, rr.Code)
	var poll dto.PollResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &poll))
	require.Len(t, poll.Items, 1)
	assert.Equal(t, "whoami", poll.Items[0].Text)

	rr = doJSON(s.Router, "POST", "/api/v1/agents/result", dto.AgentResultRequest{
		AgentRequest: dto.AgentRequest{AgentID: "pull-1"},
		Command:      "whoami",
		Success:      true,
		Output:       "root",
	}, agentHeaders)
	require.Equal(t, http.StatusOK, rr.Code)

	code, body := resultStatus(t, s, "pull-1", "whoami")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "root", body["output"])
}

func TestGRPCAgent(t *testing.T, s *Stack) {
	startGRPCAgent(t, s, "grpc-1", func(ctx context.Context, cmd models.Command) (bool, string) {
		if cmd.Text == "false" {
			return false, "exit status 1"
		}
		return true, "ran " + cmd.Text
	})

	resp := sendCommand(t, s, "grpc-1", "hostname")
	assert.Equal(t, []string{"grpc-1"}, resp.Report.Delivered)
	sendCommand(t, s, "grpc-1", "false")

	require.Eventually(t, func() bool {
		code, body := resultStatus(t, s, "grpc-1", "hostname")
		return code == http.StatusOK && body["output"] == "ran hostname"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		_, body := resultStatus(t, s, "grpc-1", "false")
		return body["status"] == "failed"
	}, waitFor, tick)

	// The relay's heartbeat probe must not knock a healthy agent offline.
	time.Sleep(500 * time.Millisecond)
	agent, err := s.Relay.GetAgent(operator, "grpc-1")
	require.NoError(t, err)
	assert.True(t, agent.Connected)
	assert.Equal(t, "grpc", agent.Transport)
}

func TestWebSocketAgent(t *testing.T, s *Stack) {
	conn := dialWebSocket(t, s, "ws-1")

	sendCommand(t, s, "ws-1", "uptime")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.TypeCommand, msg.Type)
	assert.Equal(t, "uptime", msg.Command)
	assert.Equal(t, "api-key", msg.From)

	require.NoError(t, conn.WriteJSON(ws.Message{
		Type:   ws.TypeCommandResult,
		Result: &ws.ResultPayload{ID: msg.ID, Command: msg.Command, Success: true, Output: "up 3 days"},
	}))

	require.Eventually(t, func() bool {
		_, body := resultStatus(t, s, "ws-1", "uptime")
		return body["output"] == "up 3 days"
	}, waitFor, tick)

	agent, err := s.Relay.GetAgent(operator, "ws-1")
	require.NoError(t, err)
	require.NotNil(t, agent.LastResult)
	assert.Equal(t, "up 3 days", agent.LastResult.Output)
}

// TestMixedBroadcast sends one broadcast to agents on all three transports.
func TestMixedBroadcast(t *testing.T, s *Stack) {
	var mu sync.Mutex
	var grpcSeen []string
	startGRPCAgent(t, s, "grpc-b", func(ctx context.Context, cmd models.Command) (bool, string) {
		mu.Lock()
		grpcSeen = append(grpcSeen, cmd.Text)
		mu.Unlock()
		return true, "ok"
	})
	conn := dialWebSocket(t, s, "ws-b")
	rr := doJSON(s.Router, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: "pull-b"}, agentHeaders)
	require.Equal(t, http.StatusOK, rr.Code)

	resp := sendCommand(t, s, "all", "date")
	assert.True(t, resp.Report.Broadcast)
	assert.Contains(t, resp.Report.Delivered, "grpc-b")
	assert.Contains(t, resp.Report.Delivered, "ws-b")
	assert.Contains(t, resp.Report.Queued, "pull-b")
	assert.NotContains(t, resp.Report.Failed, "grpc-b")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(grpcSeen) == 1 && grpcSeen[0] == "date"
	}, waitFor, tick)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "date", msg.Command)

	rr = doJSON(s.Router, "POST", "/api/v1/agents/poll", dto.AgentRequest{AgentID: "pull-b"}, agentHeaders)
	require.Equal(t, http.StatusOK, rr.Code)
	var poll dto.PollResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &poll))
	require.Len(t, poll.Items, 1)
	assert.Equal(t, "date", poll.Items[0].Text)
}

func TestLifecycleEvents(t *testing.T, s *Stack) {
	types := s.Events.Types()
	for _, want := range []string{
		events.AgentRegistered,
		events.AgentConnected,
		events.CommandDispatched,
		events.CommandResult,
	} {
		assert.Contains(t, types, want)
	}
}
