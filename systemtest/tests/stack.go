package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-relay/internal/api/http/dto"
	"github.com/EternisAI/silo-relay/internal/events"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	APIKey   = "system-api-key"
	AgentKey = "system-agent-key"
)

// Stack is a relay with every transport listening.
type Stack struct {
	Router   *gin.Engine
	HTTPURL  string
	GRPCAddr string
	Relay    *relay.Service
	Events   *events.Recorder
}

var (
	operatorHeaders = map[string]string{"X-API-Key": APIKey}
	agentHeaders    = map[string]string{"X-Agent-Key": AgentKey}
)

func doJSON(router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func sendCommand(t *testing.T, s *Stack, target, command string) dto.SendCommandResponse {
	t.Helper()
	rr := doJSON(s.Router, "POST", "/api/v1/commands", dto.SendCommandRequest{Target: target, Command: command}, operatorHeaders)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp dto.SendCommandResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

// resultStatus returns the HTTP code and decoded status of a result query.
func resultStatus(t *testing.T, s *Stack, target, command string) (int, map[string]any) {
	t.Helper()
	rr := doJSON(s.Router, "POST", "/api/v1/commands/result", dto.CommandResultRequest{Target: target, Command: command}, operatorHeaders)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr.Code, resp
}

func TestHealthCheck(t *testing.T, s *Stack) {
	rr := doJSON(s.Router, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "systemtest", resp.Version)
}
