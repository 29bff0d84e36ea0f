package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/EternisAI/silo-relay/internal/api/http/dto"
	"github.com/EternisAI/silo-relay/internal/auth"
	"github.com/EternisAI/silo-relay/internal/cert"
	"github.com/EternisAI/silo-relay/internal/enroll"
	"github.com/EternisAI/silo-relay/internal/models"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/EternisAI/silo-relay/internal/results"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var operatorKey = map[string]string{"X-API-Key": "s3cret"}

func setupRouter(t *testing.T, agentKey string) (*gin.Engine, *relay.Service) {
	t.Helper()
	gate, err := auth.NewGate(auth.Config{
		SharedSecret:  "s3cret",
		AdminUsername: "admin",
		AdminPassword: "password123",
		AgentKey:      agentKey,
	})
	require.NoError(t, err)

	svc := relay.New(relay.Config{}, gate)
	r := gin.New()
	SetupRoute(r, &Services{Relay: svc, Enroll: enroll.NewStore(0), Version: "test"})
	return r, svc
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.5:41234"
	for k, v := range header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := doJSON(t, r, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestPullRoundTrip(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := doJSON(t, r, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: "bot1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	reg := decode[dto.RegisterAgentResponse](t, w)
	assert.Equal(t, "10.0.0.5", reg.RemoteAddr)

	w = doJSON(t, r, "POST", "/api/v1/commands", dto.SendCommandRequest{Target: "bot1", Command: "whoami"}, operatorKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sent := decode[dto.SendCommandResponse](t, w)
	assert.Equal(t, []string{"bot1"}, sent.Report.Queued)

	w = doJSON(t, r, "POST", "/api/v1/commands/result", dto.CommandResultRequest{Target: "bot1", Command: "whoami"}, operatorKey)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, models.StatusPending, decode[results.Query](t, w).Status)

	// Older agents identify themselves with "name".
	w = doJSON(t, r, "POST", "/api/v1/agents/poll", map[string]string{"name": "bot1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	poll := decode[dto.PollResponse](t, w)
	require.Len(t, poll.Items, 1)
	assert.Equal(t, "whoami", poll.Items[0].Text)
	assert.Equal(t, "api-key", poll.Items[0].Sender)
	require.Len(t, poll.Commands, 1)
	assert.True(t, strings.HasSuffix(poll.Commands[0], " - whoami"))

	w = doJSON(t, r, "POST", "/api/v1/agents/poll", dto.AgentRequest{AgentID: "bot1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[dto.PollResponse](t, w).Commands, "each command is delivered once")

	w = doJSON(t, r, "POST", "/api/v1/agents/result", dto.AgentResultRequest{
		AgentRequest: dto.AgentRequest{AgentID: "bot1"},
		Command:      "whoami",
		Success:      true,
		Output:       "root",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusCompleted, decode[dto.AgentResultResponse](t, w).Status)

	w = doJSON(t, r, "POST", "/api/v1/commands/result", dto.CommandResultRequest{Target: "bot1", Command: "whoami"}, operatorKey)
	require.Equal(t, http.StatusOK, w.Code)
	q := decode[results.Query](t, w)
	assert.Equal(t, models.StatusCompleted, q.Status)
	assert.Equal(t, "root", q.Output)
}

func TestFailedResult(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := doJSON(t, r, "POST", "/api/v1/agents/result", map[string]any{
		"name": "bot1", "command": "ls /nope", "success": false, "output": "No such file",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/commands/result", dto.CommandResultRequest{Target: "bot1", Command: "ls /nope"}, operatorKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusFailed, decode[results.Query](t, w).Status)
}

func TestOperatorAuthRequired(t *testing.T) {
	r, svc := setupRouter(t, "")

	w := doJSON(t, r, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: "bot1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/commands", dto.SendCommandRequest{Target: "bot1", Command: "whoami"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/commands", dto.SendCommandRequest{Target: "bot1", Command: "whoami"},
		map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, "GET", "/api/v1/agents", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	status, err := svc.GetAgent(auth.Credentials{Secret: "s3cret"}, "bot1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Pending, "rejected requests leave no trace")
}

func TestSendCommand_Errors(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := doJSON(t, r, "POST", "/api/v1/commands", dto.SendCommandRequest{Target: "ghost", Command: "whoami"}, operatorKey)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/commands", map[string]string{"target": "ghost"}, operatorKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/commands/result", map[string]string{"command": "whoami"}, operatorKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBroadcastDefault(t *testing.T) {
	r, _ := setupRouter(t, "")

	for _, id := range []string{"bot1", "bot2"} {
		w := doJSON(t, r, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: id}, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, r, "POST", "/api/v1/commands", dto.SendCommandRequest{Command: "uptime"}, operatorKey)
	require.Equal(t, http.StatusOK, w.Code)
	sent := decode[dto.SendCommandResponse](t, w)
	assert.True(t, sent.Report.Broadcast)
	assert.ElementsMatch(t, []string{"bot1", "bot2"}, sent.Report.Queued)
	assert.Contains(t, sent.Message, "all agents")
}

func TestAgentsListGetDelete(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := doJSON(t, r, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: "bot1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "GET", "/api/v1/agents", nil, operatorKey)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.AgentsResponse](t, w)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "bot1", list.Agents[0].ID)

	w = doJSON(t, r, "GET", "/api/v1/agents/bot1", nil, operatorKey)
	require.Equal(t, http.StatusOK, w.Code)
	agent := decode[relay.AgentStatus](t, w)
	assert.True(t, agent.Online)
	assert.Equal(t, "10.0.0.5", agent.RemoteAddr)

	w = doJSON(t, r, "DELETE", "/api/v1/agents/bot1", nil, operatorKey)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "GET", "/api/v1/agents/bot1", nil, operatorKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = doJSON(t, r, "DELETE", "/api/v1/agents/bot1", nil, operatorKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionLoginLogout(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := doJSON(t, r, "POST", "/api/v1/auth/login", dto.LoginRequest{Username: "admin", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/auth/login", dto.LoginRequest{Username: "admin", Password: "password123"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	token := decode[dto.LoginResponse](t, w).Token
	require.NotEmpty(t, token)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	w = doJSON(t, r, "GET", "/api/v1/agents", nil, bearer)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/auth/logout", nil, operatorKey)
	assert.Equal(t, http.StatusBadRequest, w.Code, "logout needs a session token")

	w = doJSON(t, r, "POST", "/api/v1/auth/logout", nil, bearer)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "GET", "/api/v1/agents", nil, bearer)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOperatorBasicAuth(t *testing.T) {
	r, _ := setupRouter(t, "")
	basic := func(user, pass string) map[string]string {
		return map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))}
	}

	w := doJSON(t, r, "GET", "/api/v1/agents", nil, basic("admin", "password123"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/commands", dto.SendCommandRequest{Command: "whoami"}, basic("admin", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAgentKeyRequired(t *testing.T) {
	r, _ := setupRouter(t, "agent-key")

	w := doJSON(t, r, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: "bot1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/agents/poll", dto.AgentRequest{AgentID: "bot1"}, map[string]string{"X-Agent-Key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/agents/register", dto.AgentRequest{AgentID: "bot1"}, map[string]string{"X-Agent-Key": "agent-key"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegister_MissingID(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := doJSON(t, r, "POST", "/api/v1/agents/register", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/agents/result", map[string]any{"command": "whoami"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEnrollment(t *testing.T) {
	dir := t.TempDir()
	paths := cert.Paths{
		CACert:     filepath.Join(dir, "ca.crt"),
		CAKey:      filepath.Join(dir, "ca.key"),
		ServerCert: filepath.Join(dir, "server.crt"),
		ServerKey:  filepath.Join(dir, "server.key"),
	}
	require.NoError(t, cert.Ensure(paths, nil))
	ca, err := cert.LoadAuthority(paths.CACert, paths.CAKey)
	require.NoError(t, err)

	gate, err := auth.NewGate(auth.Config{SharedSecret: "s3cret"})
	require.NoError(t, err)
	r := gin.New()
	SetupRoute(r, &Services{Relay: relay.New(relay.Config{}, gate), Enroll: enroll.NewStore(0), Authority: ca})

	w := doJSON(t, r, "POST", "/api/v1/enrollment-keys", dto.CreateEnrollmentKeyRequest{AgentID: "bot1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/enrollment-keys", dto.CreateEnrollmentKeyRequest{AgentID: "../bad"}, operatorKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, "POST", "/api/v1/enrollment-keys", dto.CreateEnrollmentKeyRequest{AgentID: "bot1"}, operatorKey)
	require.Equal(t, http.StatusCreated, w.Code)
	key := decode[dto.CreateEnrollmentKeyResponse](t, w).Key

	w = doJSON(t, r, "GET", "/api/v1/enrollment-keys", nil, operatorKey)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode[dto.ListEnrollmentKeysResponse](t, w)
	require.Equal(t, 1, listed.Count)
	assert.Empty(t, listed.Keys[0].Secret)

	w = doJSON(t, r, "POST", "/api/v1/agents/enroll", dto.EnrollRequest{Key: key}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	enrolled := decode[dto.EnrollResponse](t, w)
	assert.Equal(t, "bot1", enrolled.AgentID)
	assert.Contains(t, enrolled.CertPEM, "BEGIN CERTIFICATE")
	assert.Contains(t, enrolled.KeyPEM, "BEGIN PRIVATE KEY")
	assert.Equal(t, string(ca.CACertPEM()), enrolled.CACertPEM)

	w = doJSON(t, r, "POST", "/api/v1/agents/enroll", dto.EnrollRequest{Key: key}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "keys are single use")

	w = doJSON(t, r, "DELETE", "/api/v1/enrollment-keys/bot1", nil, operatorKey)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, "DELETE", "/api/v1/enrollment-keys/bot1", nil, operatorKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEnrollment_WithoutTLS(t *testing.T) {
	r, _ := setupRouter(t, "")

	w := doJSON(t, r, "POST", "/api/v1/agents/enroll", dto.EnrollRequest{Key: "ek_x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
