package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/EternisAI/silo-relay/internal/api/http/dto"
	"github.com/EternisAI/silo-relay/internal/relay"
	"github.com/EternisAI/silo-relay/internal/results"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-success response from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// Client talks to the relay's operator API.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
}

func NewClient(baseURL, apiKey, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp dto.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", dto.LoginRequest{Username: username, Password: password}, &resp)
	return resp.Token, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil)
}

func (c *Client) ListAgents(ctx context.Context) (dto.AgentsResponse, error) {
	var resp dto.AgentsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/agents", nil, &resp)
	return resp, err
}

func (c *Client) GetAgent(ctx context.Context, id string) (relay.AgentStatus, error) {
	var resp relay.AgentStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/agents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Disconnect(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/agents/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Send(ctx context.Context, target, command string) (dto.SendCommandResponse, error) {
	var resp dto.SendCommandResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/commands", dto.SendCommandRequest{Target: target, Command: command}, &resp)
	return resp, err
}

func (c *Client) Result(ctx context.Context, target, command string) (results.Query, error) {
	var resp results.Query
	err := c.do(ctx, http.MethodPost, "/api/v1/commands/result", dto.CommandResultRequest{Target: target, Command: command}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
