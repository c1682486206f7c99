// Package transport is the thin HTTP client for the agent backend: agent
// configuration, conversation start, message posting and abort.
package transport

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

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/agentchat/internal/model/agent"
	"github.com/zhouzirui/z-tavern/agentchat/internal/model/chat"
)

const maxErrorBody = 4096

// Conversation is the backend's answer to a session start.
type Conversation struct {
	ID      string         `json:"id"`
	History []chat.Message `json:"history"`
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      flexibleID     `json:"id"`
		History []chat.Message `json:"history"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Conversation{ID: string(raw.ID), History: raw.History}
	return nil
}

// PostResult carries the optional stream id returned for a posted message.
type PostResult struct {
	StreamID string `json:"stream_id,omitempty"`
}

func (p *PostResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		StreamID flexibleID `json:"stream_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.StreamID = string(raw.StreamID)
	return nil
}

// flexibleID decodes ids the backend may send as numbers or strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Detail)
}

// Client talks to the backend REST API. GET requests are retried on
// connection errors and 5xx answers; mutating requests are sent once.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// New builds a client for baseURL (for example http://127.0.0.1:8000/api).
func New(baseURL string, timeout time.Duration, retryMax int) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = retryLogger{}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
	}
}

// ListModels returns the backend's model catalogue.
func (c *Client) ListModels(ctx context.Context) ([]agent.Model, error) {
	var models []agent.Model
	if err := c.do(ctx, http.MethodGet, "/agents/models/", nil, &models); err != nil {
		return nil, errors.Wrap(err, "list models")
	}
	return models, nil
}

// ListAgents returns every stored agent.
func (c *Client) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	var agents []agent.Agent
	if err := c.do(ctx, http.MethodGet, "/agents/list/", nil, &agents); err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	return agents, nil
}

// GetAgent fetches one agent configuration.
func (c *Client) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	var a agent.Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(id)+"/", nil, &a); err != nil {
		return agent.Agent{}, errors.Wrapf(err, "get agent %s", id)
	}
	return a, nil
}

// UpsertAgent creates the agent, or updates it when it carries an id.
func (c *Client) UpsertAgent(ctx context.Context, cfg agent.Agent) (agent.Agent, error) {
	var a agent.Agent
	if err := c.do(ctx, http.MethodPost, "/agents/", cfg, &a); err != nil {
		return agent.Agent{}, errors.Wrap(err, "save agent")
	}
	return a, nil
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(id)+"/", nil, nil); err != nil {
		return errors.Wrapf(err, "delete agent %s", id)
	}
	return nil
}

// StartSession opens a conversation bound to agentID.
func (c *Client) StartSession(ctx context.Context, agentID string) (Conversation, error) {
	var conv Conversation
	body := map[string]string{"agent_id": agentID}
	if err := c.do(ctx, http.MethodPost, "/conversations/", body, &conv); err != nil {
		return Conversation{}, errors.Wrap(err, "start conversation")
	}
	return conv, nil
}

// PostMessage submits a user message to a conversation.
func (c *Client) PostMessage(ctx context.Context, sessionID, content string) (PostResult, error) {
	var res PostResult
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(sessionID)+"/messages/", body, &res); err != nil {
		return PostResult{}, errors.Wrap(err, "send message")
	}
	return res, nil
}

// AbortSession asks the backend to stop generating for a conversation.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(sessionID)+"/abort/", nil, nil); err != nil {
		return errors.Wrap(err, "abort conversation")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}

	endpoint := c.baseURL + path
	var (
		resp *http.Response
		err  error
	)
	if method == http.MethodGet {
		req, reqErr := retryablehttp.NewRequestWithContext(ctx, method, endpoint, nil)
		if reqErr != nil {
			return errors.Wrap(reqErr, "create request")
		}
		req.Header.Set("Accept", "application/json")
		resp, err = c.http.Do(req)
	} else {
		req, reqErr := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return errors.Wrap(reqErr, "create request")
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err = c.http.HTTPClient.Do(req)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Detail: errorDetail(raw)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

// errorDetail extracts {"detail"} or {"error"} from an error body, falling
// back to the raw text.
func errorDetail(raw []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		for _, key := range []string{"detail", "error"} {
			if v, ok := payload[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
