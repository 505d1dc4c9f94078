// Package executor is the HTTP boundary to the external agent
// executor. This service only builds an execution context, hands off a
// run, and reads back an opaque status; sandbox configuration is the
// executor's concern.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/courier/pkg/models"
)

// Client talks to the executor's control API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an executor client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// DispatchRequest is the handoff payload for one run.
type DispatchRequest struct {
	RunID          string `json:"run_id"`
	AgentVersionID string `json:"agent_version_id"`
	SessionID      string `json:"session_id,omitempty"`
	Prompt         string `json:"prompt"`

	// Credential is the unguessable per-invocation credential the
	// sandboxed agent uses to call back into the platform.
	Credential string `json:"credential"`

	// Callbacks are the completion notifications the executor must
	// deliver when the run reaches a terminal state.
	Callbacks []CallbackHandoff `json:"callbacks,omitempty"`
}

// CallbackHandoff gives the executor everything a completion callback
// needs: where to POST, the secret to sign the request with, and the
// correlation payload to echo back verbatim.
type CallbackHandoff struct {
	URL     string                 `json:"url"`
	Secret  string                 `json:"secret"`
	Payload models.CallbackPayload `json:"payload"`
}

// DispatchResponse carries only the acknowledged status.
type DispatchResponse struct {
	Status string `json:"status"`
}

// BuildContext asks the executor to prepare an execution context for an
// agent version. The returned status is opaque to this service.
func (c *Client) BuildContext(ctx context.Context, agentVersionID string) (string, error) {
	var resp DispatchResponse
	if err := c.post(ctx, "/v1/contexts", map[string]string{"agent_version_id": agentVersionID}, &resp); err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	return resp.Status, nil
}

// ResolveVersion returns the current configuration version for an
// agent. Agent configuration storage lives behind the executor's API;
// this service only carries the returned id.
func (c *Client) ResolveVersion(ctx context.Context, agentID string) (string, error) {
	var resp struct {
		VersionID string `json:"version_id"`
	}
	if err := c.get(ctx, "/v1/agents/"+agentID+"/version", &resp); err != nil {
		return "", fmt.Errorf("resolve agent version: %w", err)
	}
	return resp.VersionID, nil
}

// DispatchRun hands a run off to the executor.
func (c *Client) DispatchRun(ctx context.Context, req *DispatchRequest) (string, error) {
	var resp DispatchResponse
	if err := c.post(ctx, "/v1/runs", req, &resp); err != nil {
		return "", fmt.Errorf("dispatch run: %w", err)
	}
	return resp.Status, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if err != nil {
			msg = []byte("(failed to read response body)")
		}
		return fmt.Errorf("executor error %d: %s", resp.StatusCode, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
