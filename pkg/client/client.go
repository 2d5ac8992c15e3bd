// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is a thin Go SDK over the workflow engine's HTTP surface,
// for operators (cmd/workflowctl) and agent processes alike.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tombee/workflowengine/pkg/httpclient"
	"github.com/tombee/workflowengine/pkg/workflowtypes"
)

// Client calls a workflow engine daemon's HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures a Client at construction.
type Option func(*Client)

// WithToken sets the bearer token sent with every request. Agent calls need
// a run's token; operator calls typically need none.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the underlying *http.Client. The default is
// built from httpclient.DefaultConfig().
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New builds a Client against baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	hc, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("client: build http client: %w", err)
	}
	c := &Client{baseURL: baseURL, http: hc}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is returned when the daemon responds with a non-2xx status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("workflow engine: %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &APIError{Status: resp.StatusCode, Message: errBody.Error}
	}

	if out == nil || resp.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// ListDefs returns every workflow definition.
func (c *Client) ListDefs(ctx context.Context) ([]*workflowtypes.WorkflowDef, error) {
	var defs []*workflowtypes.WorkflowDef
	err := c.do(ctx, http.MethodGet, "/definitions", nil, &defs)
	return defs, err
}

// CreateDef registers a new workflow definition.
func (c *Client) CreateDef(ctx context.Context, def *workflowtypes.WorkflowDef) (*workflowtypes.WorkflowDef, error) {
	var created workflowtypes.WorkflowDef
	err := c.do(ctx, http.MethodPost, "/definitions", def, &created)
	return &created, err
}

// ListRuns returns run summaries matching filter.
func (c *Client) ListRuns(ctx context.Context, filter workflowtypes.RunFilter) ([]workflowtypes.RunSummary, error) {
	path := "/runs"
	q := make([]string, 0, 2)
	if filter.WorkflowID != "" {
		q = append(q, "workflowId="+filter.WorkflowID)
	}
	if filter.Status != "" {
		q = append(q, "status="+string(filter.Status))
	}
	if len(q) > 0 {
		path += "?" + q[0]
		for _, extra := range q[1:] {
			path += "&" + extra
		}
	}
	var runs []workflowtypes.RunSummary
	err := c.do(ctx, http.MethodGet, path, nil, &runs)
	return runs, err
}

// CreateRun starts a new run of workflowID with the given task.
func (c *Client) CreateRun(ctx context.Context, workflowID, task string) (*workflowtypes.Run, error) {
	var run workflowtypes.Run
	body := map[string]string{"workflowId": workflowID, "task": task}
	err := c.do(ctx, http.MethodPost, "/runs", body, &run)
	return &run, err
}

// GetRun returns the full detail of a single run.
func (c *Client) GetRun(ctx context.Context, id string) (*workflowtypes.Run, error) {
	var run workflowtypes.Run
	err := c.do(ctx, http.MethodGet, "/runs/"+id, nil, &run)
	return &run, err
}

// PauseRun pauses a running run.
func (c *Client) PauseRun(ctx context.Context, id string) (*workflowtypes.Run, error) {
	var run workflowtypes.Run
	err := c.do(ctx, http.MethodPost, "/runs/"+id+"/pause", nil, &run)
	return &run, err
}

// ResumeRun resumes a paused or failed run.
func (c *Client) ResumeRun(ctx context.Context, id string) (*workflowtypes.Run, error) {
	var run workflowtypes.Run
	err := c.do(ctx, http.MethodPost, "/runs/"+id+"/resume", nil, &run)
	return &run, err
}

// CancelRun cancels a run unconditionally.
func (c *Client) CancelRun(ctx context.Context, id string) (*workflowtypes.Run, error) {
	var run workflowtypes.Run
	err := c.do(ctx, http.MethodDelete, "/runs/"+id, nil, &run)
	return &run, err
}

// Claim attempts to claim a pending step for agentID. The client must carry
// a run token (WithToken) to scope the scan to a single run; without one,
// every running run is scanned, matching the daemon's own default.
func (c *Client) Claim(ctx context.Context, agentID string) (*ClaimResult, error) {
	var result ClaimResult
	err := c.do(ctx, http.MethodPost, "/claim/"+agentID, nil, &result)
	return &result, err
}

// ClaimResult mirrors internal/engine.ClaimResult's wire shape.
type ClaimResult struct {
	Found         bool   `json:"found"`
	StepID        string `json:"stepId,omitempty"`
	RunID         string `json:"runId,omitempty"`
	ResolvedInput string `json:"resolvedInput,omitempty"`
}

// Complete reports a step's successful output.
func (c *Client) Complete(ctx context.Context, stepID, output string) (*CompleteResult, error) {
	var result CompleteResult
	body := map[string]string{"output": output}
	err := c.do(ctx, http.MethodPost, "/complete/"+stepID, body, &result)
	return &result, err
}

// CompleteResult mirrors internal/engine.CompleteResult's wire shape.
type CompleteResult struct {
	Advanced     bool `json:"advanced"`
	RunCompleted bool `json:"runCompleted"`
}

// Fail reports a step's failure.
func (c *Client) Fail(ctx context.Context, stepID, errMsg string) (*FailResult, error) {
	var result FailResult
	body := map[string]string{"error": errMsg}
	err := c.do(ctx, http.MethodPost, "/fail/"+stepID, body, &result)
	return &result, err
}

// FailResult mirrors internal/engine.FailResult's wire shape.
type FailResult struct {
	Retrying  bool `json:"retrying"`
	RunFailed bool `json:"runFailed"`
}
