package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"applabd/pkg/types"
)

// client is a thin HTTP client for the applabd API.
type client struct {
	base string
	hc   *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: timeout},
	}
}

// apiError decodes the daemon's JSON error payload when present.
func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er types.ErrorResponse
	if err := json.Unmarshal(b, &er); err == nil && er.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", er.Error, resp.StatusCode)
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) postJSON(ctx context.Context, path string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) Models(ctx context.Context) ([]types.ModelInfo, error) {
	var out struct {
		Models []types.ModelInfo `json:"models"`
	}
	err := c.getJSON(ctx, "/models", &out)
	return out.Models, err
}

func (c *client) Applications(ctx context.Context) ([]types.ApplicationStatus, error) {
	var out struct {
		Applications []types.ApplicationStatus `json:"applications"`
	}
	err := c.getJSON(ctx, "/applications", &out)
	return out.Applications, err
}

func (c *client) Playgrounds(ctx context.Context) ([]types.PlaygroundStatus, error) {
	var out struct {
		Playgrounds []types.PlaygroundStatus `json:"playgrounds"`
	}
	err := c.getJSON(ctx, "/playgrounds", &out)
	return out.Playgrounds, err
}

func (c *client) Tasks(ctx context.Context) ([]types.TaskStatus, error) {
	var out struct {
		Tasks []types.TaskStatus `json:"tasks"`
	}
	err := c.getJSON(ctx, "/tasks", &out)
	return out.Tasks, err
}

func (c *client) Queries(ctx context.Context) ([]types.QueryStatus, error) {
	var out struct {
		Queries []types.QueryStatus `json:"queries"`
	}
	err := c.getJSON(ctx, "/queries", &out)
	return out.Queries, err
}

func (c *client) PullApplication(ctx context.Context, req types.ApplicationRequest) error {
	return c.postJSON(ctx, "/applications/pull", req, nil)
}

func (c *client) ApplicationOp(ctx context.Context, op, recipeID, modelID string) error {
	req := types.ApplicationOpRequest{RecipeID: recipeID, ModelID: modelID}
	return c.postJSON(ctx, "/applications/"+op, req, nil)
}

func (c *client) StartPlayground(ctx context.Context, modelID string) error {
	return c.postJSON(ctx, "/playgrounds/start", types.PlaygroundStartRequest{ModelID: modelID}, nil)
}

func (c *client) StopPlayground(ctx context.Context, modelID string) error {
	return c.postJSON(ctx, "/playgrounds/stop", types.PlaygroundStopRequest{ModelID: modelID}, nil)
}

func (c *client) Query(ctx context.Context, modelID, prompt string) (types.QueryStatus, error) {
	var out types.QueryStatus
	err := c.postJSON(ctx, "/playgrounds/query", types.QueryRequest{ModelID: modelID, Prompt: prompt}, &out)
	return out, err
}

// WatchEvents follows the SSE notification stream, invoking fn per event
// until the stream closes or ctx is cancelled.
func (c *client) WatchEvents(ctx context.Context, fn func(string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events", nil)
	if err != nil {
		return err
	}
	// The stream is long-lived; bypass the per-request timeout.
	hc := &http.Client{Transport: c.hc.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			fn(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
