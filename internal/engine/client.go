package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"modusnapd/internal/faults"
)

// Client is the single typed gateway to the engine's HTTP API. Every call
// carries its own timeout; responses are decoded as JSON with a raw-text
// fallback; non-2xx statuses map to UPSTREAM_ERROR faults.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// DefaultBaseURL is used when no engine URL is configured.
const DefaultBaseURL = "http://localhost:8188"

// Per-endpoint default timeouts (normative in the concurrency model).
const (
	probeTimeout      = 2500 * time.Millisecond
	statsTimeout      = 4500 * time.Millisecond
	objectInfoFast    = 4 * time.Second
	objectInfoDeep    = 12 * time.Second
	queueTimeout      = 10 * time.Second
	catalogTimeout    = 30 * time.Second
	rebootTimeout     = 5 * time.Second
)

// New builds a client over the default transport.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTP: http.DefaultClient}
}

// QueueStatus mirrors GET /v2/manager/queue/status. Only IsProcessing and
// PendingCount are treated as normative; the rest ride along.
type QueueStatus struct {
	TotalCount      int  `json:"total_count"`
	DoneCount       int  `json:"done_count"`
	InProgressCount int  `json:"in_progress_count"`
	PendingCount    int  `json:"pending_count"`
	IsProcessing    bool `json:"is_processing"`
}

// HistoryList mirrors GET /v2/manager/queue/history_list.
type HistoryList struct {
	IDs []string `json:"ids"`
}

// JobResult mirrors GET /v2/manager/queue/history?id=…
type JobResult struct {
	NodepackResult map[string]any `json:"nodepack_result"`
	ModelResult    map[string]any `json:"model_result"`
	Failed         []string       `json:"failed"`
	Batch          string         `json:"batch"`
}

func (c *Client) get(ctx context.Context, path string, timeout time.Duration, out any) error {
	return c.do(ctx, http.MethodGet, path, timeout, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return faults.New(faults.Internal, "encode %s body: %v", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return faults.New(faults.Internal, "build request %s: %v", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return faults.New(faults.BackendUnreachable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.New(faults.UpstreamError, "%s %s: upstream status %d", method, path, resp.StatusCode).
			With("upstreamStatus", resp.StatusCode).
			With("body", snippet(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// Raw-text fallback: callers that accept *string get the body as-is.
		if sp, ok := out.(*string); ok {
			*sp = string(raw)
			return nil
		}
		return faults.New(faults.UpstreamError, "%s %s: undecodable response", method, path).
			With("upstreamStatus", resp.StatusCode).
			With("body", snippet(raw))
	}
	return nil
}

func snippet(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}

// SystemStats probes readiness.
func (c *Client) SystemStats(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.get(ctx, "/system_stats", statsTimeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ObjectInfo fetches the node class catalog. deep extends the timeout for
// large catalogs.
func (c *Client) ObjectInfo(ctx context.Context, deep bool) (map[string]json.RawMessage, error) {
	t := objectInfoFast
	if deep {
		t = objectInfoDeep
	}
	out := map[string]json.RawMessage{}
	if err := c.get(ctx, "/object_info", t, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ManagerVersion returns the manager version text.
func (c *Client) ManagerVersion(ctx context.Context) (string, error) {
	var out string
	if err := c.get(ctx, "/v2/manager/version", probeTimeout, &out); err != nil {
		return "", err
	}
	return out, nil
}

// ManagerEndpointReachable probes one manager route with the probe budget.
func (c *Client) ManagerEndpointReachable(ctx context.Context, path string) bool {
	var sink string
	return c.get(ctx, path, probeTimeout, &sink) == nil
}

// QueueStatusGet reads the install queue state.
func (c *Client) QueueStatusGet(ctx context.Context) (QueueStatus, error) {
	var out QueueStatus
	err := c.get(ctx, "/v2/manager/queue/status", queueTimeout, &out)
	return out, err
}

// QueueHistoryList lists finished job ids.
func (c *Client) QueueHistoryList(ctx context.Context) (HistoryList, error) {
	var out HistoryList
	err := c.get(ctx, "/v2/manager/queue/history_list", queueTimeout, &out)
	return out, err
}

// QueueHistory fetches one job result.
func (c *Client) QueueHistory(ctx context.Context, id string) (JobResult, error) {
	var out JobResult
	err := c.get(ctx, "/v2/manager/queue/history?id="+url.QueryEscape(id), queueTimeout, &out)
	return out, err
}

// QueueBatch submits a batch payload {batch_id, <action>: items}.
func (c *Client) QueueBatch(ctx context.Context, payload map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(ctx, http.MethodPost, "/v2/manager/queue/batch", queueTimeout, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// QueueStart wakes the queue processor and returns the HTTP status.
func (c *Client) QueueStart(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queueTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v2/manager/queue/start", nil)
	if err != nil {
		return 0, faults.New(faults.Internal, "build queue start: %v", err)
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, faults.New(faults.BackendUnreachable, "queue start: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	return resp.StatusCode, nil
}

// Reboot asks the manager for an in-process restart. The engine answers
// before going down, so the call must return quickly either way.
func (c *Client) Reboot(ctx context.Context) error {
	var sink string
	err := c.get(ctx, "/v2/manager/reboot", rebootTimeout, &sink)
	if err != nil && faults.Is(err, faults.BackendUnreachable) {
		// Connection reset mid-restart counts as accepted.
		return nil
	}
	return err
}

// CatalogList fetches the custom node catalog.
func (c *Client) CatalogList(ctx context.Context, mode string, skipUpdate bool) (map[string]any, error) {
	q := url.Values{}
	q.Set("mode", mode)
	if skipUpdate {
		q.Set("skip_update", "true")
	}
	out := map[string]any{}
	if err := c.get(ctx, "/v2/customnode/getlist?"+q.Encode(), catalogTimeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CatalogMappings fetches the repo to node-class mapping.
func (c *Client) CatalogMappings(ctx context.Context) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if err := c.get(ctx, "/v2/customnode/getmappings?mode=local", catalogTimeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SnapshotList lists engine-level snapshots.
func (c *Client) SnapshotList(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := c.get(ctx, "/v2/snapshot/getlist", queueTimeout, &out)
	return out, err
}

// SnapshotSave asks the engine to record a snapshot, best effort.
func (c *Client) SnapshotSave(ctx context.Context) error {
	var sink string
	return c.get(ctx, "/v2/snapshot/save", queueTimeout, &sink)
}

// SnapshotRestore restores a named engine snapshot.
func (c *Client) SnapshotRestore(ctx context.Context, target string) error {
	var sink string
	return c.get(ctx, "/v2/snapshot/restore?target="+url.QueryEscape(target), queueTimeout, &sink)
}

// SnapshotRemove removes a named engine snapshot.
func (c *Client) SnapshotRemove(ctx context.Context, target string) error {
	var sink string
	return c.get(ctx, "/v2/snapshot/remove?target="+url.QueryEscape(target), queueTimeout, &sink)
}

// WorkflowTemplates fetches the pack-to-template map.
func (c *Client) WorkflowTemplates(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := c.get(ctx, "/workflow_templates", catalogTimeout, &out)
	return out, err
}

// Settings reads the engine settings, falling back to /api/settings.
func (c *Client) Settings(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	err := c.get(ctx, "/settings", queueTimeout, &out)
	if err != nil && faults.Is(err, faults.UpstreamError) {
		out = map[string]any{}
		err = c.get(ctx, "/api/settings", queueTimeout, &out)
	}
	return out, err
}

// ManagerRoutes are probed in order; the first reachable one wins.
var ManagerRoutes = []string{
	"/v2/manager/version",
	"/v2/manager/queue/status",
	"/v2/customnode/getmappings?mode=local",
	"/v2/snapshot/getlist",
}

// FirstReachableManagerRoute returns the first reachable manager endpoint, or
// "" when none answer.
func (c *Client) FirstReachableManagerRoute(ctx context.Context) string {
	for _, p := range ManagerRoutes {
		if c.ManagerEndpointReachable(ctx, p) {
			return p
		}
	}
	return ""
}
