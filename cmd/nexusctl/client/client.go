// Package client is a thin HTTP client for nexusd's per-nexus REST API,
// used by nexusctl's cobra commands. Unlike the teacher's pkg/apiclient
// it carries no JWT/credential-store machinery: the nexus REST surface
// has no login step to drive.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client issues requests against a single nexusd node's control-plane API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://localhost:8420").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// problem mirrors pkg/controlplane/api/handlers.Problem, decoded from an
// error response body for a readable CLI error message.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// do issues method against path (already including any query string),
// encoding body as the JSON request payload if non-nil, and decodes a 2xx
// response into out (if out is non-nil). A non-2xx response is turned into
// an error built from the RFC 7807 problem body.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var p problem
		if json.Unmarshal(respBody, &p) == nil && p.Detail != "" {
			return fmt.Errorf("%s: %s", p.Title, p.Detail)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func withURI(path, uri string) string {
	if uri == "" {
		return path
	}
	return path + "?uri=" + url.QueryEscape(uri)
}

// NexusView mirrors nexus.NexusView's JSON shape without importing pkg/nexus,
// keeping this client buildable independently of the agent's internals.
// nexus.NexusView carries no json struct tags, so these field names must
// match it verbatim rather than the snake_case the request bodies below use.
type NexusView struct {
	Name          string
	UUID          string
	SizeBytes     uint64
	BlockLen      uint32
	NumBlocks     uint64
	DataOffset    uint64
	State         string
	Status        string
	Children      []ChildView
	ShareProtocol int
	ShareURI      string
	AllowedHosts  []string
	AnaState      int
}

// ChildView mirrors nexus.ChildView's JSON shape (also untagged).
type ChildView struct {
	URI             string
	State           string
	Reason          string
	Healthy         bool
	RebuildJob      string
	RebuildProgress *float64
}

// CreateParams is the POST /api/v1/nexuses body.
type CreateParams struct {
	Name              string   `json:"name"`
	UUID              string   `json:"uuid"`
	SizeBytes         uint64   `json:"size_bytes"`
	ChildURIs         []string `json:"child_uris"`
	ReservationKey    uint64   `json:"reservation_key"`
	PreemptKey        uint64   `json:"preempt_key"`
	ControllerIDStart uint16   `json:"controller_id_start"`
	ControllerIDEnd   uint16   `json:"controller_id_end"`
	DataOffsetBlocks  uint64   `json:"data_offset_blocks"`
}

// Create issues POST /api/v1/nexuses.
func (c *Client) Create(ctx context.Context, p CreateParams) (*NexusView, error) {
	var view NexusView
	if err := c.do(ctx, http.MethodPost, "/api/v1/nexuses", p, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// List issues GET /api/v1/nexuses.
func (c *Client) List(ctx context.Context) ([]NexusView, error) {
	var views []NexusView
	if err := c.do(ctx, http.MethodGet, "/api/v1/nexuses", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// Get issues GET /api/v1/nexuses/{name}.
func (c *Client) Get(ctx context.Context, name string) (*NexusView, error) {
	var view NexusView
	if err := c.do(ctx, http.MethodGet, "/api/v1/nexuses/"+name, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Destroy issues DELETE /api/v1/nexuses/{name}.
func (c *Client) Destroy(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/nexuses/"+name, nil, nil)
}

// Shutdown issues POST /api/v1/nexuses/{name}/shutdown.
func (c *Client) Shutdown(ctx context.Context, name string) (*NexusView, error) {
	var view NexusView
	if err := c.do(ctx, http.MethodPost, "/api/v1/nexuses/"+name+"/shutdown", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// AddChild issues POST /api/v1/nexuses/{name}/children.
func (c *Client) AddChild(ctx context.Context, name, uri string, noRebuild bool) (*NexusView, error) {
	var view NexusView
	body := map[string]any{"uri": uri, "no_rebuild": noRebuild}
	if err := c.do(ctx, http.MethodPost, "/api/v1/nexuses/"+name+"/children", body, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// RemoveChild issues DELETE /api/v1/nexuses/{name}/children?uri=.
func (c *Client) RemoveChild(ctx context.Context, name, uri string) (*NexusView, error) {
	var view NexusView
	path := withURI("/api/v1/nexuses/"+name+"/children", uri)
	if err := c.do(ctx, http.MethodDelete, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// childAction issues a POST to one of the children/{offline,online,fault}
// actions, all sharing the same request/response shape.
func (c *Client) childAction(ctx context.Context, name, action, uri string) (*NexusView, error) {
	var view NexusView
	path := withURI("/api/v1/nexuses/"+name+"/children/"+action, uri)
	if err := c.do(ctx, http.MethodPost, path, nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// OfflineChild issues POST /api/v1/nexuses/{name}/children/offline?uri=.
func (c *Client) OfflineChild(ctx context.Context, name, uri string) (*NexusView, error) {
	return c.childAction(ctx, name, "offline", uri)
}

// OnlineChild issues POST /api/v1/nexuses/{name}/children/online?uri=.
func (c *Client) OnlineChild(ctx context.Context, name, uri string) (*NexusView, error) {
	return c.childAction(ctx, name, "online", uri)
}

// FaultChild issues POST /api/v1/nexuses/{name}/children/fault?uri=.
func (c *Client) FaultChild(ctx context.Context, name, uri string) (*NexusView, error) {
	return c.childAction(ctx, name, "fault", uri)
}

// Publish issues POST /api/v1/nexuses/{name}/publish.
func (c *Client) Publish(ctx context.Context, name string, key []byte, allowedHosts []string) (string, error) {
	var resp map[string]string
	body := map[string]any{"key": key, "allowed_hosts": allowedHosts}
	if err := c.do(ctx, http.MethodPost, "/api/v1/nexuses/"+name+"/publish", body, &resp); err != nil {
		return "", err
	}
	return resp["uri"], nil
}

// Unpublish issues POST /api/v1/nexuses/{name}/unpublish.
func (c *Client) Unpublish(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/nexuses/"+name+"/unpublish", nil, nil)
}

// GetAnaState issues GET /api/v1/nexuses/{name}/ana.
func (c *Client) GetAnaState(ctx context.Context, name string) (int, error) {
	var resp map[string]int
	if err := c.do(ctx, http.MethodGet, "/api/v1/nexuses/"+name+"/ana", nil, &resp); err != nil {
		return 0, err
	}
	return resp["ana_state"], nil
}

// SetAnaState issues PUT /api/v1/nexuses/{name}/ana.
func (c *Client) SetAnaState(ctx context.Context, name string, anaState int) (*NexusView, error) {
	var view NexusView
	body := map[string]int{"ana_state": anaState}
	if err := c.do(ctx, http.MethodPut, "/api/v1/nexuses/"+name+"/ana", body, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// rebuildAction issues a POST to one of rebuilds/{start,stop,pause,resume}.
func (c *Client) rebuildAction(ctx context.Context, name, action, uri string) error {
	path := withURI("/api/v1/nexuses/"+name+"/rebuilds/"+action, uri)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// StartRebuild issues POST /api/v1/nexuses/{name}/rebuilds/start?uri=.
func (c *Client) StartRebuild(ctx context.Context, name, uri string) error {
	return c.rebuildAction(ctx, name, "start", uri)
}

// StopRebuild issues POST /api/v1/nexuses/{name}/rebuilds/stop?uri=.
func (c *Client) StopRebuild(ctx context.Context, name, uri string) error {
	return c.rebuildAction(ctx, name, "stop", uri)
}

// PauseRebuild issues POST /api/v1/nexuses/{name}/rebuilds/pause?uri=.
func (c *Client) PauseRebuild(ctx context.Context, name, uri string) error {
	return c.rebuildAction(ctx, name, "pause", uri)
}

// ResumeRebuild issues POST /api/v1/nexuses/{name}/rebuilds/resume?uri=.
func (c *Client) ResumeRebuild(ctx context.Context, name, uri string) error {
	return c.rebuildAction(ctx, name, "resume", uri)
}

// RebuildStatus is the GET /api/v1/nexuses/{name}/rebuilds?uri= response.
type RebuildStatus struct {
	State           string  `json:"state"`
	BlocksTotal     uint64  `json:"blocks_total"`
	BlocksRecovered uint64  `json:"blocks_recovered"`
	Progress        float64 `json:"progress"`
}

// RebuildStatusOf issues GET /api/v1/nexuses/{name}/rebuilds?uri=.
func (c *Client) RebuildStatusOf(ctx context.Context, name, uri string) (*RebuildStatus, error) {
	var status RebuildStatus
	path := withURI("/api/v1/nexuses/"+name+"/rebuilds", uri)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SnapshotDescriptor mirrors nexus.SnapshotDescriptor's JSON shape (also
// untagged on the server side).
type SnapshotDescriptor struct {
	ChildURI     string
	SnapshotUUID string
}

// CreateSnapshot issues POST /api/v1/nexuses/{name}/snapshot.
func (c *Client) CreateSnapshot(ctx context.Context, name, snapName string, descriptors []SnapshotDescriptor) error {
	body := map[string]any{"name": snapName, "descriptors": descriptors}
	return c.do(ctx, http.MethodPost, "/api/v1/nexuses/"+name+"/snapshot", body, nil)
}
