package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/midrender/midrender/pkg/types"
)

// Timeout budgets for inter-peer HTTP. No call ever waits on a peer
// longer than the read budget; unreachable nodes must not stall the
// discovery or dispatch cadence.
const (
	connectTimeout = 500 * time.Millisecond
	statusTimeout  = 3 * time.Second
	assignTimeout  = 1 * time.Second
	controlTimeout = 2 * time.Second
)

// JobDetail is the body of GET /api/jobs/:id.
type JobDetail struct {
	Job    *types.Job     `json:"job"`
	Chunks []*types.Chunk `json:"chunks"`
}

type errorBody struct {
	Error          string `json:"error"`
	LeaderEndpoint string `json:"leader_endpoint,omitempty"`
}

// Client speaks the mesh protocol to other nodes. It is stateless and
// safe for concurrent use; callers pass the target endpoint (ip:port)
// per call because the leader can move between calls.
type Client struct {
	status  *http.Client
	assign  *http.Client
	control *http.Client
}

func New() *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	build := func(readBudget time.Duration) *http.Client {
		return &http.Client{
			Timeout: readBudget,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.DialContext(ctx, network, addr)
				},
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		}
	}
	return &Client{
		status:  build(statusTimeout),
		assign:  build(assignTimeout),
		control: build(controlTimeout),
	}
}

// Status fetches a peer's self-description. Implements the discovery
// plane's poll.
func (c *Client) Status(endpoint string) (*types.PeerInfo, error) {
	var info types.PeerInfo
	if err := c.do(c.status, http.MethodGet, endpoint, "/api/status", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Peers fetches the peer list as seen by the target node.
func (c *Client) Peers(endpoint string) ([]*types.PeerInfo, error) {
	var peers []*types.PeerInfo
	if err := c.do(c.status, http.MethodGet, endpoint, "/api/peers", nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Assign offers a chunk to a worker. A 409 maps to ErrBusy or
// ErrStopped; the dispatcher reverts the chunk on any error.
func (c *Client) Assign(endpoint string, req *types.AssignRequest) error {
	return c.do(c.assign, http.MethodPost, endpoint, "/api/dispatch/assign", req, nil)
}

// SubmitJob sends a manifest to the leader.
func (c *Client) SubmitJob(endpoint string, req *types.SubmitRequest) error {
	return c.do(c.control, http.MethodPost, endpoint, "/api/jobs", req, nil)
}

// ListJobs fetches the leader's job summaries.
func (c *Client) ListJobs(endpoint string) ([]*types.JobSummary, error) {
	var jobs []*types.JobSummary
	if err := c.do(c.control, http.MethodGet, endpoint, "/api/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob fetches one job with its chunks.
func (c *Client) GetJob(endpoint, jobID string) (*JobDetail, error) {
	var detail JobDetail
	if err := c.do(c.control, http.MethodGet, endpoint, "/api/jobs/"+jobID, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// JobControl posts a job lifecycle action: pause, resume, cancel,
// archive, retry-failed or resubmit.
func (c *Client) JobControl(endpoint, jobID, action string) error {
	return c.do(c.control, http.MethodPost, endpoint, fmt.Sprintf("/api/jobs/%s/%s", jobID, action), nil, nil)
}

// DeleteJob removes a job and its chunks.
func (c *Client) DeleteJob(endpoint, jobID string) error {
	return c.do(c.control, http.MethodDelete, endpoint, "/api/jobs/"+jobID, nil, nil)
}

// ReportComplete sends a successful chunk report to the leader.
func (c *Client) ReportComplete(endpoint string, report *types.ChunkReport) error {
	return c.do(c.control, http.MethodPost, endpoint, "/api/dispatch/complete", report, nil)
}

// ReportFailed sends a failed chunk report to the leader.
func (c *Client) ReportFailed(endpoint string, report *types.ChunkReport) error {
	return c.do(c.control, http.MethodPost, endpoint, "/api/dispatch/failed", report, nil)
}

// ReportFrames sends a batch of per-frame completions to the leader.
func (c *Client) ReportFrames(endpoint string, report *types.FrameReport) error {
	return c.do(c.control, http.MethodPost, endpoint, "/api/dispatch/frame-complete", report, nil)
}

// NodeStop asks a node to stop accepting work.
func (c *Client) NodeStop(endpoint string) error {
	return c.do(c.control, http.MethodPost, endpoint, "/api/node/stop", nil, nil)
}

// NodeStart asks a node to resume accepting work.
func (c *Client) NodeStart(endpoint string) error {
	return c.do(c.control, http.MethodPost, endpoint, "/api/node/start", nil, nil)
}

// UnsuspendNode clears a node's failure record on the leader.
func (c *Client) UnsuspendNode(endpoint, nodeID string) error {
	return c.do(c.control, http.MethodPost, endpoint, "/api/nodes/"+nodeID+"/unsuspend", nil, nil)
}

func (c *Client) do(hc *http.Client, method, endpoint, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, "http://"+endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s%s: %v: %w", method, endpoint, path, err, types.ErrUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return mapErrorResponse(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s%s: %w", endpoint, path, err)
		}
	}
	return nil
}

// mapErrorResponse converts a mesh error body into the typed sentinel
// the caller dispatches on.
func mapErrorResponse(resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb)

	switch eb.Error {
	case "not_leader":
		if eb.LeaderEndpoint != "" {
			return fmt.Errorf("leader is at %s: %w", eb.LeaderEndpoint, types.ErrNotLeader)
		}
		return types.ErrNotLeader
	case "busy":
		return types.ErrBusy
	case "stopped":
		return types.ErrStopped
	case "not_found":
		return types.ErrNotFound
	}
	return fmt.Errorf("peer returned status %d: %s", resp.StatusCode, eb.Error)
}
