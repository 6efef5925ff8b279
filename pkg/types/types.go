package types

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is bumped whenever the on-disk farm layout or the
// inter-peer wire protocol changes incompatibly. Nodes on different
// protocol versions rendezvous under different farm directories and
// never see each other.
const ProtocolVersion = 2

// AppVersion is the daemon release version, advertised in peer status.
const AppVersion = "0.2.5"

// Manifest describes a submitted render job. It is immutable once
// submitted; the dispatcher reads scheduling fields from it and the
// render executor consumes the opaque command descriptor.
type Manifest struct {
	JobID          string          `json:"job_id"`
	TemplateID     string          `json:"template_id,omitempty"`
	SubmittedBy    string          `json:"submitted_by"`
	SubmittedAtMS  int64           `json:"submitted_at_ms"`
	FrameStart     int             `json:"frame_start"`
	FrameEnd       int             `json:"frame_end"`
	ChunkSize      int             `json:"chunk_size"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	OutputDir      string          `json:"output_dir,omitempty"`
	TagsRequired   []string        `json:"tags_required,omitempty"`
	Command        json.RawMessage `json:"command,omitempty"`
}

// DefaultMaxRetries applies when a manifest carries no retry budget.
const DefaultMaxRetries = 3

// Validate checks the fields the scheduler depends on. The command
// descriptor is opaque here and validated by the render executor.
func (m *Manifest) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("manifest missing job_id")
	}
	if m.FrameEnd < m.FrameStart {
		return fmt.Errorf("manifest frame range %d-%d is inverted", m.FrameStart, m.FrameEnd)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("manifest chunk_size must be positive, got %d", m.ChunkSize)
	}
	return nil
}

// JobState is the lifecycle state of a job
type JobState string

const (
	JobStateActive    JobState = "active"
	JobStatePaused    JobState = "paused"
	JobStateCancelled JobState = "cancelled"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateArchived  JobState = "archived"
)

// ChunkState is the dispatch state of a chunk
type ChunkState string

const (
	ChunkStatePending   ChunkState = "pending"
	ChunkStateAssigned  ChunkState = "assigned"
	ChunkStateCompleted ChunkState = "completed"
	ChunkStateFailed    ChunkState = "failed"
)

// Job is the persisted job row
type Job struct {
	JobID         string   `json:"job_id"`
	Manifest      Manifest `json:"manifest"`
	State         JobState `json:"current_state"`
	Priority      int      `json:"priority"` // lower = more urgent
	SubmittedAtMS int64    `json:"submitted_at_ms"`
}

// Chunk is the persisted chunk row. Frame range is inclusive and lies
// entirely inside the owning job's frame range.
type Chunk struct {
	ID              uint64     `json:"id"`
	JobID           string     `json:"job_id"`
	FrameStart      int        `json:"frame_start"`
	FrameEnd        int        `json:"frame_end"`
	State           ChunkState `json:"state"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	AssignedAtMS    int64      `json:"assigned_at_ms,omitempty"`
	CompletedAtMS   int64      `json:"completed_at_ms,omitempty"`
	RetryCount      int        `json:"retry_count"`
	CompletedFrames []int      `json:"completed_frames,omitempty"`
	FailedOn        []string   `json:"failed_on,omitempty"`
}

// ChunkCounts aggregates chunk states for a job summary
type ChunkCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Rendering int `json:"rendering"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobSummary is the job row plus per-state chunk counts, used by job
// listings and the worker-side job cache.
type JobSummary struct {
	JobID           string      `json:"job_id"`
	State           JobState    `json:"current_state"`
	Priority        int         `json:"priority"`
	SubmittedAtMS   int64       `json:"submitted_at_ms"`
	FrameStart      int         `json:"frame_start"`
	FrameEnd        int         `json:"frame_end"`
	Chunks          ChunkCounts `json:"chunks"`
	CompletedFrames int         `json:"completed_frames"`
}

// NodeState says whether a node accepts new work
type NodeState string

const (
	NodeStateActive  NodeState = "active"
	NodeStateStopped NodeState = "stopped"
)

// RenderState is what the local executor is doing right now
type RenderState string

const (
	RenderStateIdle      RenderState = "idle"
	RenderStateRendering RenderState = "rendering"
)

// PeerInfo describes one node of the mesh. The serialized form is what
// GET /api/status and GET /api/peers return. IsAlive and IsLeader cross
// the wire so clients can resolve the leader from a peer listing; the
// receiving registry overwrites both with its own view on merge.
type PeerInfo struct {
	NodeID          string      `json:"node_id"`
	Hostname        string      `json:"hostname"`
	IP              string      `json:"ip"`
	HTTPPort        int         `json:"http_port"`
	OS              string      `json:"os"`
	AppVersion      string      `json:"app_version"`
	ProtocolVersion int         `json:"protocol_version"`
	CPUCores        int         `json:"cpu_cores"`
	Tags            []string    `json:"tags,omitempty"`
	Priority        int         `json:"priority"`
	NodeState       NodeState   `json:"node_state"`
	RenderState     RenderState `json:"render_state"`
	ActiveJob       string      `json:"active_job,omitempty"`
	ActiveChunk     string      `json:"active_chunk,omitempty"`
	IsAlive         bool        `json:"is_alive"`
	IsLeader        bool        `json:"is_leader"`

	// Runtime fields, maintained by the local registry only.
	FailedPolls      int   `json:"-"`
	LastSeenMS       int64 `json:"-"`
	HasUDPContact    bool  `json:"-"`
	LastUDPContactMS int64 `json:"-"`
}

// Endpoint returns the peer's HTTP address as ip:port.
func (p *PeerInfo) Endpoint() string {
	return JoinEndpoint(p.IP, p.HTTPPort)
}

// EndpointDescriptor is the per-node rendezvous file written to
// <farm>/nodes/<node_id>/endpoint.json.
type EndpointDescriptor struct {
	NodeID      string `json:"node_id"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// ChunkReport is a worker's terminal verdict on one assigned chunk.
// Completed and failed reports share the shape; failed reports carry
// an error string.
type ChunkReport struct {
	NodeID     string `json:"node_id"`
	JobID      string `json:"job_id"`
	FrameStart int    `json:"frame_start"`
	FrameEnd   int    `json:"frame_end"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
}

// FrameReport carries progressive per-frame completions, batched by job.
type FrameReport struct {
	NodeID string `json:"node_id"`
	JobID  string `json:"job_id"`
	Frames []int  `json:"frames"`
}

// SubmitRequest is the body of POST /api/jobs
type SubmitRequest struct {
	Manifest Manifest `json:"manifest"`
	Priority int      `json:"priority,omitempty"`
}

// AssignRequest is the body of POST /api/dispatch/assign
type AssignRequest struct {
	Manifest   Manifest `json:"manifest"`
	FrameStart int      `json:"frame_start"`
	FrameEnd   int      `json:"frame_end"`
}

// Reserved tags that bias leader election.
const (
	TagLeader   = "leader"
	TagNoLeader = "noleader"
)

// HasTag reports whether tags contains t.
func HasTag(tags []string, t string) bool {
	for _, have := range tags {
		if have == t {
			return true
		}
	}
	return false
}

// TagsSubset reports whether every tag in required is present in have.
// An empty required set is a subset of anything.
func TagsSubset(required, have []string) bool {
	for _, r := range required {
		if !HasTag(have, r) {
			return false
		}
	}
	return true
}
