package storage

import (
	"github.com/midrender/midrender/pkg/types"
)

// Store defines the interface for job and chunk persistence. The live
// store is owned exclusively by the current leader; followers never
// hold an open handle.
type Store interface {
	// Jobs
	InsertJob(job *types.Job) error
	GetJob(jobID string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListJobSummaries() ([]*types.JobSummary, error)
	UpdateJobState(jobID string, state types.JobState) error
	UpdateJobPriority(jobID string, priority int) error
	DeleteJob(jobID string) error
	IsJobComplete(jobID string) (bool, error)

	// Chunks
	InsertChunks(jobID string, ranges []types.FrameRange) error
	GetChunks(jobID string) ([]*types.Chunk, error)
	FindNextPendingForNode(nodeTags []string, nodeID string) (*types.Chunk, *types.Manifest, error)
	AssignChunk(jobID string, frameStart, frameEnd int, nodeID string, nowMS int64) error
	CompleteChunk(jobID string, frameStart, frameEnd int, nowMS int64) error
	FailChunk(jobID string, frameStart, frameEnd, maxRetries int, failingNodeID string) (bool, error)
	RevertChunk(jobID string, frameStart, frameEnd int) error
	ReassignDeadWorker(nodeID string) (int, error)
	AddCompletedFrames(jobID string, frames []int) error
	ResetAllChunks(jobID string) error
	RetryFailedChunks(jobID string) error

	// Failover
	SnapshotTo(path string) error
	Integrity() error

	// Utility
	Close() error
}
