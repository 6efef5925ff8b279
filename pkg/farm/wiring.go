package farm

import (
	"time"

	"github.com/midrender/midrender/pkg/config"
	"github.com/midrender/midrender/pkg/events"
	"github.com/midrender/midrender/pkg/mesh"
	"github.com/midrender/midrender/pkg/types"
)

// meshConfig binds the HTTP surface to the farm. Leader-side hooks go
// through currentDispatcher / currentStore so a request racing a role
// transition sees not_leader instead of a nil store.
func (f *Farm) meshConfig() mesh.Config {
	return mesh.Config{
		Port:           f.cfg.HTTPPort,
		Self:           f.selfInfo,
		Peers:          f.registry.Peers,
		LeaderReady:    f.leaderReady,
		LeaderEndpoint: f.leaderEndpointOrSelf,

		TryAssign:    f.acceptAssignment,
		SetNodeState: f.setNodeState,

		Submit:    f.submit,
		Jobs:      f.listJobs,
		JobDetail: f.jobDetail,
		JobAction: f.jobAction,
		Resubmit:  f.resubmitJob,
		DeleteJob: f.deleteJob,
		Complete:  f.enqueueComplete,
		Failed:    f.enqueueFailed,
		Frames:    f.enqueueFrames,
		Unsuspend: f.unsuspend,
	}
}

// leaderEndpointOrSelf is the redirect hint in not_leader answers.
// While this node leads but the store is still opening, the hint is
// its own endpoint: the caller should simply retry here.
func (f *Farm) leaderEndpointOrSelf() string {
	if f.registry.IsLeader() {
		return f.Endpoint()
	}
	return f.registry.LeaderEndpoint()
}

// acceptAssignment is the single entry point for render work, used by
// the assignment endpoint and by the leader's own dispatch loop.
func (f *Farm) acceptAssignment(manifest *types.Manifest, frameStart, frameEnd int) error {
	if f.NodeState() == types.NodeStateStopped {
		return types.ErrStopped
	}
	return f.queue.TryEnqueue(manifest, frameStart, frameEnd)
}

func (f *Farm) setNodeState(state types.NodeState) error {
	f.mu.Lock()
	f.nodeState = state
	f.cfg.NodeStopped = state == types.NodeStateStopped
	f.mu.Unlock()

	f.logger.Info().Str("state", string(state)).Msg("node state changed")
	return config.Save(f.cfgPath, f.cfg)
}

func (f *Farm) submit(manifest types.Manifest, priority int) error {
	d := f.currentDispatcher()
	if d == nil {
		return types.ErrNotLeader
	}
	d.EnqueueSubmission(manifest, priority)
	return nil
}

func (f *Farm) listJobs() ([]*types.JobSummary, error) {
	return f.cachedJobs(), nil
}

func (f *Farm) jobDetail(jobID string) (*types.Job, []*types.Chunk, error) {
	store := f.currentStore()
	if store == nil {
		return nil, nil, types.ErrNotLeader
	}
	job, err := store.GetJob(jobID)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := store.GetChunks(jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, chunks, nil
}

func (f *Farm) jobAction(jobID, action string) error {
	store := f.currentStore()
	if store == nil {
		return types.ErrNotLeader
	}

	switch action {
	case "pause":
		return store.UpdateJobState(jobID, types.JobStatePaused)
	case "resume":
		return store.UpdateJobState(jobID, types.JobStateActive)
	case "cancel":
		if err := store.UpdateJobState(jobID, types.JobStateCancelled); err != nil {
			return err
		}
		f.queue.CancelJob(jobID)
		f.broker.Emit(events.EventJobCancelled, "job cancelled", map[string]string{"job_id": jobID})
		return nil
	case "archive":
		return store.UpdateJobState(jobID, types.JobStateArchived)
	case "retry-failed":
		return store.RetryFailedChunks(jobID)
	default:
		return types.ErrNotFound
	}
}

func (f *Farm) resubmitJob(jobID string) (string, error) {
	d := f.currentDispatcher()
	if d == nil {
		return "", types.ErrNotLeader
	}
	return d.Resubmit(jobID, time.Now().UnixMilli())
}

func (f *Farm) deleteJob(jobID string) error {
	store := f.currentStore()
	if store == nil {
		return types.ErrNotLeader
	}
	f.queue.CancelJob(jobID)
	return store.DeleteJob(jobID)
}

func (f *Farm) enqueueComplete(r *types.ChunkReport) {
	if d := f.currentDispatcher(); d != nil {
		d.EnqueueCompletion(r)
	}
}

func (f *Farm) enqueueFailed(r *types.ChunkReport) {
	if d := f.currentDispatcher(); d != nil {
		d.EnqueueFailure(r)
	}
}

func (f *Farm) enqueueFrames(r *types.FrameReport) {
	if d := f.currentDispatcher(); d != nil {
		d.EnqueueFrames(r)
	}
}

func (f *Farm) unsuspend(nodeID string) error {
	d := f.currentDispatcher()
	if d == nil {
		return types.ErrNotLeader
	}
	d.Tracker().Clear(nodeID)
	return nil
}

// applyLocalChunk routes the local worker's chunk reports straight into
// the dispatcher when this node leads. A report landing in the role
// transition gap is dropped; the dead-worker reaper requeues the chunk.
func (f *Farm) applyLocalChunk(r *types.ChunkReport) {
	d := f.currentDispatcher()
	if d == nil {
		f.logger.Warn().Str("job", r.JobID).Msg("dropping local report, no dispatcher")
		return
	}
	if r.Success {
		d.EnqueueCompletion(r)
	} else {
		d.EnqueueFailure(r)
	}
}

func (f *Farm) applyLocalFrames(r *types.FrameReport) {
	if d := f.currentDispatcher(); d != nil {
		d.EnqueueFrames(r)
	}
}

// JobSummaries, Peers, IsLeader and SuspendedCount make Farm the
// sampling source for the metrics collector.

func (f *Farm) JobSummaries() []*types.JobSummary {
	return f.cachedJobs()
}

func (f *Farm) Peers() []*types.PeerInfo {
	return f.registry.Peers()
}

func (f *Farm) IsLeader() bool {
	return f.registry.IsLeader()
}

func (f *Farm) SuspendedCount() int {
	d := f.currentDispatcher()
	if d == nil {
		return 0
	}
	return d.Tracker().SuspendedCount()
}
