package dispatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/midrender/midrender/pkg/storage"
	"github.com/midrender/midrender/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store *storage.BoltStore
	d     *Dispatcher
	self  *types.PeerInfo
	peers []*types.PeerInfo

	mu      sync.Mutex
	sent    []types.AssignRequest
	local   []types.AssignRequest
	sendErr error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "farm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store: store,
		self: &types.PeerInfo{
			NodeID:      "local",
			IP:          "10.0.0.1",
			HTTPPort:    8420,
			NodeState:   types.NodeStateActive,
			RenderState: types.RenderStateIdle,
			IsAlive:     true,
		},
	}
	env.d = New(Config{
		Store: store,
		Self:  func() *types.PeerInfo { return env.self },
		Peers: func() []*types.PeerInfo { return env.peers },
		SendAssign: func(endpoint string, req *types.AssignRequest) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			if env.sendErr != nil {
				return env.sendErr
			}
			env.sent = append(env.sent, *req)
			return nil
		},
		LocalAssign: func(manifest *types.Manifest, fs, fe int) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.local = append(env.local, types.AssignRequest{Manifest: *manifest, FrameStart: fs, FrameEnd: fe})
			return nil
		},
	})
	return env
}

func (e *testEnv) addPeer(nodeID string) *types.PeerInfo {
	peer := &types.PeerInfo{
		NodeID:      nodeID,
		IP:          "10.0.0.2",
		HTTPPort:    8420,
		NodeState:   types.NodeStateActive,
		RenderState: types.RenderStateIdle,
		IsAlive:     true,
	}
	e.peers = append(e.peers, peer)
	return peer
}

func testManifest(jobID string, frameStart, frameEnd, chunkSize int) types.Manifest {
	return types.Manifest{
		JobID:         jobID,
		SubmittedBy:   "tester",
		SubmittedAtMS: 1000,
		FrameStart:    frameStart,
		FrameEnd:      frameEnd,
		ChunkSize:     chunkSize,
		MaxRetries:    3,
	}
}

func TestTickIsSelfThrottled(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped

	env.d.EnqueueSubmission(testManifest("job-1", 1, 4, 2), 100)
	env.d.Tick(2000)
	_, err := env.store.GetJob("job-1")
	require.NoError(t, err)

	env.d.EnqueueSubmission(testManifest("job-2", 1, 4, 2), 100)
	env.d.Tick(3000) // only 1s since last tick: skipped
	_, err = env.store.GetJob("job-2")
	assert.ErrorIs(t, err, types.ErrNotFound)

	env.d.Tick(4000)
	_, err = env.store.GetJob("job-2")
	assert.NoError(t, err)
}

func TestSubmissionInsertsJobAndAssignsLocally(t *testing.T) {
	env := newTestEnv(t)

	env.d.EnqueueSubmission(testManifest("shot-010", 1, 10, 3), 100)
	env.d.Tick(2000)

	job, err := env.store.GetJob("shot-010")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateActive, job.State)

	chunks, err := env.store.GetChunks("shot-010")
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	// The idle local node picked up the first chunk in the same tick.
	require.Len(t, env.local, 1)
	assert.Equal(t, 1, env.local[0].FrameStart)
	assert.Equal(t, 3, env.local[0].FrameEnd)
	assert.Equal(t, types.ChunkStateAssigned, chunks[0].State)
	assert.Equal(t, "local", chunks[0].AssignedTo)
	assert.Equal(t, types.ChunkStatePending, chunks[1].State)
}

func TestAssignSkipsStoppedRenderingAndDeadPeers(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped

	stopped := env.addPeer("stopped-node")
	stopped.NodeState = types.NodeStateStopped
	busy := env.addPeer("busy-node")
	busy.RenderState = types.RenderStateRendering
	dead := env.addPeer("dead-node")
	dead.IsAlive = false

	env.d.EnqueueSubmission(testManifest("shot-010", 1, 10, 3), 100)
	env.d.Tick(2000)

	assert.Empty(t, env.sent)
	assert.Empty(t, env.local)
}

func TestDispatchSendFailureRevertsChunk(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped
	env.addPeer("worker-1")
	env.sendErr = errors.New("connection refused")

	env.d.EnqueueSubmission(testManifest("shot-010", 1, 10, 3), 100)
	env.d.Tick(2000)

	chunks, err := env.store.GetChunks("shot-010")
	require.NoError(t, err)
	for _, chunk := range chunks {
		assert.Equal(t, types.ChunkStatePending, chunk.State)
		assert.Empty(t, chunk.AssignedTo)
		// A network failure is not a render failure.
		assert.Zero(t, chunk.RetryCount)
		assert.Empty(t, chunk.FailedOn)
	}
}

func TestCompletionMarksJobCompleted(t *testing.T) {
	env := newTestEnv(t)

	env.d.EnqueueSubmission(testManifest("shot-010", 1, 5, 5), 100)
	env.d.Tick(2000)
	require.Len(t, env.local, 1)

	env.d.EnqueueCompletion(&types.ChunkReport{
		NodeID: "local", JobID: "shot-010", FrameStart: 1, FrameEnd: 5, Success: true,
	})
	env.d.Tick(4000)

	chunks, err := env.store.GetChunks("shot-010")
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStateCompleted, chunks[0].State)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, chunks[0].CompletedFrames)

	job, err := env.store.GetJob("shot-010")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCompleted, job.State)
}

func TestFailureReportsFeedTrackerUntilSuspension(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped
	env.addPeer("worker-1")

	m := testManifest("shot-010", 1, 10, 1)
	m.MaxRetries = 10
	env.d.EnqueueSubmission(m, 100)
	env.d.Tick(2000)

	for i := 0; i < suspendThreshold; i++ {
		env.d.EnqueueFailure(&types.ChunkReport{
			NodeID: "worker-1", JobID: "shot-010",
			FrameStart: i + 1, FrameEnd: i + 1,
			Error: "render crashed", ExitCode: 1,
		})
	}
	env.d.Tick(4000)

	assert.True(t, env.d.Tracker().IsSuspended("worker-1"))

	// A suspended node gets no further work even though chunks remain.
	before := len(env.sent)
	env.d.Tick(6000)
	assert.Equal(t, before, len(env.sent))
}

func TestFrameReportsGroupedByJob(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped

	env.d.EnqueueSubmission(testManifest("shot-010", 1, 10, 10), 100)
	env.d.Tick(2000)

	env.d.EnqueueFrames(&types.FrameReport{NodeID: "w", JobID: "shot-010", Frames: []int{1, 2}})
	env.d.EnqueueFrames(&types.FrameReport{NodeID: "w", JobID: "shot-010", Frames: []int{2, 3}})
	env.d.Tick(4000)

	chunks, err := env.store.GetChunks("shot-010")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, chunks[0].CompletedFrames)
}

func TestDeadWorkerChunksRequeued(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped
	worker := env.addPeer("worker-1")

	env.d.EnqueueSubmission(testManifest("shot-010", 1, 10, 3), 100)
	env.d.Tick(2000)

	chunks, err := env.store.GetChunks("shot-010")
	require.NoError(t, err)
	require.Equal(t, types.ChunkStateAssigned, chunks[0].State)

	worker.IsAlive = false
	env.d.Tick(4000)

	chunks, err = env.store.GetChunks("shot-010")
	require.NoError(t, err)
	for _, chunk := range chunks {
		assert.Equal(t, types.ChunkStatePending, chunk.State)
		assert.Zero(t, chunk.RetryCount)
	}
}

func TestPeriodicSnapshotPublished(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped
	snapshotPath := filepath.Join(t.TempDir(), "state", "snapshot.db")
	env.d.cfg.SnapshotPath = snapshotPath
	env.d.cfg.ScratchDir = t.TempDir()

	env.d.EnqueueSubmission(testManifest("shot-010", 1, 10, 3), 100)
	env.d.Tick(40000)
	env.d.Join()

	_, err := os.Stat(snapshotPath)
	require.NoError(t, err)

	restored, err := storage.RestoreFrom(snapshotPath, filepath.Join(t.TempDir(), "restored.db"))
	require.NoError(t, err)
	defer restored.Close()

	want, err := env.store.ListJobSummaries()
	require.NoError(t, err)
	got, err := restored.ListJobSummaries()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Within the interval no second snapshot is taken.
	require.NoError(t, os.Remove(snapshotPath))
	env.d.Tick(42000)
	env.d.Join()
	_, err = os.Stat(snapshotPath)
	assert.True(t, os.IsNotExist(err))
}

func TestResubmitDerivesVersionedID(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped

	env.d.EnqueueSubmission(testManifest("shot-010", 1, 10, 3), 42)
	env.d.Tick(2000)

	nowMS := time.Now().UnixMilli()
	newID, err := env.d.Resubmit("shot-010", nowMS)
	require.NoError(t, err)
	assert.Equal(t, "shot-010-v2", newID)
	env.d.Tick(4000)

	job, err := env.store.GetJob("shot-010-v2")
	require.NoError(t, err)
	assert.Equal(t, 42, job.Priority)
	assert.Equal(t, nowMS, job.SubmittedAtMS)

	// Resubmitting the versioned copy bumps to v3, not v2-v2.
	newID, err = env.d.Resubmit("shot-010-v2", nowMS)
	require.NoError(t, err)
	assert.Equal(t, "shot-010-v3", newID)
}

func TestResubmitUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.d.Resubmit("nope", 1000)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStripVersionSuffix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"shot-010", "shot-010"},
		{"shot-010-v2", "shot-010"},
		{"shot-010-v13", "shot-010"},
		{"shot-010-vfinal", "shot-010-vfinal"},
		{"-v2", "-v2"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, stripVersionSuffix(tt.in))
		})
	}
}

func TestTagFilteredAssignment(t *testing.T) {
	env := newTestEnv(t)
	env.self.NodeState = types.NodeStateStopped
	env.addPeer("plain-node")
	gpu := env.addPeer("gpu-node")
	gpu.Tags = []string{"gpu"}

	m := testManifest("gpu-job", 1, 10, 5)
	m.TagsRequired = []string{"gpu"}
	env.d.EnqueueSubmission(m, 100)
	env.d.Tick(2000)
	env.d.Tick(4000)

	chunks, err := env.store.GetChunks("gpu-job")
	require.NoError(t, err)
	for _, chunk := range chunks {
		if chunk.State == types.ChunkStateAssigned {
			assert.Equal(t, "gpu-node", chunk.AssignedTo,
				fmt.Sprintf("chunk %d-%d offered to an untagged node", chunk.FrameStart, chunk.FrameEnd))
		}
	}
}
