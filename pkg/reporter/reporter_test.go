package reporter

import (
	"errors"
	"sync"
	"testing"

	"github.com/midrender/midrender/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reporterEnv struct {
	r *Reporter

	mu       sync.Mutex
	isLeader bool
	leader   string
	sendErr  error

	completed []*types.ChunkReport
	failed    []*types.ChunkReport
	frames    []*types.FrameReport
	localC    []*types.ChunkReport
	localF    []*types.FrameReport
}

func newReporterEnv() *reporterEnv {
	env := &reporterEnv{leader: "10.0.0.9:8420"}
	env.r = New(Config{
		NodeID:         "node-1",
		IsLeader:       func() bool { return env.isLeader },
		LeaderEndpoint: func() string { return env.leader },
		SendComplete: func(endpoint string, r *types.ChunkReport) error {
			if env.sendErr != nil {
				return env.sendErr
			}
			env.completed = append(env.completed, r)
			return nil
		},
		SendFailed: func(endpoint string, r *types.ChunkReport) error {
			if env.sendErr != nil {
				return env.sendErr
			}
			env.failed = append(env.failed, r)
			return nil
		},
		SendFrames: func(endpoint string, r *types.FrameReport) error {
			if env.sendErr != nil {
				return env.sendErr
			}
			env.frames = append(env.frames, r)
			return nil
		},
		LocalChunk:  func(r *types.ChunkReport) { env.localC = append(env.localC, r) },
		LocalFrames: func(r *types.FrameReport) { env.localF = append(env.localF, r) },
	})
	return env
}

func chunkReport(jobID string, fs int, success bool) *types.ChunkReport {
	return &types.ChunkReport{NodeID: "node-1", JobID: jobID, FrameStart: fs, FrameEnd: fs, Success: success}
}

func TestFlushRoutesBySuccess(t *testing.T) {
	env := newReporterEnv()
	env.r.ReportChunk(chunkReport("shot-010", 1, true))
	env.r.ReportChunk(chunkReport("shot-010", 2, false))

	env.r.Tick(1000)

	require.Len(t, env.completed, 1)
	require.Len(t, env.failed, 1)
	assert.Zero(t, env.r.Pending())
}

func TestFailureArmsCooldownAndRequeues(t *testing.T) {
	env := newReporterEnv()
	env.r.ReportChunk(chunkReport("shot-010", 1, true))
	env.r.ReportChunk(chunkReport("shot-010", 2, true))
	env.sendErr = errors.New("connection refused")

	env.r.Tick(1000)

	assert.True(t, env.r.InCooldown(1001))
	assert.Equal(t, 2, env.r.Pending())

	// Within the cooldown nothing is sent.
	env.sendErr = nil
	env.r.Tick(3000)
	assert.Empty(t, env.completed)

	// After the cooldown the buffered reports go out in order.
	env.r.Tick(1000 + cooldownMS)
	require.Len(t, env.completed, 2)
	assert.Equal(t, 1, env.completed[0].FrameStart)
	assert.Equal(t, 2, env.completed[1].FrameStart)
}

func TestRequeuePreservesOrderAheadOfNewReports(t *testing.T) {
	env := newReporterEnv()
	env.r.ReportChunk(chunkReport("shot-010", 1, true))
	env.sendErr = errors.New("refused")
	env.r.Tick(1000)

	// A report generated during the cooldown queues behind the unsent one.
	env.r.ReportChunk(chunkReport("shot-010", 2, true))
	env.sendErr = nil
	env.r.Tick(1000 + cooldownMS)

	require.Len(t, env.completed, 2)
	assert.Equal(t, 1, env.completed[0].FrameStart)
	assert.Equal(t, 2, env.completed[1].FrameStart)
}

func TestFrameReportsBatchedByJob(t *testing.T) {
	env := newReporterEnv()
	env.r.ReportFrame("shot-010", 1)
	env.r.ReportFrame("shot-020", 7)
	env.r.ReportFrame("shot-010", 2)

	// First tick: the frame-flush interval has elapsed since 0.
	env.r.Tick(frameFlushMS + 1)

	require.Len(t, env.frames, 2)
	assert.Equal(t, "shot-010", env.frames[0].JobID)
	assert.Equal(t, []int{1, 2}, env.frames[0].Frames)
	assert.Equal(t, "shot-020", env.frames[1].JobID)
	assert.Equal(t, []int{7}, env.frames[1].Frames)

	// Another frame right after: held until the next interval.
	env.r.ReportFrame("shot-010", 3)
	env.r.Tick(frameFlushMS + 100)
	require.Len(t, env.frames, 2)

	env.r.Tick(2*frameFlushMS + 200)
	require.Len(t, env.frames, 3)
	assert.Equal(t, []int{3}, env.frames[2].Frames)
}

func TestLeaderBypass(t *testing.T) {
	env := newReporterEnv()
	env.isLeader = true
	env.r.ReportChunk(chunkReport("shot-010", 1, true))
	env.r.ReportFrame("shot-010", 1)
	env.r.ReportFrame("shot-010", 2)

	env.r.Tick(1000)

	assert.Empty(t, env.completed)
	assert.Empty(t, env.frames)
	require.Len(t, env.localC, 1)
	require.Len(t, env.localF, 1)
	assert.Equal(t, []int{1, 2}, env.localF[0].Frames)
}

func TestNoLeaderKnownHoldsReports(t *testing.T) {
	env := newReporterEnv()
	env.leader = ""
	env.r.ReportChunk(chunkReport("shot-010", 1, true))

	env.r.Tick(1000)

	assert.Empty(t, env.completed)
	assert.Equal(t, 1, env.r.Pending())
}

func TestControlRequestsRunWithCallback(t *testing.T) {
	env := newReporterEnv()

	var gotEndpoint string
	var cbErr error
	done := false
	env.r.EnqueueControl(&ControlRequest{
		Do: func(endpoint string) error {
			gotEndpoint = endpoint
			return nil
		},
		Done: func(err error) { cbErr = err; done = true },
	})
	env.r.Tick(1000)

	assert.True(t, done)
	assert.NoError(t, cbErr)
	assert.Equal(t, "10.0.0.9:8420", gotEndpoint)

	// A failing control reports its error through the callback.
	wantErr := errors.New("boom")
	env.r.EnqueueControl(&ControlRequest{
		Do:   func(string) error { return wantErr },
		Done: func(err error) { cbErr = err },
	})
	env.r.Tick(2000)
	assert.Equal(t, wantErr, cbErr)
}
