package render

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/midrender/midrender/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingExecutor renders until released or the context is cancelled.
type blockingExecutor struct {
	release chan struct{}
	result  Result
}

func (e *blockingExecutor) Render(ctx context.Context, task *Task, onFrame func(int)) Result {
	select {
	case <-e.release:
		return e.result
	case <-ctx.Done():
		return Result{Error: "cancelled", ExitCode: -1}
	}
}

func TestQueueRejectsSecondChunk(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{}), result: Result{Success: true}}
	q := NewQueue("node-1", exec, Hooks{})

	m := &types.Manifest{JobID: "shot-010"}
	require.NoError(t, q.TryEnqueue(m, 1, 3))
	assert.True(t, q.Rendering())

	job, chunk := q.Active()
	assert.Equal(t, "shot-010", job)
	assert.Equal(t, "1-3", chunk)

	assert.ErrorIs(t, q.TryEnqueue(m, 4, 6), types.ErrBusy)

	close(exec.release)
	q.Join()
	assert.False(t, q.Rendering())

	// Idle again: the next chunk is accepted.
	exec.release = make(chan struct{})
	close(exec.release)
	assert.NoError(t, q.TryEnqueue(m, 4, 6))
	q.Join()
}

func TestQueueReportsChunkDone(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{}), result: Result{Success: true, ElapsedMS: 7}}
	var mu sync.Mutex
	var reports []*types.ChunkReport
	q := NewQueue("node-1", exec, Hooks{
		OnChunkDone: func(r *types.ChunkReport) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, r)
		},
	})

	require.NoError(t, q.TryEnqueue(&types.Manifest{JobID: "shot-010"}, 1, 3))
	close(exec.release)
	q.Join()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Success)
	assert.Equal(t, "node-1", reports[0].NodeID)
	assert.Equal(t, "shot-010", reports[0].JobID)
	assert.Equal(t, 1, reports[0].FrameStart)
	assert.Equal(t, 3, reports[0].FrameEnd)
	assert.Equal(t, int64(7), reports[0].ElapsedMS)
}

func TestQueueCancelJob(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	var mu sync.Mutex
	var reports []*types.ChunkReport
	q := NewQueue("node-1", exec, Hooks{
		OnChunkDone: func(r *types.ChunkReport) {
			mu.Lock()
			defer mu.Unlock()
			reports = append(reports, r)
		},
	})

	require.NoError(t, q.TryEnqueue(&types.Manifest{JobID: "shot-010"}, 1, 3))

	// Cancelling a different job leaves the render running.
	q.CancelJob("other-job")
	assert.True(t, q.Rendering())

	q.CancelJob("shot-010")
	q.Join()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Success)
}

func TestQueueTimeoutAbortsRender(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	done := make(chan *types.ChunkReport, 1)
	q := NewQueue("node-1", exec, Hooks{
		OnChunkDone: func(r *types.ChunkReport) { done <- r },
	})

	m := &types.Manifest{JobID: "shot-010", TimeoutSeconds: 1}
	require.NoError(t, q.TryEnqueue(m, 1, 1))

	select {
	case r := <-done:
		assert.False(t, r.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("render did not time out")
	}
}
