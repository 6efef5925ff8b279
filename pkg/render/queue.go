package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/types"
	"github.com/rs/zerolog"
)

// Hooks are the queue's outbound edges. OnChunkDone feeds the
// reporter; OnFrame feeds progressive frame reports.
type Hooks struct {
	OnChunkDone func(report *types.ChunkReport)
	OnFrame     func(jobID string, frame int)
}

// Queue serializes local rendering: a node runs at most one chunk at a
// time, and an assignment arriving while busy is rejected so the
// leader offers it elsewhere.
type Queue struct {
	nodeID   string
	executor Executor
	hooks    Hooks

	mu          sync.Mutex
	rendering   bool
	activeJob   string
	activeChunk string
	cancel      context.CancelFunc

	wg     sync.WaitGroup
	logger zerolog.Logger
}

func NewQueue(nodeID string, executor Executor, hooks Hooks) *Queue {
	return &Queue{
		nodeID:   nodeID,
		executor: executor,
		hooks:    hooks,
		logger:   log.WithComponent("render"),
	}
}

// TryEnqueue accepts a chunk if the node is idle. Returns ErrBusy when
// a render is already running.
func (q *Queue) TryEnqueue(manifest *types.Manifest, frameStart, frameEnd int) error {
	q.mu.Lock()
	if q.rendering {
		q.mu.Unlock()
		return types.ErrBusy
	}

	task := &Task{Manifest: *manifest, FrameStart: frameStart, FrameEnd: frameEnd}
	ctx, cancel := q.taskContext(manifest)

	q.rendering = true
	q.activeJob = manifest.JobID
	q.activeChunk = fmt.Sprintf("%d-%d", frameStart, frameEnd)
	q.cancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(ctx, cancel, task)
	return nil
}

func (q *Queue) taskContext(manifest *types.Manifest) (context.Context, context.CancelFunc) {
	if manifest.TimeoutSeconds > 0 {
		return context.WithTimeout(context.Background(), time.Duration(manifest.TimeoutSeconds)*time.Second)
	}
	return context.WithCancel(context.Background())
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, task *Task) {
	defer q.wg.Done()
	defer cancel()

	q.logger.Info().Str("job", task.Manifest.JobID).
		Int("fs", task.FrameStart).Int("fe", task.FrameEnd).Msg("render started")

	result := q.executor.Render(ctx, task, func(frame int) {
		if q.hooks.OnFrame != nil {
			q.hooks.OnFrame(task.Manifest.JobID, frame)
		}
	})

	q.mu.Lock()
	q.rendering = false
	q.activeJob = ""
	q.activeChunk = ""
	q.cancel = nil
	q.mu.Unlock()

	if result.Success {
		q.logger.Info().Str("job", task.Manifest.JobID).Int("fs", task.FrameStart).
			Int64("elapsed_ms", result.ElapsedMS).Msg("render finished")
	} else {
		q.logger.Warn().Str("job", task.Manifest.JobID).Int("fs", task.FrameStart).
			Str("error", result.Error).Int("exit_code", result.ExitCode).Msg("render failed")
	}

	if q.hooks.OnChunkDone != nil {
		q.hooks.OnChunkDone(&types.ChunkReport{
			NodeID:     q.nodeID,
			JobID:      task.Manifest.JobID,
			FrameStart: task.FrameStart,
			FrameEnd:   task.FrameEnd,
			Success:    result.Success,
			Error:      result.Error,
			ElapsedMS:  result.ElapsedMS,
			ExitCode:   result.ExitCode,
		})
	}
}

// CancelJob aborts the current render if it belongs to the given job.
func (q *Queue) CancelJob(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rendering && q.activeJob == jobID && q.cancel != nil {
		q.logger.Info().Str("job", jobID).Msg("aborting local render of cancelled job")
		q.cancel()
	}
}

// Rendering reports whether a chunk is currently running.
func (q *Queue) Rendering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rendering
}

// Active returns the running job and chunk range, empty when idle.
func (q *Queue) Active() (job, chunk string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeJob, q.activeChunk
}

// Join blocks until the current render, if any, finishes. Graceful
// shutdown waits here rather than killing work in flight.
func (q *Queue) Join() {
	q.wg.Wait()
}
