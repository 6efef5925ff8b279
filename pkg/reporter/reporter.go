package reporter

import (
	"sync"
	"time"

	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// loopInterval is the pump cadence.
	loopInterval = 50 * time.Millisecond

	// cooldownMS suppresses leader contact after any failed call so an
	// unreachable leader is not hammered.
	cooldownMS = 5000

	// frameFlushMS batches frame reports; chunk reports flush every
	// iteration.
	frameFlushMS = 2000
)

// ControlRequest is a one-off call against the current leader (job
// pause, cancel, node unsuspend and so on). Done, when set, receives
// the outcome.
type ControlRequest struct {
	Do   func(leaderEndpoint string) error
	Done func(err error)
}

// Config wires the reporter. The send hooks go over HTTP; the local
// hooks apply reports directly when this node is the leader.
type Config struct {
	NodeID string

	IsLeader       func() bool
	LeaderEndpoint func() string

	SendComplete func(endpoint string, r *types.ChunkReport) error
	SendFailed   func(endpoint string, r *types.ChunkReport) error
	SendFrames   func(endpoint string, r *types.FrameReport) error

	LocalChunk  func(r *types.ChunkReport)
	LocalFrames func(r *types.FrameReport)
}

// Reporter buffers the local render queue's output and pumps it to the
// current leader. Delivery is at-least-once: an unsent tail is
// prepended back to the buffer so per-chunk ordering survives a
// failed flush.
type Reporter struct {
	cfg Config

	mu             sync.Mutex
	chunks         []*types.ChunkReport
	frames         []*types.FrameReport
	controls       []*ControlRequest
	cooldownUntil  int64
	lastFrameFlush int64

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

func New(cfg Config) *Reporter {
	return &Reporter{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithComponent("report"),
	}
}

// Start launches the pump loop.
func (r *Reporter) Start() {
	go r.run()
}

// Stop terminates the loop after the current iteration.
func (r *Reporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reporter) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Tick(time.Now().UnixMilli())
		case <-r.stopCh:
			return
		}
	}
}

// ReportChunk buffers a terminal chunk report.
func (r *Reporter) ReportChunk(report *types.ChunkReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, report)
}

// ReportFrame buffers one progressive frame completion.
func (r *Reporter) ReportFrame(jobID string, frame int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, &types.FrameReport{NodeID: r.cfg.NodeID, JobID: jobID, Frames: []int{frame}})
}

// EnqueueControl queues a one-off leader call.
func (r *Reporter) EnqueueControl(req *ControlRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controls = append(r.controls, req)
}

// InCooldown reports whether leader contact is currently suppressed.
// The farm also consults this before pulling cached job data.
func (r *Reporter) InCooldown(nowMS int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return nowMS < r.cooldownUntil
}

// ArmCooldown suppresses leader contact for the cooldown window. The
// farm arms it when its own pull of cached job data fails so one dead
// leader endpoint is not hammered from two code paths.
func (r *Reporter) ArmCooldown(nowMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldownUntil = nowMS + cooldownMS
}

// Pending returns the buffered chunk report count.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Tick runs one pump iteration. Exposed so tests drive the reporter
// without the timer.
func (r *Reporter) Tick(nowMS int64) {
	r.drainControls()

	if r.cfg.IsLeader() {
		r.applyLocally()
		return
	}
	if r.InCooldown(nowMS) {
		return
	}
	endpoint := r.cfg.LeaderEndpoint()
	if endpoint == "" {
		return
	}

	if !r.flushChunks(endpoint, nowMS) {
		return
	}
	r.flushFrames(endpoint, nowMS)
}

func (r *Reporter) drainControls() {
	r.mu.Lock()
	controls := r.controls
	r.controls = nil
	r.mu.Unlock()

	endpoint := r.cfg.LeaderEndpoint()
	for _, req := range controls {
		err := req.Do(endpoint)
		if err != nil {
			r.logger.Warn().Err(err).Msg("control request failed")
		}
		if req.Done != nil {
			req.Done(err)
		}
	}
}

// applyLocally bypasses HTTP when this node leads.
func (r *Reporter) applyLocally() {
	r.mu.Lock()
	chunks := r.chunks
	frames := r.frames
	r.chunks = nil
	r.frames = nil
	r.cooldownUntil = 0
	r.mu.Unlock()

	for _, report := range chunks {
		r.cfg.LocalChunk(report)
	}
	for _, report := range groupFrames(frames) {
		r.cfg.LocalFrames(report)
	}
}

// flushChunks sends every buffered chunk report, one POST each.
// Returns false when a send failed and the cooldown was armed.
func (r *Reporter) flushChunks(endpoint string, nowMS int64) bool {
	r.mu.Lock()
	pending := r.chunks
	r.chunks = nil
	r.mu.Unlock()

	for i, report := range pending {
		var err error
		if report.Success {
			err = r.cfg.SendComplete(endpoint, report)
		} else {
			err = r.cfg.SendFailed(endpoint, report)
		}
		if err != nil {
			r.logger.Warn().Str("leader", endpoint).Err(err).Msg("chunk report failed, entering cooldown")
			r.requeueChunks(pending[i:], nowMS)
			return false
		}
	}
	return true
}

// requeueChunks prepends the unsent tail so reports stay in generation
// order ahead of anything buffered meanwhile.
func (r *Reporter) requeueChunks(unsent []*types.ChunkReport, nowMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(append([]*types.ChunkReport{}, unsent...), r.chunks...)
	r.cooldownUntil = nowMS + cooldownMS
}

func (r *Reporter) flushFrames(endpoint string, nowMS int64) {
	r.mu.Lock()
	if nowMS-r.lastFrameFlush < frameFlushMS || len(r.frames) == 0 {
		r.mu.Unlock()
		return
	}
	r.lastFrameFlush = nowMS
	pending := r.frames
	r.frames = nil
	r.mu.Unlock()

	grouped := groupFrames(pending)
	for i, report := range grouped {
		if err := r.cfg.SendFrames(endpoint, report); err != nil {
			r.logger.Warn().Str("leader", endpoint).Err(err).Msg("frame report failed, entering cooldown")
			r.mu.Lock()
			r.frames = append(grouped[i:], r.frames...)
			r.cooldownUntil = nowMS + cooldownMS
			r.mu.Unlock()
			return
		}
	}
}

// groupFrames merges single-frame buffer entries into one report per
// job, preserving first-seen job order.
func groupFrames(frames []*types.FrameReport) []*types.FrameReport {
	var order []string
	byJob := make(map[string]*types.FrameReport)
	for _, f := range frames {
		merged, ok := byJob[f.JobID]
		if !ok {
			merged = &types.FrameReport{NodeID: f.NodeID, JobID: f.JobID}
			byJob[f.JobID] = merged
			order = append(order, f.JobID)
		}
		merged.Frames = append(merged.Frames, f.Frames...)
	}

	out := make([]*types.FrameReport, 0, len(order))
	for _, jobID := range order {
		out = append(out, byJob[jobID])
	}
	return out
}
