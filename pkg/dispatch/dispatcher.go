package dispatch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/midrender/midrender/pkg/events"
	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/metrics"
	"github.com/midrender/midrender/pkg/storage"
	"github.com/midrender/midrender/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// tickIntervalMS is the dispatch cadence. The main loop calls Tick
	// far more often; the dispatcher throttles itself.
	tickIntervalMS = 2000

	// snapshotIntervalMS is how often the store is snapshotted to the
	// shared filesystem.
	snapshotIntervalMS = 30000
)

// Submission is a queued job submission awaiting the next tick.
type Submission struct {
	Manifest types.Manifest
	Priority int
}

// Config wires the dispatcher to its collaborators. All hooks are
// function-shaped so the farm layer composes without back-pointers.
type Config struct {
	Store storage.Store

	// Self returns the local node's peer info; it is always an
	// assignment candidate.
	Self func() *types.PeerInfo

	// Peers returns a snapshot of every known peer.
	Peers func() []*types.PeerInfo

	// SendAssign posts an assignment to a remote worker.
	SendAssign func(endpoint string, req *types.AssignRequest) error

	// LocalAssign hands work to the local render queue, skipping HTTP.
	LocalAssign func(manifest *types.Manifest, frameStart, frameEnd int) error

	// SnapshotPath is the shared-FS snapshot destination. Empty
	// disables snapshotting.
	SnapshotPath string

	// ScratchDir holds snapshot temp files on the local disk.
	ScratchDir string

	Tracker *FailureTracker
	Broker  *events.Broker
}

// Dispatcher is the leader-only scheduling loop. HTTP handlers and the
// local submit path enqueue work from any goroutine; the single Tick
// caller drains the queues and mutates the store.
type Dispatcher struct {
	cfg Config

	mu          sync.Mutex
	submissions []*Submission
	completions []*types.ChunkReport
	failures    []*types.ChunkReport
	frames      []*types.FrameReport

	lastTickMS     int64
	lastSnapshotMS int64
	snapshotWG     sync.WaitGroup

	logger zerolog.Logger
}

func New(cfg Config) *Dispatcher {
	if cfg.Tracker == nil {
		cfg.Tracker = NewFailureTracker()
	}
	return &Dispatcher{
		cfg:    cfg,
		logger: log.WithComponent("dispatch"),
	}
}

// Tracker exposes the failure tracker for the unsuspend endpoint.
func (d *Dispatcher) Tracker() *FailureTracker {
	return d.cfg.Tracker
}

// EnqueueSubmission queues a manifest for insertion on the next tick.
func (d *Dispatcher) EnqueueSubmission(manifest types.Manifest, priority int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submissions = append(d.submissions, &Submission{Manifest: manifest, Priority: priority})
}

// EnqueueCompletion queues a successful chunk report.
func (d *Dispatcher) EnqueueCompletion(report *types.ChunkReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completions = append(d.completions, report)
}

// EnqueueFailure queues a failed chunk report.
func (d *Dispatcher) EnqueueFailure(report *types.ChunkReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, report)
}

// EnqueueFrames queues a batch of per-frame completions.
func (d *Dispatcher) EnqueueFrames(report *types.FrameReport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, report)
}

// Tick runs one dispatch pass if the cadence has elapsed. The phase
// order is fixed: a chunk whose failure is drained this tick can not be
// handed back to the same peer before the blacklist lands.
func (d *Dispatcher) Tick(nowMS int64) {
	if nowMS-d.lastTickMS < tickIntervalMS {
		return
	}
	d.lastTickMS = nowMS

	timer := metrics.NewTimer()
	d.drainSubmissions()
	d.drainCompletions(nowMS)
	d.drainFailures(nowMS)
	d.drainFrames()
	d.reapDeadWorkers()
	d.detectCompletion()
	d.assign(nowMS)
	d.maybeSnapshot(nowMS)
	timer.ObserveDuration(metrics.DispatchTickDuration)
}

// Join waits for any in-flight background snapshot move. Called on
// leadership loss before the store is closed.
func (d *Dispatcher) Join() {
	d.snapshotWG.Wait()
}

func (d *Dispatcher) takeSubmissions() []*Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.submissions
	d.submissions = nil
	return out
}

func (d *Dispatcher) takeCompletions() []*types.ChunkReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.completions
	d.completions = nil
	return out
}

func (d *Dispatcher) takeFailures() []*types.ChunkReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.failures
	d.failures = nil
	return out
}

func (d *Dispatcher) takeFrames() []*types.FrameReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.frames
	d.frames = nil
	return out
}

func (d *Dispatcher) drainSubmissions() {
	for _, sub := range d.takeSubmissions() {
		if err := d.insertJob(sub); err != nil {
			d.logger.Error().Str("job", sub.Manifest.JobID).Err(err).Msg("failed to insert submission")
		}
	}
}

func (d *Dispatcher) insertJob(sub *Submission) error {
	m := sub.Manifest
	ranges, err := types.SplitFrames(m.FrameStart, m.FrameEnd, m.ChunkSize)
	if err != nil {
		return fmt.Errorf("failed to split frames for job %s: %w", m.JobID, err)
	}

	job := &types.Job{
		JobID:         m.JobID,
		Manifest:      m,
		State:         types.JobStateActive,
		Priority:      sub.Priority,
		SubmittedAtMS: m.SubmittedAtMS,
	}
	if err := d.cfg.Store.InsertJob(job); err != nil {
		return err
	}
	if err := d.cfg.Store.InsertChunks(m.JobID, ranges); err != nil {
		return err
	}

	d.logger.Info().Str("job", m.JobID).Int("chunks", len(ranges)).Int("priority", sub.Priority).Msg("job submitted")
	if d.cfg.Broker != nil {
		d.cfg.Broker.Emit(events.EventJobSubmitted, "job submitted", map[string]string{"job_id": m.JobID})
	}
	return nil
}

func (d *Dispatcher) drainCompletions(nowMS int64) {
	for _, r := range d.takeCompletions() {
		err := d.cfg.Store.CompleteChunk(r.JobID, r.FrameStart, r.FrameEnd, nowMS)
		if err != nil {
			d.logger.Warn().Str("job", r.JobID).Int("fs", r.FrameStart).Int("fe", r.FrameEnd).
				Err(err).Msg("failed to apply completion report")
			continue
		}
		metrics.ChunksCompleted.Inc()
		d.logger.Info().Str("job", r.JobID).Int("fs", r.FrameStart).Int("fe", r.FrameEnd).
			Str("node", r.NodeID).Int64("elapsed_ms", r.ElapsedMS).Msg("chunk completed")
	}
}

func (d *Dispatcher) drainFailures(nowMS int64) {
	for _, r := range d.takeFailures() {
		job, err := d.cfg.Store.GetJob(r.JobID)
		if err != nil {
			d.logger.Warn().Str("job", r.JobID).Err(err).Msg("failure report for unknown job")
			continue
		}
		maxRetries := job.Manifest.MaxRetries
		if maxRetries <= 0 {
			maxRetries = types.DefaultMaxRetries
		}

		terminal, err := d.cfg.Store.FailChunk(r.JobID, r.FrameStart, r.FrameEnd, maxRetries, r.NodeID)
		if err != nil {
			d.logger.Warn().Str("job", r.JobID).Int("fs", r.FrameStart).Err(err).Msg("failed to apply failure report")
			continue
		}
		metrics.ChunksFailed.Inc()
		d.logger.Warn().Str("job", r.JobID).Int("fs", r.FrameStart).Int("fe", r.FrameEnd).
			Str("node", r.NodeID).Str("error", r.Error).Bool("terminal", terminal).Msg("chunk failed")
		if d.cfg.Broker != nil {
			d.cfg.Broker.Emit(events.EventChunkFailed, "chunk failed", map[string]string{
				"job_id": r.JobID, "node_id": r.NodeID,
			})
		}

		if d.cfg.Tracker.RecordFailure(r.NodeID, nowMS) {
			d.logger.Warn().Str("node", r.NodeID).Msg("node suspended after repeated failures")
			metrics.NodesSuspended.Set(float64(d.cfg.Tracker.SuspendedCount()))
			if d.cfg.Broker != nil {
				d.cfg.Broker.Emit(events.EventNodeSuspended, "node suspended", map[string]string{"node_id": r.NodeID})
			}
		}
	}
}

func (d *Dispatcher) drainFrames() {
	grouped := make(map[string][]int)
	for _, r := range d.takeFrames() {
		grouped[r.JobID] = append(grouped[r.JobID], r.Frames...)
	}
	for jobID, frames := range grouped {
		if err := d.cfg.Store.AddCompletedFrames(jobID, frames); err != nil {
			d.logger.Warn().Str("job", jobID).Err(err).Msg("failed to record completed frames")
		}
	}
}

func (d *Dispatcher) reapDeadWorkers() {
	for _, peer := range d.cfg.Peers() {
		if peer.IsAlive {
			continue
		}
		n, err := d.cfg.Store.ReassignDeadWorker(peer.NodeID)
		if err != nil {
			d.logger.Error().Str("node", peer.NodeID).Err(err).Msg("failed to reassign dead worker")
			continue
		}
		if n > 0 {
			d.logger.Warn().Str("node", peer.NodeID).Int("chunks", n).Msg("requeued chunks from dead worker")
		}
	}
}

func (d *Dispatcher) detectCompletion() {
	jobs, err := d.cfg.Store.ListJobs()
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list jobs")
		return
	}
	for _, job := range jobs {
		if job.State != types.JobStateActive {
			continue
		}
		done, err := d.cfg.Store.IsJobComplete(job.JobID)
		if err != nil || !done {
			continue
		}
		if err := d.cfg.Store.UpdateJobState(job.JobID, types.JobStateCompleted); err != nil {
			d.logger.Error().Str("job", job.JobID).Err(err).Msg("failed to mark job completed")
			continue
		}
		d.logger.Info().Str("job", job.JobID).Msg("job completed")
		if d.cfg.Broker != nil {
			d.cfg.Broker.Emit(events.EventJobCompleted, "job completed", map[string]string{"job_id": job.JobID})
		}
	}
}

// assign hands at most one chunk to every eligible idle candidate.
func (d *Dispatcher) assign(nowMS int64) {
	self := d.cfg.Self()
	candidates := []*types.PeerInfo{self}
	for _, peer := range d.cfg.Peers() {
		if peer.IsAlive {
			candidates = append(candidates, peer)
		}
	}

	for _, cand := range candidates {
		if cand.NodeState == types.NodeStateStopped || cand.RenderState == types.RenderStateRendering {
			continue
		}
		if d.cfg.Tracker.IsSuspended(cand.NodeID) {
			continue
		}

		chunk, manifest, err := d.cfg.Store.FindNextPendingForNode(cand.Tags, cand.NodeID)
		if err != nil {
			d.logger.Error().Str("node", cand.NodeID).Err(err).Msg("dispatch query failed")
			continue
		}
		if chunk == nil {
			continue
		}

		err = d.cfg.Store.AssignChunk(chunk.JobID, chunk.FrameStart, chunk.FrameEnd, cand.NodeID, nowMS)
		if err != nil {
			// Lost a race with a concurrent mutation; the chunk stays
			// where it is.
			d.logger.Debug().Str("job", chunk.JobID).Int("fs", chunk.FrameStart).Err(err).Msg("assign skipped")
			continue
		}

		if err := d.send(cand, self.NodeID, manifest, chunk); err != nil {
			d.logger.Warn().Str("job", chunk.JobID).Int("fs", chunk.FrameStart).
				Str("node", cand.NodeID).Err(err).Msg("dispatch send failed, reverting chunk")
			metrics.DispatchReverts.Inc()
			if rerr := d.cfg.Store.RevertChunk(chunk.JobID, chunk.FrameStart, chunk.FrameEnd); rerr != nil {
				d.logger.Error().Str("job", chunk.JobID).Err(rerr).Msg("failed to revert chunk")
			}
			continue
		}

		metrics.ChunksAssigned.Inc()
		d.logger.Info().Str("job", chunk.JobID).Int("fs", chunk.FrameStart).Int("fe", chunk.FrameEnd).
			Str("node", cand.NodeID).Msg("chunk assigned")
		if d.cfg.Broker != nil {
			d.cfg.Broker.Emit(events.EventChunkAssigned, "chunk assigned", map[string]string{
				"job_id": chunk.JobID, "node_id": cand.NodeID,
			})
		}
	}
}

func (d *Dispatcher) send(cand *types.PeerInfo, selfID string, manifest *types.Manifest, chunk *types.Chunk) error {
	if cand.NodeID == selfID {
		return d.cfg.LocalAssign(manifest, chunk.FrameStart, chunk.FrameEnd)
	}
	return d.cfg.SendAssign(cand.Endpoint(), &types.AssignRequest{
		Manifest:   *manifest,
		FrameStart: chunk.FrameStart,
		FrameEnd:   chunk.FrameEnd,
	})
}

// maybeSnapshot copies the store to a local temp file on the tick
// thread, then moves it onto the shared filesystem in the background so
// a slow network mount never stalls dispatch.
func (d *Dispatcher) maybeSnapshot(nowMS int64) {
	if d.cfg.SnapshotPath == "" {
		return
	}
	if nowMS-d.lastSnapshotMS < snapshotIntervalMS {
		return
	}
	d.lastSnapshotMS = nowMS

	timer := metrics.NewTimer()
	tmp := filepath.Join(d.cfg.ScratchDir, fmt.Sprintf("snapshot-%d.db", nowMS))
	if err := d.cfg.Store.SnapshotTo(tmp); err != nil {
		d.logger.Error().Err(err).Msg("snapshot failed")
		return
	}
	timer.ObserveDuration(metrics.SnapshotDuration)

	d.snapshotWG.Add(1)
	go func() {
		defer d.snapshotWG.Done()
		if err := moveFile(tmp, d.cfg.SnapshotPath); err != nil {
			d.logger.Warn().Err(err).Msg("failed to publish snapshot, will retry next interval")
			os.Remove(tmp)
		}
	}()
}

// moveFile renames src onto dst, falling back to copy-then-rename when
// the two live on different filesystems. Readers of dst only ever see a
// complete file.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	staging := dst + ".tmp"
	out, err := os.Create(staging)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staging)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(staging)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(staging)
		return err
	}
	if err := os.Rename(staging, dst); err != nil {
		os.Remove(staging)
		return err
	}
	return os.Remove(src)
}

// Resubmit clones an existing job's manifest under a fresh versioned id
// and queues it as a new submission. "shot-010" resubmits as
// "shot-010-v2", then "shot-010-v3", and so on.
func (d *Dispatcher) Resubmit(jobID string, nowMS int64) (string, error) {
	job, err := d.cfg.Store.GetJob(jobID)
	if err != nil {
		return "", err
	}

	base := stripVersionSuffix(jobID)
	newID := ""
	for v := 2; ; v++ {
		candidate := fmt.Sprintf("%s-v%d", base, v)
		_, err := d.cfg.Store.GetJob(candidate)
		if errors.Is(err, types.ErrNotFound) {
			newID = candidate
			break
		}
		if err != nil {
			return "", err
		}
	}

	manifest := job.Manifest
	manifest.JobID = newID
	manifest.SubmittedAtMS = nowMS
	d.EnqueueSubmission(manifest, job.Priority)
	return newID, nil
}

func stripVersionSuffix(jobID string) string {
	idx := strings.LastIndex(jobID, "-v")
	if idx <= 0 {
		return jobID
	}
	if _, err := strconv.Atoi(jobID[idx+2:]); err != nil {
		return jobID
	}
	return jobID[:idx]
}
