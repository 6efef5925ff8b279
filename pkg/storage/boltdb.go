package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/midrender/midrender/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs   = []byte("jobs")
	bucketChunks = []byte("chunks") // nested: one sub-bucket per job_id
	bucketMeta   = []byte("meta")
)

const schemaVersion = 1

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a store at the given path. The path
// is explicit rather than a data directory because leader failover
// restores snapshots into caller-chosen local files.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketChunks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if meta.Get([]byte("schema_version")) == nil {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], schemaVersion)
			return meta.Put([]byte("schema_version"), v[:])
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// frameKey encodes a frame_start so byte order matches numeric order.
func frameKey(frameStart int) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(int64(frameStart))^(1<<63))
	return k[:]
}

// Job operations

func (s *BoltStore) InsertJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.JobID)) != nil {
			return fmt.Errorf("job %s: %w", job.JobID, types.ErrAlreadyExists)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.JobID), data)
	})
}

func (s *BoltStore) GetJob(jobID string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJob(tx, jobID, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func getJob(tx *bolt.Tx, jobID string, job *types.Job) error {
	data := tx.Bucket(bucketJobs).Get([]byte(jobID))
	if data == nil {
		return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
	}
	return json.Unmarshal(data, job)
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobSummaries() ([]*types.JobSummary, error) {
	var summaries []*types.JobSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}

			summary := &types.JobSummary{
				JobID:         job.JobID,
				State:         job.State,
				Priority:      job.Priority,
				SubmittedAtMS: job.SubmittedAtMS,
				FrameStart:    job.Manifest.FrameStart,
				FrameEnd:      job.Manifest.FrameEnd,
			}

			if jb := chunks.Bucket([]byte(job.JobID)); jb != nil {
				err := jb.ForEach(func(_, cv []byte) error {
					var chunk types.Chunk
					if err := json.Unmarshal(cv, &chunk); err != nil {
						return err
					}
					summary.Chunks.Total++
					switch chunk.State {
					case types.ChunkStatePending:
						summary.Chunks.Pending++
					case types.ChunkStateAssigned:
						summary.Chunks.Rendering++
					case types.ChunkStateCompleted:
						summary.Chunks.Completed++
					case types.ChunkStateFailed:
						summary.Chunks.Failed++
					}
					summary.CompletedFrames += len(chunk.CompletedFrames)
					return nil
				})
				if err != nil {
					return err
				}
			}

			summaries = append(summaries, summary)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Stable listing order: most urgent first, then oldest first.
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Priority != summaries[j].Priority {
			return summaries[i].Priority < summaries[j].Priority
		}
		return summaries[i].SubmittedAtMS < summaries[j].SubmittedAtMS
	})
	return summaries, nil
}

func (s *BoltStore) UpdateJobState(jobID string, state types.JobState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.Job
		if err := getJob(tx, jobID, &job); err != nil {
			return err
		}
		job.State = state
		return putJob(tx, &job)
	})
}

func (s *BoltStore) UpdateJobPriority(jobID string, priority int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.Job
		if err := getJob(tx, jobID, &job); err != nil {
			return err
		}
		job.Priority = priority
		return putJob(tx, &job)
	})
}

func putJob(tx *bolt.Tx, job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(job.JobID), data)
}

// DeleteJob removes the job row and its chunk sub-bucket in one
// transaction (cascade delete).
func (s *BoltStore) DeleteJob(jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(jobID)) == nil {
			return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
		}
		if err := tx.Bucket(bucketJobs).Delete([]byte(jobID)); err != nil {
			return err
		}
		chunks := tx.Bucket(bucketChunks)
		if chunks.Bucket([]byte(jobID)) != nil {
			return chunks.DeleteBucket([]byte(jobID))
		}
		return nil
	})
}

func (s *BoltStore) IsJobComplete(jobID string) (bool, error) {
	complete := true
	err := s.db.View(func(tx *bolt.Tx) error {
		jb := tx.Bucket(bucketChunks).Bucket([]byte(jobID))
		if jb == nil {
			return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
		}
		return jb.ForEach(func(_, v []byte) error {
			var chunk types.Chunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			if chunk.State != types.ChunkStateCompleted && chunk.State != types.ChunkStateFailed {
				complete = false
			}
			return nil
		})
	})
	return complete, err
}

// Chunk operations

// InsertChunks creates the chunk rows for a job, all or none. Chunks
// are keyed by frame_start so cursor order is dispatch order.
func (s *BoltStore) InsertChunks(jobID string, ranges []types.FrameRange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jb, err := tx.Bucket(bucketChunks).CreateBucketIfNotExists([]byte(jobID))
		if err != nil {
			return fmt.Errorf("failed to create chunk bucket for %s: %w", jobID, err)
		}

		for _, r := range ranges {
			id, err := jb.NextSequence()
			if err != nil {
				return err
			}
			chunk := types.Chunk{
				ID:         id,
				JobID:      jobID,
				FrameStart: r.Start,
				FrameEnd:   r.End,
				State:      types.ChunkStatePending,
			}
			data, err := json.Marshal(&chunk)
			if err != nil {
				return err
			}
			if err := jb.Put(frameKey(r.Start), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetChunks(jobID string) ([]*types.Chunk, error) {
	var chunks []*types.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		jb := tx.Bucket(bucketChunks).Bucket([]byte(jobID))
		if jb == nil {
			return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
		}
		c := jb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var chunk types.Chunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			chunks = append(chunks, &chunk)
		}
		return nil
	})
	return chunks, err
}

// FindNextPendingForNode walks active jobs in (priority asc,
// submitted_at asc) order and returns the first pending chunk whose
// job's required tags are covered by the node's tags and whose
// blacklist does not contain the node. Returns (nil, nil, nil) when no
// eligible chunk exists.
func (s *BoltStore) FindNextPendingForNode(nodeTags []string, nodeID string) (*types.Chunk, *types.Manifest, error) {
	var foundChunk *types.Chunk
	var foundManifest *types.Manifest

	err := s.db.View(func(tx *bolt.Tx) error {
		var jobs []*types.Job
		err := tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State == types.JobStateActive {
				jobs = append(jobs, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(jobs, func(i, j int) bool {
			if jobs[i].Priority != jobs[j].Priority {
				return jobs[i].Priority < jobs[j].Priority
			}
			if jobs[i].SubmittedAtMS != jobs[j].SubmittedAtMS {
				return jobs[i].SubmittedAtMS < jobs[j].SubmittedAtMS
			}
			return jobs[i].JobID < jobs[j].JobID
		})

		chunks := tx.Bucket(bucketChunks)
		for _, job := range jobs {
			if !types.TagsSubset(job.Manifest.TagsRequired, nodeTags) {
				continue
			}
			jb := chunks.Bucket([]byte(job.JobID))
			if jb == nil {
				continue
			}
			c := jb.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var chunk types.Chunk
				if err := json.Unmarshal(v, &chunk); err != nil {
					return err
				}
				if chunk.State != types.ChunkStatePending {
					continue
				}
				if types.HasTag(chunk.FailedOn, nodeID) {
					continue
				}
				foundChunk = &chunk
				manifest := job.Manifest
				foundManifest = &manifest
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return foundChunk, foundManifest, nil
}

// mutateChunk loads the chunk at (jobID, frameStart), verifies the
// frame_end matches, applies fn, and writes it back.
func (s *BoltStore) mutateChunk(jobID string, frameStart, frameEnd int, fn func(*types.Chunk) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jb := tx.Bucket(bucketChunks).Bucket([]byte(jobID))
		if jb == nil {
			return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
		}
		key := frameKey(frameStart)
		data := jb.Get(key)
		if data == nil {
			return fmt.Errorf("chunk %s %d-%d: %w", jobID, frameStart, frameEnd, types.ErrNotFound)
		}
		var chunk types.Chunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return err
		}
		if chunk.FrameEnd != frameEnd {
			return fmt.Errorf("chunk %s %d-%d: %w", jobID, frameStart, frameEnd, types.ErrNotFound)
		}
		if err := fn(&chunk); err != nil {
			return err
		}
		out, err := json.Marshal(&chunk)
		if err != nil {
			return err
		}
		return jb.Put(key, out)
	})
}

// AssignChunk conditionally transitions pending → assigned.
func (s *BoltStore) AssignChunk(jobID string, frameStart, frameEnd int, nodeID string, nowMS int64) error {
	return s.mutateChunk(jobID, frameStart, frameEnd, func(chunk *types.Chunk) error {
		if chunk.State != types.ChunkStatePending {
			return fmt.Errorf("chunk %s %d-%d is %s: %w", jobID, frameStart, frameEnd, chunk.State, types.ErrConflict)
		}
		chunk.State = types.ChunkStateAssigned
		chunk.AssignedTo = nodeID
		chunk.AssignedAtMS = nowMS
		return nil
	})
}

// CompleteChunk conditionally transitions assigned → completed. The
// completed frame set snaps to the full range.
func (s *BoltStore) CompleteChunk(jobID string, frameStart, frameEnd int, nowMS int64) error {
	return s.mutateChunk(jobID, frameStart, frameEnd, func(chunk *types.Chunk) error {
		if chunk.State != types.ChunkStateAssigned {
			return fmt.Errorf("chunk %s %d-%d is %s: %w", jobID, frameStart, frameEnd, chunk.State, types.ErrConflict)
		}
		chunk.State = types.ChunkStateCompleted
		chunk.CompletedAtMS = nowMS
		chunk.CompletedFrames = make([]int, 0, frameEnd-frameStart+1)
		for f := frameStart; f <= frameEnd; f++ {
			chunk.CompletedFrames = append(chunk.CompletedFrames, f)
		}
		return nil
	})
}

// FailChunk records a failure from a node: the node joins the chunk's
// blacklist (idempotent), the retry counter advances, and the chunk
// either rejoins the pending queue or goes terminal when the retry
// budget is spent. Returns true when the chunk went terminal.
func (s *BoltStore) FailChunk(jobID string, frameStart, frameEnd, maxRetries int, failingNodeID string) (bool, error) {
	var terminal bool
	err := s.mutateChunk(jobID, frameStart, frameEnd, func(chunk *types.Chunk) error {
		if !types.HasTag(chunk.FailedOn, failingNodeID) {
			chunk.FailedOn = append(chunk.FailedOn, failingNodeID)
			sort.Strings(chunk.FailedOn)
		}
		chunk.RetryCount++
		chunk.AssignedTo = ""
		chunk.AssignedAtMS = 0
		if chunk.RetryCount < maxRetries {
			chunk.State = types.ChunkStatePending
		} else {
			chunk.State = types.ChunkStateFailed
			chunk.RetryCount = maxRetries
			terminal = true
		}
		return nil
	})
	return terminal, err
}

// RevertChunk undoes an assignment that never reached the worker:
// assigned → pending with cleared assignment. Unlike FailChunk it does
// not touch the blacklist or the retry counter, so an unreachable peer
// is not penalized for a network error.
func (s *BoltStore) RevertChunk(jobID string, frameStart, frameEnd int) error {
	return s.mutateChunk(jobID, frameStart, frameEnd, func(chunk *types.Chunk) error {
		if chunk.State != types.ChunkStateAssigned {
			return fmt.Errorf("chunk %s %d-%d is %s: %w", jobID, frameStart, frameEnd, chunk.State, types.ErrConflict)
		}
		chunk.State = types.ChunkStatePending
		chunk.AssignedTo = ""
		chunk.AssignedAtMS = 0
		return nil
	})
}

// ReassignDeadWorker returns every assigned chunk of the given node to
// the pending queue. Retry counters are untouched: a worker crash is
// not a work failure.
func (s *BoltStore) ReassignDeadWorker(nodeID string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		return chunks.ForEachBucket(func(jobKey []byte) error {
			jb := chunks.Bucket(jobKey)
			c := jb.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var chunk types.Chunk
				if err := json.Unmarshal(v, &chunk); err != nil {
					return err
				}
				if chunk.State != types.ChunkStateAssigned || chunk.AssignedTo != nodeID {
					continue
				}
				chunk.State = types.ChunkStatePending
				chunk.AssignedTo = ""
				chunk.AssignedAtMS = 0
				out, err := json.Marshal(&chunk)
				if err != nil {
					return err
				}
				if err := jb.Put(k, out); err != nil {
					return err
				}
				count++
			}
			return nil
		})
	})
	return count, err
}

// AddCompletedFrames records progressive frame completions: each frame
// is inserted (idempotent, sorted) into its containing chunk's set.
// One transaction per call.
func (s *BoltStore) AddCompletedFrames(jobID string, frames []int) error {
	if len(frames) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		jb := tx.Bucket(bucketChunks).Bucket([]byte(jobID))
		if jb == nil {
			return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
		}

		c := jb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var chunk types.Chunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}

			changed := false
			for _, frame := range frames {
				if frame < chunk.FrameStart || frame > chunk.FrameEnd {
					continue
				}
				idx := sort.SearchInts(chunk.CompletedFrames, frame)
				if idx < len(chunk.CompletedFrames) && chunk.CompletedFrames[idx] == frame {
					continue
				}
				chunk.CompletedFrames = append(chunk.CompletedFrames, 0)
				copy(chunk.CompletedFrames[idx+1:], chunk.CompletedFrames[idx:])
				chunk.CompletedFrames[idx] = frame
				changed = true
			}
			if !changed {
				continue
			}

			out, err := json.Marshal(&chunk)
			if err != nil {
				return err
			}
			if err := jb.Put(k, out); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetAllChunks requeues the entire job: every chunk back to pending
// with cleared assignment, retries, blacklist, and frame progress.
func (s *BoltStore) ResetAllChunks(jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jb := tx.Bucket(bucketChunks).Bucket([]byte(jobID))
		if jb == nil {
			return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
		}
		c := jb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var chunk types.Chunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			chunk.State = types.ChunkStatePending
			chunk.AssignedTo = ""
			chunk.AssignedAtMS = 0
			chunk.CompletedAtMS = 0
			chunk.RetryCount = 0
			chunk.CompletedFrames = nil
			chunk.FailedOn = nil
			out, err := json.Marshal(&chunk)
			if err != nil {
				return err
			}
			if err := jb.Put(k, out); err != nil {
				return err
			}
		}
		return nil
	})
}

// RetryFailedChunks gives terminal-failed chunks a fresh retry budget
// and reactivates the job. The blacklist survives so nodes that failed
// the chunk before still never see it again.
func (s *BoltStore) RetryFailedChunks(jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.Job
		if err := getJob(tx, jobID, &job); err != nil {
			return err
		}

		jb := tx.Bucket(bucketChunks).Bucket([]byte(jobID))
		if jb == nil {
			return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
		}
		c := jb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var chunk types.Chunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			if chunk.State != types.ChunkStateFailed {
				continue
			}
			chunk.State = types.ChunkStatePending
			chunk.RetryCount = 0
			chunk.CompletedFrames = nil
			chunk.AssignedTo = ""
			chunk.AssignedAtMS = 0
			chunk.CompletedAtMS = 0
			out, err := json.Marshal(&chunk)
			if err != nil {
				return err
			}
			if err := jb.Put(k, out); err != nil {
				return err
			}
		}

		job.State = types.JobStateActive
		return putJob(tx, &job)
	})
}
