/*
Package storage provides BoltDB-backed persistence for jobs and chunks.

The Store interface is the single source of dispatch truth; the live
handle is owned exclusively by the current leader and closed on
leadership loss. BoltStore implements it with three buckets:

  - jobs: job_id → job row (JSON)
  - chunks: one nested bucket per job_id, keyed by frame_start encoded
    big-endian so cursor order is frame order; deleting a job deletes
    its bucket (cascade)
  - meta: schema version

All state transitions are conditional updates inside a single write
transaction, so concurrent assignment attempts on the same pending
chunk serialize and exactly one wins. Conditional failures surface as
types.ErrConflict; missing rows as types.ErrNotFound.

# Failover

SnapshotTo produces an online copy via bbolt's Tx.WriteTo inside a
read transaction, staged and renamed so a concurrent reader of the
destination never sees a partial file. RestoreFrom copies a snapshot
to a private local path, opens it, and runs Integrity (full decode
walk of both buckets) before handing the store back; the shared
snapshot file itself is never opened as a database.
*/
package storage
