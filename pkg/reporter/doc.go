// Package reporter pumps the worker's render results to the leader.
//
// Chunk reports flush every iteration, one POST per report; frame
// reports accumulate for two seconds and go out batched per job. Any
// failed leader call arms a five second cooldown during which nothing
// is sent and the unsent tail is prepended back to the buffer, so the
// leader always observes a chunk's reports in generation order.
//
// When the local node is itself the leader the HTTP hop is skipped and
// reports are applied straight to the dispatcher's queues. One-off
// control requests (job pause, cancel, unsuspend and friends) ride the
// same loop with optional completion callbacks.
package reporter
