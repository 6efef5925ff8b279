// Package dispatch implements the leader-only scheduling loop.
//
// The Dispatcher never owns a goroutine; the farm's main loop calls
// Tick and the dispatcher throttles itself to a 2 second cadence. One
// tick drains the inbound queues (submissions, chunk completions,
// chunk failures, frame reports), requeues work held by dead peers,
// marks finished jobs, and hands at most one chunk to every eligible
// idle node. The phase order is fixed so that a failure drained this
// tick is blacklisted before assignment runs.
//
// Assignments reach remote workers over HTTP and the local node
// through a direct queue hand-off. A send that never reaches the
// worker reverts the chunk without consuming its retry budget.
//
// Every 30 seconds the store is snapshotted to local scratch and moved
// onto the shared filesystem in the background, which is what a newly
// elected leader restores from.
//
// The FailureTracker sits beside the loop: nodes whose recent failure
// density crosses the threshold stop receiving work until an operator
// clears them.
package dispatch
