package dispatch

import (
	"sort"
	"sync"
)

const (
	// suspendThreshold is the failure count within the window at which a
	// node stops receiving work.
	suspendThreshold = 5

	// suspendWindowMS bounds how old the earliest counted failure may be.
	suspendWindowMS = 300000
)

type failureRecord struct {
	count     int
	firstMS   int64
	lastMS    int64
	suspended bool
}

// FailureTracker counts dispatch failures per node over a sliding
// window. A node that fails too often in too short a span is suspended
// and excluded from assignment until an operator clears it. State is
// memory-only; a leader change starts everyone fresh.
type FailureTracker struct {
	mu    sync.Mutex
	nodes map[string]*failureRecord
}

func NewFailureTracker() *FailureTracker {
	return &FailureTracker{nodes: make(map[string]*failureRecord)}
}

// RecordFailure counts one failure for the node and reports whether
// this call crossed the suspension threshold.
func (t *FailureTracker) RecordFailure(nodeID string, nowMS int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.nodes[nodeID]
	if !ok {
		t.nodes[nodeID] = &failureRecord{count: 1, firstMS: nowMS, lastMS: nowMS}
		return false
	}

	if !rec.suspended && nowMS-rec.firstMS > suspendWindowMS {
		// The window has slid past the earliest failure; start counting
		// again from this one.
		rec.count = 1
		rec.firstMS = nowMS
		rec.lastMS = nowMS
		return false
	}

	rec.count++
	rec.lastMS = nowMS
	if !rec.suspended && rec.count >= suspendThreshold {
		rec.suspended = true
		return true
	}
	return false
}

// IsSuspended reports whether the node is currently excluded from
// dispatch.
func (t *FailureTracker) IsSuspended(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.nodes[nodeID]
	return ok && rec.suspended
}

// Clear forgets everything recorded about one node.
func (t *FailureTracker) Clear(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

// ClearAll resets the tracker.
func (t *FailureTracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[string]*failureRecord)
}

// Suspended returns the sorted node ids currently suspended.
func (t *FailureTracker) Suspended() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for nodeID, rec := range t.nodes {
		if rec.suspended {
			out = append(out, nodeID)
		}
	}
	sort.Strings(out)
	return out
}

// SuspendedCount returns how many nodes are suspended.
func (t *FailureTracker) SuspendedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, rec := range t.nodes {
		if rec.suspended {
			n++
		}
	}
	return n
}
