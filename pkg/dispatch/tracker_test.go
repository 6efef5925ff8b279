package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerSuspendsAtThreshold(t *testing.T) {
	tr := NewFailureTracker()

	for i := 0; i < suspendThreshold-1; i++ {
		crossed := tr.RecordFailure("node-a", int64(1000*(i+1)))
		assert.False(t, crossed)
		assert.False(t, tr.IsSuspended("node-a"))
	}

	crossed := tr.RecordFailure("node-a", 6000)
	assert.True(t, crossed)
	assert.True(t, tr.IsSuspended("node-a"))

	// Further failures do not re-report the crossing.
	assert.False(t, tr.RecordFailure("node-a", 7000))
	assert.True(t, tr.IsSuspended("node-a"))
}

func TestTrackerWindowReset(t *testing.T) {
	tr := NewFailureTracker()

	for i := 0; i < suspendThreshold-1; i++ {
		tr.RecordFailure("node-a", int64(1000*(i+1)))
	}

	// Next failure lands past the window: the count restarts at 1, so
	// the threshold is not crossed.
	late := int64(1000) + suspendWindowMS + 1
	assert.False(t, tr.RecordFailure("node-a", late))
	assert.False(t, tr.IsSuspended("node-a"))

	// From the restarted window it takes a full run of failures again.
	for i := 0; i < suspendThreshold-2; i++ {
		assert.False(t, tr.RecordFailure("node-a", late+int64(i+1)))
	}
	assert.True(t, tr.RecordFailure("node-a", late+100))
}

func TestTrackerSuspensionSticksAcrossWindow(t *testing.T) {
	tr := NewFailureTracker()
	for i := 0; i < suspendThreshold; i++ {
		tr.RecordFailure("node-a", int64(i+1))
	}
	assert.True(t, tr.IsSuspended("node-a"))

	// A failure long after the window must not quietly unsuspend.
	tr.RecordFailure("node-a", suspendWindowMS*10)
	assert.True(t, tr.IsSuspended("node-a"))
}

func TestTrackerClear(t *testing.T) {
	tr := NewFailureTracker()
	for i := 0; i < suspendThreshold; i++ {
		tr.RecordFailure("node-a", int64(i+1))
		tr.RecordFailure("node-b", int64(i+1))
	}
	assert.Equal(t, []string{"node-a", "node-b"}, tr.Suspended())
	assert.Equal(t, 2, tr.SuspendedCount())

	tr.Clear("node-a")
	assert.False(t, tr.IsSuspended("node-a"))
	assert.Equal(t, []string{"node-b"}, tr.Suspended())

	tr.ClearAll()
	assert.Zero(t, tr.SuspendedCount())
}

func TestTrackerNodesIndependent(t *testing.T) {
	tr := NewFailureTracker()
	for i := 0; i < suspendThreshold; i++ {
		tr.RecordFailure("node-a", int64(i+1))
	}
	tr.RecordFailure("node-b", 1)

	assert.True(t, tr.IsSuspended("node-a"))
	assert.False(t, tr.IsSuspended("node-b"))
}
