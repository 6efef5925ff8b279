package types

import "errors"

// Sentinel errors shared across component boundaries. Handlers map them
// to protocol responses; internal callers test them with errors.Is.
var (
	// ErrAlreadyExists means an insert collided on a primary key.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotLeader means a leader-only request reached a follower.
	ErrNotLeader = errors.New("not leader")

	// ErrBusy means an assignment was rejected because the node is
	// already rendering.
	ErrBusy = errors.New("busy")

	// ErrStopped means an assignment was rejected because the node is
	// stopped.
	ErrStopped = errors.New("stopped")

	// ErrUnreachable means a peer HTTP call failed at the network layer.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrConflict means a conditional state transition found the row in
	// an unexpected state, e.g. assigning a chunk that is not pending.
	ErrConflict = errors.New("state conflict")
)
