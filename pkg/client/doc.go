// Package client implements the HTTP side of the mesh protocol: one
// method per endpoint, JSON bodies, and hard timeout budgets so a dead
// peer costs at most the connect timeout.
//
// Peer-reported protocol errors (busy, stopped, not_leader) come back
// as the sentinel errors in pkg/types so callers can branch with
// errors.Is; plain network failures map to ErrUnreachable.
package client
