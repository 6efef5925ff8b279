// Package render runs assigned chunks on the local node.
//
// The Queue enforces the one-chunk-at-a-time rule: an assignment
// arriving while a render is in flight gets ErrBusy and the leader
// re-offers the chunk elsewhere. Results leave through hooks so the
// queue knows nothing about reporting or the mesh.
//
// CommandExecutor is the default Executor: it decodes the manifest's
// opaque command descriptor, substitutes frame placeholders, runs the
// child process under the manifest timeout, and tees stdout to the
// shared filesystem where any node can read it. Args containing
// {frame} switch it to a per-frame loop with progressive frame
// reporting.
package render
