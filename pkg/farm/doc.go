// Package farm is the composition root of the daemon. A Farm owns the
// peer registry and discovery loops, the mesh HTTP server, the local
// render queue and its reporter, and, while this node is the elected
// leader, the job store and dispatcher.
//
// Leadership is a role, not a mode: every node carries the full
// leader code path and the registry's election decides which node has
// a live store and dispatcher at any moment. Gaining leadership
// restores the shared snapshot into a private working copy; losing it
// publishes a final snapshot and closes the store. Transitions are
// serialized so a flapping election can never interleave a restore
// with a teardown.
package farm
