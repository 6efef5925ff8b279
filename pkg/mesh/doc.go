// Package mesh is the HTTP surface of the inter-node protocol.
//
// Every node serves the same routes; what differs is gating. Job and
// report endpoints require the receiving node to be the ready leader
// and otherwise answer 503 with the elected leader's endpoint so
// callers can redirect. The assignment endpoint is the worker's
// acceptance gate: stopped nodes answer 409 stopped, busy nodes 409
// busy, and the leader re-offers the chunk elsewhere.
//
// The server reaches the rest of the node only through the functions
// in Config, never through a farm back-pointer. All handlers are
// stateless; there are no sessions.
package mesh
