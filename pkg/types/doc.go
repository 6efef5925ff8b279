/*
Package types defines the core data structures shared across the farm.

It contains the domain model for the distributed render controller:
manifests, persisted job and chunk rows, peer descriptors, wire payloads
for the mesh protocol, and the sentinel errors that cross component
boundaries.

# Core Types

Persistence:
  - Manifest: immutable description of a submitted job
  - Job: persisted job row with state and priority
  - Chunk: frame sub-range, the unit of dispatch
  - JobSummary: job row plus per-state chunk counts

Mesh:
  - PeerInfo: one node as seen by the registry; serialized form is the
    GET /api/status payload, runtime fields stay local
  - EndpointDescriptor: the nodes/<id>/endpoint.json rendezvous file
  - ChunkReport, FrameReport, SubmitRequest, AssignRequest: protocol
    bodies

# State Machines

Chunks:

	pending → assigned → completed
	              │
	              └─ fail, retries left → pending
	              └─ fail, budget spent → failed

Jobs:

	active → {paused, cancelled, completed, archived}
	paused → active

# Design Patterns

All enums are typed string constants. Wire and storage serialization is
JSON with snake_case tags matching the protocol documents. Runtime-only
peer fields carry a `json:"-"` tag so local liveness observations never
leak onto the wire.
*/
package types
