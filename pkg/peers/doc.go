// Package peers implements the discovery plane: who is on the farm,
// who is alive, and who leads.
//
// Discovery runs on three channels. The shared filesystem is the
// rendezvous: every node publishes nodes/<id>/endpoint.json under the
// farm root and scans the directory for others. HTTP status polls are
// the authoritative liveness signal; three consecutive failures mark a
// peer dead. The UDP broadcast channel is an accelerator only: fresh
// heartbeats let the poller skip a peer, and a goodbye datagram kills
// it instantly, but UDP silence never kills anything on its own.
//
// Leadership is not negotiated. Every node sorts the alive candidate
// set the same way (leader-tagged first, noleader-tagged last, lowest
// node id breaking ties) and independently arrives at the same winner.
// The Registry fires OnLeaderChange when the local node gains or loses
// the role; the farm layer reacts by starting or stopping the
// dispatcher.
package peers
