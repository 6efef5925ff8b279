package peers

import (
	"testing"
	"time"

	"github.com/midrender/midrender/pkg/events"
	"github.com/midrender/midrender/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfInfo(nodeID string, tags ...string) SelfFunc {
	return func() *types.PeerInfo {
		return &types.PeerInfo{
			NodeID:      nodeID,
			IP:          "10.0.0.1",
			HTTPPort:    8420,
			Tags:        tags,
			NodeState:   types.NodeStateActive,
			RenderState: types.RenderStateIdle,
		}
	}
}

func alivePeer(nodeID string, tags ...string) Update {
	return Update{
		Kind:   UpdateHTTPStatus,
		NodeID: nodeID,
		Info: &types.PeerInfo{
			NodeID:   nodeID,
			IP:       "10.0.0.2",
			HTTPPort: 8420,
			Tags:     tags,
		},
		NowMS: 1000,
	}
}

func TestElectionLowestNodeIDWins(t *testing.T) {
	r := NewRegistry(selfInfo("bbb"), nil)
	r.Apply(alivePeer("ccc"))
	r.Apply(alivePeer("aaa"))

	r.RecomputeLeader()

	assert.Equal(t, "aaa", r.LeaderID())
	assert.False(t, r.IsLeader())
}

func TestElectionLeaderTagBias(t *testing.T) {
	r := NewRegistry(selfInfo("aaa"), nil)
	r.Apply(alivePeer("zzz", "leader"))

	r.RecomputeLeader()

	assert.Equal(t, "zzz", r.LeaderID())
}

func TestElectionNoLeaderTagBias(t *testing.T) {
	r := NewRegistry(selfInfo("aaa", "noleader"), nil)
	r.Apply(alivePeer("zzz"))

	r.RecomputeLeader()

	assert.Equal(t, "zzz", r.LeaderID())

	// All candidates tagged noleader: one of them still wins.
	r2 := NewRegistry(selfInfo("aaa", "noleader"), nil)
	r2.Apply(alivePeer("zzz", "noleader"))
	r2.RecomputeLeader()
	assert.Equal(t, "aaa", r2.LeaderID())
}

func TestElectionDeterministic(t *testing.T) {
	// Every node computes the same winner from the same candidate set.
	ids := []string{"n1", "n2", "n3"}
	var winners []string
	for _, selfID := range ids {
		r := NewRegistry(selfInfo(selfID), nil)
		for _, other := range ids {
			if other != selfID {
				r.Apply(alivePeer(other))
			}
		}
		r.RecomputeLeader()
		winners = append(winners, r.LeaderID())
	}

	assert.Equal(t, winners[0], winners[1])
	assert.Equal(t, winners[1], winners[2])
}

func TestElectionExcludesDeadPeers(t *testing.T) {
	r := NewRegistry(selfInfo("bbb"), nil)
	r.Apply(alivePeer("aaa"))
	r.RecomputeLeader()
	require.Equal(t, "aaa", r.LeaderID())

	for i := 0; i < maxFailedPolls; i++ {
		r.Apply(Update{Kind: UpdateHTTPFailure, NodeID: "aaa", NowMS: 2000})
	}
	r.RecomputeLeader()

	assert.Equal(t, "bbb", r.LeaderID())
	assert.True(t, r.IsLeader())
}

func TestLeaderChangeCallback(t *testing.T) {
	r := NewRegistry(selfInfo("bbb"), nil)

	var transitions []bool
	r.OnLeaderChange(func(isLeader bool, leaderID string) {
		transitions = append(transitions, isLeader)
	})

	r.RecomputeLeader() // alone: becomes leader
	r.Apply(alivePeer("aaa"))
	r.RecomputeLeader() // aaa takes over
	r.RecomputeLeader() // no change, no callback

	assert.Equal(t, []bool{true, false}, transitions)
}

func TestLivenessThreeStrikes(t *testing.T) {
	r := NewRegistry(selfInfo("self"), nil)
	r.Apply(alivePeer("peer"))

	r.Apply(Update{Kind: UpdateHTTPFailure, NodeID: "peer"})
	r.Apply(Update{Kind: UpdateHTTPFailure, NodeID: "peer"})
	peer, ok := r.Get("peer")
	require.True(t, ok)
	assert.True(t, peer.IsAlive)

	r.Apply(Update{Kind: UpdateHTTPFailure, NodeID: "peer"})
	peer, _ = r.Get("peer")
	assert.False(t, peer.IsAlive)

	// A successful poll resurrects the peer and resets the counter.
	r.Apply(alivePeer("peer"))
	peer, _ = r.Get("peer")
	assert.True(t, peer.IsAlive)
	assert.Zero(t, peer.FailedPolls)
}

func TestResurrectionAnnouncesPeerAlive(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	r := NewRegistry(selfInfo("self"), broker)
	r.Apply(alivePeer("peer"))
	for i := 0; i < maxFailedPolls; i++ {
		r.Apply(Update{Kind: UpdateHTTPFailure, NodeID: "peer"})
	}
	r.Apply(alivePeer("peer"))

	var seen []events.EventType
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-sub:
			seen = append(seen, ev.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for liveness events, got %v", seen)
		}
	}
	assert.Equal(t, []events.EventType{events.EventPeerDead, events.EventPeerAlive}, seen)
}

func TestGoodbyeKillsImmediately(t *testing.T) {
	r := NewRegistry(selfInfo("self"), nil)
	r.Apply(alivePeer("peer"))

	r.Apply(Update{Kind: UpdateUDPGoodbye, NodeID: "peer", NowMS: 2000})

	peer, _ := r.Get("peer")
	assert.False(t, peer.IsAlive)
}

func TestHTTPStatusPreservesRuntimeFields(t *testing.T) {
	r := NewRegistry(selfInfo("self"), nil)
	r.Apply(alivePeer("peer"))
	r.Apply(Update{
		Kind:   UpdateUDPHeartbeat,
		NodeID: "peer",
		Heartbeat: &Heartbeat{
			T: "hb", NodeID: "peer", State: "active", Render: "rendering", Job: "shot-010",
		},
		NowMS: 5000,
	})

	// Full status merge must not clear the UDP side-channel markers.
	r.Apply(alivePeer("peer"))

	peer, _ := r.Get("peer")
	assert.True(t, peer.HasUDPContact)
	assert.Equal(t, int64(5000), peer.LastUDPContactMS)
}

func TestPollCandidatesSkipsFreshUDP(t *testing.T) {
	r := NewRegistry(selfInfo("self"), nil)
	r.Apply(alivePeer("udp-peer"))
	r.Apply(alivePeer("plain-peer"))
	r.Apply(Update{
		Kind:      UpdateUDPHeartbeat,
		NodeID:    "udp-peer",
		Heartbeat: &Heartbeat{T: "hb", NodeID: "udp-peer"},
		NowMS:     10000,
	})

	// Fresh UDP contact and a prior successful poll: skipped.
	candidates := r.PollCandidates(12000)
	require.Len(t, candidates, 1)
	assert.Equal(t, "plain-peer", candidates[0].NodeID)

	// Past the freshness window: polled again.
	candidates = r.PollCandidates(10000 + udpFreshMS)
	assert.Len(t, candidates, 2)
}

func TestPollCandidatesClearsStaleUDPContact(t *testing.T) {
	r := NewRegistry(selfInfo("self"), nil)
	r.Apply(alivePeer("peer"))
	r.Apply(Update{
		Kind:      UpdateUDPHeartbeat,
		NodeID:    "peer",
		Heartbeat: &Heartbeat{T: "hb", NodeID: "peer"},
		NowMS:     1000,
	})

	_ = r.PollCandidates(1000 + udpSilenceMS + 1)

	peer, _ := r.Get("peer")
	assert.False(t, peer.HasUDPContact)
}

func TestPollCandidatesAlwaysPollsNeverSeenPeers(t *testing.T) {
	r := NewRegistry(selfInfo("self"), nil)
	// Discovered but never polled: last_seen is zero, UDP contact fresh.
	r.Apply(Update{
		Kind:   UpdateDiscovered,
		NodeID: "peer",
		Info:   &types.PeerInfo{NodeID: "peer", IP: "10.0.0.9", HTTPPort: 8420},
	})
	r.Apply(Update{
		Kind:      UpdateUDPHeartbeat,
		NodeID:    "peer",
		Heartbeat: &Heartbeat{T: "hb", NodeID: "peer"},
		NowMS:     1000,
	})

	candidates := r.PollCandidates(2000)
	assert.Len(t, candidates, 1)
}

func TestUDPHeartbeatRegistersUnknownPeer(t *testing.T) {
	r := NewRegistry(selfInfo("self"), nil)
	r.Apply(Update{
		Kind:   UpdateUDPHeartbeat,
		NodeID: "new-peer",
		Heartbeat: &Heartbeat{
			T: "hb", NodeID: "new-peer", IP: "10.0.0.7", Port: 8421,
			State: "active", Render: "idle", Pri: 50,
		},
		NowMS: 1000,
	})

	peer, ok := r.Get("new-peer")
	require.True(t, ok)
	assert.True(t, peer.IsAlive)
	assert.Equal(t, "10.0.0.7", peer.IP)
	assert.Equal(t, 8421, peer.HTTPPort)
	assert.Equal(t, types.RenderStateIdle, peer.RenderState)
	assert.Equal(t, 50, peer.Priority)
}

func TestPurge(t *testing.T) {
	r := NewRegistry(selfInfo("self"), nil)
	r.Apply(alivePeer("peer"))
	r.Purge("peer")
	assert.False(t, r.Known("peer"))
	assert.Empty(t, r.Peers())
}

func TestLeaderEndpoint(t *testing.T) {
	r := NewRegistry(selfInfo("zzz"), nil)
	r.Apply(alivePeer("aaa"))
	r.RecomputeLeader()

	assert.Equal(t, "10.0.0.2:8420", r.LeaderEndpoint())

	// Local leader: no remote endpoint to report.
	r2 := NewRegistry(selfInfo("aaa"), nil)
	r2.RecomputeLeader()
	assert.Empty(t, r2.LeaderEndpoint())
}
