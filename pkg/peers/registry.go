package peers

import (
	"sort"
	"sync"

	"github.com/midrender/midrender/pkg/events"
	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// maxFailedPolls is the consecutive HTTP poll failures after which a
	// peer is considered dead.
	maxFailedPolls = 3

	// udpFreshMS is how recent a UDP heartbeat must be for the HTTP poll
	// of that peer to be skipped.
	udpFreshMS = 9000

	// udpSilenceMS is the UDP silence after which the side channel is
	// considered gone and polling resumes at full cadence.
	udpSilenceMS = 15000
)

// UpdateKind tags a registry mutation by its discovery source.
type UpdateKind string

const (
	UpdateDiscovered   UpdateKind = "discovered"
	UpdateHTTPStatus   UpdateKind = "http_status"
	UpdateHTTPFailure  UpdateKind = "http_failure"
	UpdateUDPHeartbeat UpdateKind = "udp_heartbeat"
	UpdateUDPGoodbye   UpdateKind = "udp_goodbye"
)

// Update is the single message shape all discovery sources produce.
// The filesystem scan, the HTTP poller, and the UDP receiver each build
// one and route it through Apply.
type Update struct {
	Kind      UpdateKind
	NodeID    string
	Info      *types.PeerInfo // Discovered (minimal) and HTTPStatus (full)
	Heartbeat *Heartbeat      // UDPHeartbeat only
	NowMS     int64
}

// Heartbeat is the UDP fast-path datagram payload.
type Heartbeat struct {
	T      string `json:"t"` // "hb" or "bye"
	NodeID string `json:"n"`
	IP     string `json:"ip,omitempty"`
	Port   int    `json:"port,omitempty"`
	State  string `json:"st,omitempty"`
	Render string `json:"rs,omitempty"`
	Job    string `json:"job,omitempty"`
	Chunk  string `json:"chunk,omitempty"`
	Pri    int    `json:"pri,omitempty"`
}

// SelfFunc returns the local node's current peer info. The farm owns
// the local state; the registry only needs a snapshot per election.
type SelfFunc func() *types.PeerInfo

// Registry owns the set of known peers (excluding self) and the
// derived leader. The discovery plane is the sole mutator; readers get
// snapshot copies and never hold the lock across I/O.
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]*types.PeerInfo
	leaderID string
	isLeader bool

	self   SelfFunc
	broker *events.Broker
	logger zerolog.Logger

	// onLeaderChange fires outside the lock whenever the local
	// leadership flag flips.
	onLeaderChange func(isLeader bool, leaderID string)
}

// NewRegistry creates a registry. broker may be nil.
func NewRegistry(self SelfFunc, broker *events.Broker) *Registry {
	return &Registry{
		peers:  make(map[string]*types.PeerInfo),
		self:   self,
		broker: broker,
		logger: log.WithComponent("peer"),
	}
}

// OnLeaderChange registers the leadership transition hook. Must be
// called before the discovery plane starts.
func (r *Registry) OnLeaderChange(fn func(isLeader bool, leaderID string)) {
	r.onLeaderChange = fn
}

// Apply routes one discovery update into the peer map.
func (r *Registry) Apply(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch u.Kind {
	case UpdateDiscovered:
		r.applyDiscovered(u)
	case UpdateHTTPStatus:
		r.applyHTTPStatus(u)
	case UpdateHTTPFailure:
		r.applyHTTPFailure(u)
	case UpdateUDPHeartbeat:
		r.applyUDPHeartbeat(u)
	case UpdateUDPGoodbye:
		r.applyUDPGoodbye(u)
	}
}

func (r *Registry) applyDiscovered(u Update) {
	if _, known := r.peers[u.NodeID]; known {
		return
	}
	info := *u.Info
	info.LastSeenMS = 0
	r.peers[u.NodeID] = &info
	r.logger.Info().Str("peer", u.NodeID).Str("endpoint", info.Endpoint()).Msg("peer discovered")
	if r.broker != nil {
		r.broker.Emit(events.EventPeerFound, "peer discovered", map[string]string{"node_id": u.NodeID})
	}
}

// applyHTTPStatus merges a successful poll response, preserving the
// locally-maintained runtime fields.
func (r *Registry) applyHTTPStatus(u Update) {
	peer, known := r.peers[u.NodeID]
	wasDead := false
	if !known {
		info := *u.Info
		peer = &info
		r.peers[u.NodeID] = peer
	} else {
		runtime := *peer
		wasDead = !runtime.IsAlive && runtime.LastSeenMS > 0
		*peer = *u.Info
		peer.IsLeader = runtime.IsLeader
		peer.HasUDPContact = runtime.HasUDPContact
		peer.LastUDPContactMS = runtime.LastUDPContactMS
	}
	peer.IsAlive = true
	peer.FailedPolls = 0
	peer.LastSeenMS = u.NowMS
	if wasDead {
		r.logger.Info().Str("peer", u.NodeID).Msg("peer back alive")
		if r.broker != nil {
			r.broker.Emit(events.EventPeerAlive, "peer back alive", map[string]string{"node_id": u.NodeID})
		}
	}
}

func (r *Registry) applyHTTPFailure(u Update) {
	peer, known := r.peers[u.NodeID]
	if !known {
		return
	}
	peer.FailedPolls++
	if peer.FailedPolls >= maxFailedPolls && peer.IsAlive {
		peer.IsAlive = false
		r.logger.Warn().Str("peer", u.NodeID).Int("failed_polls", peer.FailedPolls).Msg("peer dead")
		if r.broker != nil {
			r.broker.Emit(events.EventPeerDead, "peer stopped responding", map[string]string{"node_id": u.NodeID})
		}
	}
}

func (r *Registry) applyUDPHeartbeat(u Update) {
	hb := u.Heartbeat
	peer, known := r.peers[u.NodeID]
	if !known {
		// Fast-path registration; the next discovery tick fills in the
		// rest over HTTP.
		peer = &types.PeerInfo{
			NodeID:   u.NodeID,
			IP:       hb.IP,
			HTTPPort: hb.Port,
		}
		r.peers[u.NodeID] = peer
	}
	if hb.IP != "" {
		peer.IP = hb.IP
	}
	if hb.Port != 0 {
		peer.HTTPPort = hb.Port
	}
	if hb.State != "" {
		peer.NodeState = types.NodeState(hb.State)
	}
	if hb.Render != "" {
		peer.RenderState = types.RenderState(hb.Render)
	}
	peer.ActiveJob = hb.Job
	peer.ActiveChunk = hb.Chunk
	peer.Priority = hb.Pri
	peer.IsAlive = true
	peer.HasUDPContact = true
	peer.LastUDPContactMS = u.NowMS
}

func (r *Registry) applyUDPGoodbye(u Update) {
	peer, known := r.peers[u.NodeID]
	if !known {
		return
	}
	peer.IsAlive = false
	peer.HasUDPContact = false
	r.logger.Info().Str("peer", u.NodeID).Msg("peer said goodbye")
}

// Peers returns a snapshot copy of every known peer.
func (r *Registry) Peers() []*types.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		copied := *peer
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Get returns a snapshot copy of one peer.
func (r *Registry) Get(nodeID string) (*types.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[nodeID]
	if !ok {
		return nil, false
	}
	copied := *peer
	return &copied, true
}

// Known reports whether the node id is in the registry.
func (r *Registry) Known(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[nodeID]
	return ok
}

// PollCandidates returns the peers the discovery plane should HTTP-poll
// this tick. Peers with fresh UDP contact and at least one prior
// successful poll are skipped; stale UDP contact is cleared here.
func (r *Registry) PollCandidates(nowMS int64) []*types.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.PeerInfo
	for _, peer := range r.peers {
		if peer.HasUDPContact && nowMS-peer.LastUDPContactMS > udpSilenceMS {
			peer.HasUDPContact = false
		}
		if peer.HasUDPContact && nowMS-peer.LastUDPContactMS < udpFreshMS && peer.LastSeenMS > 0 {
			continue
		}
		copied := *peer
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// DeadPeers returns snapshot copies of peers currently not alive.
func (r *Registry) DeadPeers() []*types.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.PeerInfo
	for _, peer := range r.peers {
		if !peer.IsAlive {
			copied := *peer
			out = append(out, &copied)
		}
	}
	return out
}

// Purge removes a peer. Discovery calls this only for peers that are
// dead and whose endpoint descriptor file has vanished.
func (r *Registry) Purge(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[nodeID]; ok {
		delete(r.peers, nodeID)
		r.logger.Info().Str("peer", nodeID).Msg("peer purged")
	}
}

// LeaderID returns the currently elected leader's node id.
func (r *Registry) LeaderID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderID
}

// IsLeader reports whether the local node is the elected leader.
func (r *Registry) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isLeader
}

// LeaderEndpoint returns the leader's ip:port, or "" when no leader is
// known or the local node leads.
func (r *Registry) LeaderEndpoint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.leaderID == "" || r.isLeader {
		return ""
	}
	if peer, ok := r.peers[r.leaderID]; ok {
		return peer.Endpoint()
	}
	return ""
}

// RecomputeLeader runs the deterministic election over self plus every
// alive peer. Stopped nodes may still coordinate. The sort is strict
// so every node in the mesh arrives at the same winner.
func (r *Registry) RecomputeLeader() {
	self := r.self()

	r.mu.Lock()

	candidates := []*types.PeerInfo{self}
	for _, peer := range r.peers {
		if peer.IsAlive {
			candidates = append(candidates, peer)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		iLeader := types.HasTag(candidates[i].Tags, types.TagLeader)
		jLeader := types.HasTag(candidates[j].Tags, types.TagLeader)
		if iLeader != jLeader {
			return iLeader
		}
		iNo := types.HasTag(candidates[i].Tags, types.TagNoLeader)
		jNo := types.HasTag(candidates[j].Tags, types.TagNoLeader)
		if iNo != jNo {
			return jNo
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})

	winner := candidates[0].NodeID
	changed := winner != r.leaderID
	wasLocalLeader := r.isLeader

	r.leaderID = winner
	r.isLeader = winner == self.NodeID
	for _, peer := range r.peers {
		peer.IsLeader = peer.NodeID == winner
	}

	localLeader := r.isLeader
	r.mu.Unlock()

	if changed {
		r.logger.Info().Str("leader", winner).Bool("is_local", localLeader).Msg("leader changed")
		if r.broker != nil {
			r.broker.Emit(events.EventLeaderChanged, "leader changed", map[string]string{"leader": winner})
		}
	}
	if localLeader != wasLocalLeader && r.onLeaderChange != nil {
		r.onLeaderChange(localLeader, winner)
	}
}
