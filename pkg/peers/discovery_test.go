package peers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/midrender/midrender/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStatusClient serves canned status responses keyed by endpoint.
type fakeStatusClient struct {
	mu        sync.Mutex
	responses map[string]*types.PeerInfo
	polled    []string
}

func (c *fakeStatusClient) Status(endpoint string) (*types.PeerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polled = append(c.polled, endpoint)
	info, ok := c.responses[endpoint]
	if !ok {
		return nil, types.ErrUnreachable
	}
	copied := *info
	return &copied, nil
}

func (c *fakeStatusClient) set(endpoint string, info *types.PeerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responses == nil {
		c.responses = make(map[string]*types.PeerInfo)
	}
	c.responses[endpoint] = info
}

func writePeerEndpoint(t *testing.T, farm, nodeID, ip string, port int) {
	t.Helper()
	dir := filepath.Join(farm, "nodes", nodeID)
	require.NoError(t, os.MkdirAll(dir, 0755))
	data, err := json.Marshal(&types.EndpointDescriptor{
		NodeID: nodeID, IP: ip, Port: port, TimestampMS: 1000,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "endpoint.json"), data, 0644))
}

func newTestDiscovery(t *testing.T, selfID string) (*Discovery, *Registry, *fakeStatusClient, string) {
	t.Helper()
	farm := t.TempDir()
	self := selfInfo(selfID)
	registry := NewRegistry(self, nil)
	client := &fakeStatusClient{}
	return NewDiscovery(farm, self, registry, client), registry, client, farm
}

func TestTickWritesOwnEndpoint(t *testing.T) {
	d, _, _, farm := newTestDiscovery(t, "self-node")

	d.Tick(5000)

	data, err := os.ReadFile(filepath.Join(farm, "nodes", "self-node", "endpoint.json"))
	require.NoError(t, err)

	var desc types.EndpointDescriptor
	require.NoError(t, json.Unmarshal(data, &desc))
	assert.Equal(t, "self-node", desc.NodeID)
	assert.Equal(t, "10.0.0.1", desc.IP)
	assert.Equal(t, 8420, desc.Port)
	assert.Equal(t, int64(5000), desc.TimestampMS)
}

func TestTickDiscoversAndPolls(t *testing.T) {
	d, registry, client, farm := newTestDiscovery(t, "self-node")
	writePeerEndpoint(t, farm, "peer-1", "10.0.0.2", 8420)
	client.set("10.0.0.2:8420", &types.PeerInfo{
		NodeID:      "peer-1",
		IP:          "10.0.0.2",
		HTTPPort:    8420,
		NodeState:   types.NodeStateActive,
		RenderState: types.RenderStateRendering,
	})

	d.Tick(5000)

	peer, ok := registry.Get("peer-1")
	require.True(t, ok)
	assert.True(t, peer.IsAlive)
	assert.Equal(t, int64(5000), peer.LastSeenMS)
	assert.Equal(t, types.RenderStateRendering, peer.RenderState)
}

func TestTickSkipsSelfAndMalformedDescriptors(t *testing.T) {
	d, registry, _, farm := newTestDiscovery(t, "self-node")
	writePeerEndpoint(t, farm, "self-node", "10.0.0.1", 8420)

	badDir := filepath.Join(farm, "nodes", "bad-peer")
	require.NoError(t, os.MkdirAll(badDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "endpoint.json"), []byte("{nope"), 0644))

	// Directory name and descriptor disagree: ignored.
	writePeerEndpoint(t, farm, "renamed-peer", "10.0.0.3", 8420)
	mismatch, err := json.Marshal(&types.EndpointDescriptor{NodeID: "other-id", IP: "10.0.0.3", Port: 8420})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(farm, "nodes", "renamed-peer", "endpoint.json"), mismatch, 0644))

	d.Tick(5000)

	assert.False(t, registry.Known("self-node"))
	assert.False(t, registry.Known("bad-peer"))
	assert.False(t, registry.Known("renamed-peer"))
}

func TestUnreachablePeerDiesAfterThreeTicks(t *testing.T) {
	d, registry, _, farm := newTestDiscovery(t, "self-node")
	writePeerEndpoint(t, farm, "peer-1", "10.0.0.2", 8420)

	d.Tick(1000)
	d.Tick(2000)
	peer, ok := registry.Get("peer-1")
	require.True(t, ok)
	assert.True(t, peer.IsAlive)

	d.Tick(3000)
	peer, _ = registry.Get("peer-1")
	assert.False(t, peer.IsAlive)
}

func TestNodeIDMismatchCountsAsFailure(t *testing.T) {
	d, registry, client, farm := newTestDiscovery(t, "self-node")
	writePeerEndpoint(t, farm, "peer-1", "10.0.0.2", 8420)
	// The endpoint answers, but as a different node.
	client.set("10.0.0.2:8420", &types.PeerInfo{NodeID: "impostor", IP: "10.0.0.2", HTTPPort: 8420})

	d.Tick(1000)
	d.Tick(2000)
	d.Tick(3000)

	peer, ok := registry.Get("peer-1")
	require.True(t, ok)
	assert.False(t, peer.IsAlive)
}

func TestPurgeRequiresDeadAndFileGone(t *testing.T) {
	d, registry, _, farm := newTestDiscovery(t, "self-node")
	writePeerEndpoint(t, farm, "peer-1", "10.0.0.2", 8420)

	for i := 0; i < maxFailedPolls; i++ {
		d.Tick(int64(1000 * (i + 1)))
	}
	// Dead but descriptor still present: retained.
	assert.True(t, registry.Known("peer-1"))

	require.NoError(t, os.Remove(filepath.Join(farm, "nodes", "peer-1", "endpoint.json")))
	d.Tick(10000)

	assert.False(t, registry.Known("peer-1"))
}

func TestTickElectsLeader(t *testing.T) {
	d, registry, client, farm := newTestDiscovery(t, "zzz-node")
	writePeerEndpoint(t, farm, "aaa-node", "10.0.0.2", 8420)
	client.set("10.0.0.2:8420", &types.PeerInfo{NodeID: "aaa-node", IP: "10.0.0.2", HTTPPort: 8420})

	d.Tick(1000)

	assert.Equal(t, "aaa-node", registry.LeaderID())
	assert.False(t, registry.IsLeader())
	assert.Equal(t, "10.0.0.2:8420", registry.LeaderEndpoint())
}

func TestStopRemovesEndpoint(t *testing.T) {
	d, _, _, farm := newTestDiscovery(t, "self-node")
	d.Start()
	d.Stop()

	_, err := os.Stat(filepath.Join(farm, "nodes", "self-node", "endpoint.json"))
	assert.True(t, os.IsNotExist(err))
}
