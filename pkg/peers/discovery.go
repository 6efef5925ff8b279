package peers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/types"
	"github.com/rs/zerolog"
)

// discoveryInterval is the cadence of the discovery loop.
const discoveryInterval = 3 * time.Second

// StatusClient polls a peer's status endpoint. Implemented by
// pkg/client; an interface here keeps the discovery plane testable
// without sockets.
type StatusClient interface {
	Status(endpoint string) (*types.PeerInfo, error)
}

// Discovery drives the registry: it writes the local endpoint
// descriptor, scans the shared filesystem for new peers, polls known
// peers over HTTP, purges tombstones, and recomputes the leader.
type Discovery struct {
	farmPath string
	self     SelfFunc
	registry *Registry
	client   StatusClient

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewDiscovery creates the discovery plane for a farm rooted at
// farmPath.
func NewDiscovery(farmPath string, self SelfFunc, registry *Registry, client StatusClient) *Discovery {
	return &Discovery{
		farmPath: farmPath,
		self:     self,
		registry: registry,
		client:   client,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("peer"),
	}
}

// Start launches the discovery loop.
func (d *Discovery) Start() {
	go d.run()
}

// Stop terminates the loop and removes the local endpoint descriptor
// so other nodes can purge this one once it stops answering.
func (d *Discovery) Stop() {
	close(d.stopCh)
	<-d.doneCh
	d.removeEndpoint()
}

func (d *Discovery) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	d.Tick(time.Now().UnixMilli())
	for {
		select {
		case <-ticker.C:
			d.Tick(time.Now().UnixMilli())
		case <-d.stopCh:
			return
		}
	}
}

// Tick runs one discovery pass. Exposed so tests can drive the plane
// without timers.
func (d *Discovery) Tick(nowMS int64) {
	if err := d.writeEndpoint(nowMS); err != nil {
		d.logger.Warn().Err(err).Msg("failed to write endpoint descriptor")
	}
	d.scan()
	d.poll(nowMS)
	d.purge()
	d.registry.RecomputeLeader()
}

func (d *Discovery) nodesDir() string {
	return filepath.Join(d.farmPath, "nodes")
}

func (d *Discovery) endpointPath(nodeID string) string {
	return filepath.Join(d.nodesDir(), nodeID, "endpoint.json")
}

// writeEndpoint publishes the local rendezvous file atomically. If the
// rename fails (some network filesystems reject it), fall back to a
// direct write.
func (d *Discovery) writeEndpoint(nowMS int64) error {
	self := d.self()
	desc := types.EndpointDescriptor{
		NodeID:      self.NodeID,
		IP:          self.IP,
		Port:        self.HTTPPort,
		TimestampMS: nowMS,
	}

	data, err := json.Marshal(&desc)
	if err != nil {
		return err
	}

	path := d.endpointPath(self.NodeID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return os.WriteFile(path, data, 0644)
	}
	return nil
}

func (d *Discovery) removeEndpoint() {
	self := d.self()
	if err := os.Remove(d.endpointPath(self.NodeID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Warn().Err(err).Msg("failed to remove endpoint descriptor")
	}
}

// scan registers every endpoint descriptor on the shared filesystem
// that is neither self nor already known.
func (d *Discovery) scan() {
	entries, err := os.ReadDir(d.nodesDir())
	if err != nil {
		// Transient shared-FS failure: skip this pass.
		return
	}

	selfID := d.self().NodeID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		nodeID := entry.Name()
		if nodeID == selfID || d.registry.Known(nodeID) {
			continue
		}

		data, err := os.ReadFile(d.endpointPath(nodeID))
		if err != nil {
			continue
		}
		var desc types.EndpointDescriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			d.logger.Warn().Str("peer", nodeID).Err(err).Msg("malformed endpoint descriptor")
			continue
		}
		if desc.NodeID == "" || desc.NodeID != nodeID {
			continue
		}

		d.registry.Apply(Update{
			Kind:   UpdateDiscovered,
			NodeID: desc.NodeID,
			Info: &types.PeerInfo{
				NodeID:   desc.NodeID,
				IP:       desc.IP,
				HTTPPort: desc.Port,
			},
		})
	}
}

// poll issues a status request to every candidate peer and routes the
// result into the registry.
func (d *Discovery) poll(nowMS int64) {
	for _, peer := range d.registry.PollCandidates(nowMS) {
		info, err := d.client.Status(peer.Endpoint())
		if err != nil {
			d.registry.Apply(Update{Kind: UpdateHTTPFailure, NodeID: peer.NodeID, NowMS: nowMS})
			continue
		}
		if info.NodeID != peer.NodeID {
			// Endpoint reused by a different node; treat as a failed poll.
			d.registry.Apply(Update{Kind: UpdateHTTPFailure, NodeID: peer.NodeID, NowMS: nowMS})
			continue
		}
		d.registry.Apply(Update{Kind: UpdateHTTPStatus, NodeID: peer.NodeID, Info: info, NowMS: nowMS})
	}
}

// purge drops peers that are dead and whose endpoint descriptor has
// been removed.
func (d *Discovery) purge() {
	for _, peer := range d.registry.DeadPeers() {
		if _, err := os.Stat(d.endpointPath(peer.NodeID)); errors.Is(err, os.ErrNotExist) {
			d.registry.Purge(peer.NodeID)
		}
	}
}
