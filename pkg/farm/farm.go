package farm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/midrender/midrender/pkg/client"
	"github.com/midrender/midrender/pkg/config"
	"github.com/midrender/midrender/pkg/dispatch"
	"github.com/midrender/midrender/pkg/events"
	"github.com/midrender/midrender/pkg/identity"
	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/mesh"
	"github.com/midrender/midrender/pkg/metrics"
	"github.com/midrender/midrender/pkg/peers"
	"github.com/midrender/midrender/pkg/render"
	"github.com/midrender/midrender/pkg/reporter"
	"github.com/midrender/midrender/pkg/storage"
	"github.com/midrender/midrender/pkg/types"
	"github.com/rs/zerolog"
)

const (
	mainLoopInterval  = 500 * time.Millisecond
	jobCacheRefreshMS = 2000
	submissionScanMS  = 3000
)

// FarmDirName is the protocol-versioned directory under the sync root.
var FarmDirName = fmt.Sprintf("MidRender-v%d", types.ProtocolVersion)

type farmDescriptor struct {
	Version         string `json:"_version"`
	ProtocolVersion int    `json:"protocol_version"`
	CreatedBy       string `json:"created_by"`
	CreatedAtMS     int64  `json:"created_at_ms"`
}

// Farm is the top-level object owning every long-lived handle of the
// daemon: discovery, the mesh server, the render queue, the reporter,
// and (while leading) the store and dispatcher. Everything is built in
// New and torn down in Stop; nothing has static lifetime.
type Farm struct {
	cfg      *config.Config
	cfgPath  string
	dataDir  string
	id       *identity.Identity
	ip       string
	farmPath string

	broker    *events.Broker
	registry  *peers.Registry
	discovery *peers.Discovery
	multicast *peers.Multicast
	server    *mesh.Server
	remote    *client.Client
	queue     *render.Queue
	reporter  *reporter.Reporter
	collector *metrics.Collector

	mu         sync.Mutex
	nodeState  types.NodeState
	store      storage.Store
	dispatcher *dispatch.Dispatcher
	dbReady    bool
	lastError  string

	roleWG sync.WaitGroup

	cacheMu     sync.RWMutex
	jobCache    []*types.JobSummary
	lastCacheMS int64
	lastScanMS  int64

	stopCh chan struct{}
	doneCh chan struct{}
	logger zerolog.Logger
}

// New assembles a farm from the node config. dataDir holds the node's
// private files (identity, local DB, snapshot scratch).
func New(cfg *config.Config, cfgPath, dataDir string) (*Farm, error) {
	id, err := identity.LoadOrCreate(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load node identity: %w", err)
	}

	ip := cfg.IPOverride
	if ip == "" {
		ip = identity.LocalIP()
	}

	nodeState := types.NodeStateActive
	if cfg.NodeStopped {
		nodeState = types.NodeStateStopped
	}

	f := &Farm{
		cfg:       cfg,
		cfgPath:   cfgPath,
		dataDir:   dataDir,
		id:        id,
		ip:        ip,
		farmPath:  filepath.Join(cfg.SyncRoot, FarmDirName),
		nodeState: nodeState,
		broker:    events.NewBroker(),
		remote:    client.New(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    log.WithComponent("farm"),
	}

	f.registry = peers.NewRegistry(f.selfInfo, f.broker)
	f.registry.OnLeaderChange(f.onLeaderChange)
	f.discovery = peers.NewDiscovery(f.farmPath, f.selfInfo, f.registry, f.remote)
	if cfg.UDPEnabled {
		f.multicast = peers.NewMulticast(cfg.UDPPort, f.selfInfo, f.registry)
	}

	f.reporter = reporter.New(reporter.Config{
		NodeID:         id.NodeID,
		IsLeader:       f.leaderReady,
		LeaderEndpoint: f.registry.LeaderEndpoint,
		SendComplete:   f.remote.ReportComplete,
		SendFailed:     f.remote.ReportFailed,
		SendFrames:     f.remote.ReportFrames,
		LocalChunk:     f.applyLocalChunk,
		LocalFrames:    f.applyLocalFrames,
	})

	executor := render.NewCommandExecutor(f.farmPath, id.NodeID)
	f.queue = render.NewQueue(id.NodeID, executor, render.Hooks{
		OnChunkDone: f.reporter.ReportChunk,
		OnFrame:     f.reporter.ReportFrame,
	})

	f.server = mesh.NewServer(f.meshConfig())
	f.collector = metrics.NewCollector(f)
	return f, nil
}

// NodeID returns the persistent node identity.
func (f *Farm) NodeID() string {
	return f.id.NodeID
}

// Endpoint returns the local mesh address.
func (f *Farm) Endpoint() string {
	return types.JoinEndpoint(f.ip, f.cfg.HTTPPort)
}

// Start brings the farm up. A missing sync root is fatal: the shared
// filesystem is the rendezvous and nothing works without it.
func (f *Farm) Start() error {
	if _, err := os.Stat(f.cfg.SyncRoot); err != nil {
		return fmt.Errorf("sync root %s unavailable: %w", f.cfg.SyncRoot, err)
	}
	if err := f.initFarmDir(); err != nil {
		return fmt.Errorf("failed to initialize farm directory: %w", err)
	}

	metrics.SetVersion(types.AppVersion)
	metrics.RegisterComponent("discovery", true, "")
	metrics.RegisterComponent("mesh", true, "")

	f.broker.Start()
	if err := f.server.Start(); err != nil {
		metrics.UpdateComponent("mesh", false, err.Error())
		return err
	}
	f.discovery.Start()
	if f.multicast != nil {
		if err := f.multicast.Start(); err != nil {
			// The UDP channel is an accelerator; run without it.
			f.logger.Warn().Err(err).Msg("udp heartbeat disabled")
			f.multicast = nil
		}
	}
	f.reporter.Start()
	f.collector.Start()
	go f.run()

	f.logger.Info().Str("node", f.id.NodeID).Str("endpoint", f.Endpoint()).
		Str("farm", f.farmPath).Msg("farm started")
	return nil
}

// Stop tears the farm down. The exit is deferred until any local
// render finishes so accepted work is never abandoned silently.
func (f *Farm) Stop() {
	close(f.stopCh)
	<-f.doneCh

	f.queue.Join()
	f.reporter.Stop()
	if f.multicast != nil {
		f.multicast.Stop()
	}
	f.discovery.Stop()
	if err := f.server.Stop(); err != nil {
		f.logger.Warn().Err(err).Msg("mesh server shutdown failed")
	}
	f.collector.Stop()

	f.shedLeadership()
	f.roleWG.Wait()
	f.broker.Stop()

	if err := config.Save(f.cfgPath, f.cfg); err != nil {
		f.logger.Warn().Err(err).Msg("failed to persist config on shutdown")
	}
	f.logger.Info().Msg("farm stopped")
}

func (f *Farm) run() {
	defer close(f.doneCh)

	ticker := time.NewTicker(mainLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			nowMS := time.Now().UnixMilli()
			if d := f.currentDispatcher(); d != nil {
				d.Tick(nowMS)
				f.scanSubmissions(nowMS)
			}
			f.refreshJobCache(nowMS)
		case <-f.stopCh:
			return
		}
	}
}

// selfInfo builds the local node's peer snapshot, served by
// GET /api/status and broadcast in UDP heartbeats.
func (f *Farm) selfInfo() *types.PeerInfo {
	job, chunk := f.queue.Active()
	renderState := types.RenderStateIdle
	if f.queue.Rendering() {
		renderState = types.RenderStateRendering
	}

	f.mu.Lock()
	nodeState := f.nodeState
	f.mu.Unlock()

	return &types.PeerInfo{
		NodeID:          f.id.NodeID,
		Hostname:        f.id.Hostname,
		IP:              f.ip,
		HTTPPort:        f.cfg.HTTPPort,
		OS:              f.id.OS,
		AppVersion:      types.AppVersion,
		ProtocolVersion: types.ProtocolVersion,
		CPUCores:        f.id.CPUCores,
		Tags:            f.cfg.Tags,
		Priority:        f.cfg.Priority,
		NodeState:       nodeState,
		RenderState:     renderState,
		ActiveJob:       job,
		ActiveChunk:     chunk,
		IsAlive:         true,
		IsLeader:        f.registry.IsLeader(),
	}
}

func (f *Farm) initFarmDir() error {
	for _, dir := range []string{"nodes", "state", "submissions", "jobs"} {
		if err := os.MkdirAll(filepath.Join(f.farmPath, dir), 0755); err != nil {
			return err
		}
	}

	descPath := filepath.Join(f.farmPath, "farm.json")
	if _, err := os.Stat(descPath); err == nil {
		return nil
	}

	desc := farmDescriptor{
		Version:         types.AppVersion,
		ProtocolVersion: types.ProtocolVersion,
		CreatedBy:       f.id.NodeID,
		CreatedAtMS:     time.Now().UnixMilli(),
	}
	data, err := json.MarshalIndent(&desc, "", "  ")
	if err != nil {
		return err
	}

	tmp := descPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, descPath); err != nil {
		os.Remove(tmp)
		return os.WriteFile(descPath, data, 0644)
	}
	f.logger.Info().Str("path", descPath).Msg("farm descriptor created")
	return nil
}

// Err returns the one-line farm error string surfaced to UI layers.
func (f *Farm) Err() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastError
}

func (f *Farm) setError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastError = msg
}

// NodeState returns whether the node currently accepts work.
func (f *Farm) NodeState() types.NodeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodeState
}

// Events exposes the broker for UI layers and the CLI runner.
func (f *Farm) Events() *events.Broker {
	return f.broker
}

// refreshJobCache keeps the job list warm: the leader rebuilds it from
// the store, workers pull it from the leader under the report
// cooldown. Serving GET /api/jobs never touches the store.
func (f *Farm) refreshJobCache(nowMS int64) {
	f.cacheMu.Lock()
	if nowMS-f.lastCacheMS < jobCacheRefreshMS {
		f.cacheMu.Unlock()
		return
	}
	f.lastCacheMS = nowMS
	f.cacheMu.Unlock()

	var summaries []*types.JobSummary
	if f.leaderReady() {
		store := f.currentStore()
		if store == nil {
			return
		}
		all, err := store.ListJobSummaries()
		if err != nil {
			f.logger.Warn().Err(err).Msg("failed to refresh job cache")
			return
		}
		for _, s := range all {
			if s.State != types.JobStateArchived {
				summaries = append(summaries, s)
			}
		}
	} else {
		endpoint := f.registry.LeaderEndpoint()
		if endpoint == "" || f.reporter.InCooldown(nowMS) {
			return
		}
		var err error
		summaries, err = f.remote.ListJobs(endpoint)
		if err != nil {
			f.reporter.ArmCooldown(nowMS)
			return
		}
	}

	f.cacheMu.Lock()
	f.jobCache = summaries
	f.cacheMu.Unlock()
}

func (f *Farm) cachedJobs() []*types.JobSummary {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()
	out := make([]*types.JobSummary, len(f.jobCache))
	copy(out, f.jobCache)
	return out
}
