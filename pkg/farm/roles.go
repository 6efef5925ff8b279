package farm

import (
	"os"
	"path/filepath"

	"github.com/midrender/midrender/pkg/dispatch"
	"github.com/midrender/midrender/pkg/storage"
)

const localDBName = "farm.db"

// onLeaderChange runs on the discovery goroutine. Transitions are
// serialized: a new one waits for the previous restore or teardown to
// finish before starting.
func (f *Farm) onLeaderChange(isLeader bool, leaderID string) {
	f.roleWG.Wait()
	f.roleWG.Add(1)
	go func() {
		defer f.roleWG.Done()
		if isLeader {
			f.becomeLeader()
		} else {
			f.becomeFollower(leaderID)
		}
	}()
}

// becomeLeader restores the shared snapshot into a private working
// copy and opens the dispatcher on it. The node keeps answering 503
// not_leader until the store is open; a corrupt snapshot falls back to
// an empty farm rather than refusing leadership.
func (f *Farm) becomeLeader() {
	localDB := filepath.Join(f.dataDir, localDBName)
	os.Remove(localDB)

	var store storage.Store
	snapPath := f.snapshotPath()
	if _, err := os.Stat(snapPath); err == nil {
		restored, err := storage.RestoreFrom(snapPath, localDB)
		if err != nil {
			f.logger.Warn().Err(err).Str("snapshot", snapPath).
				Msg("snapshot unusable, starting with empty state")
			os.Remove(localDB)
		} else {
			store = restored
		}
	}
	if store == nil {
		fresh, err := storage.NewBoltStore(localDB)
		if err != nil {
			f.logger.Error().Err(err).Msg("cannot open leader store")
			f.setError("leader store unavailable: " + err.Error())
			return
		}
		store = fresh
	}

	d := dispatch.New(dispatch.Config{
		Store:        store,
		Self:         f.selfInfo,
		Peers:        f.registry.Peers,
		SendAssign:   f.remote.Assign,
		LocalAssign:  f.acceptAssignment,
		SnapshotPath: snapPath,
		ScratchDir:   f.dataDir,
		Broker:       f.broker,
	})

	f.mu.Lock()
	f.store = store
	f.dispatcher = d
	f.dbReady = true
	f.lastError = ""
	f.mu.Unlock()

	f.logger.Info().Str("node", f.id.NodeID).Msg("assumed leadership")
}

func (f *Farm) becomeFollower(leaderID string) {
	f.shedLeadership()
	f.logger.Info().Str("leader", leaderID).Msg("following")
}

// shedLeadership publishes a final snapshot, drains the background
// snapshot move, and closes the store. Safe to call when not leading.
func (f *Farm) shedLeadership() {
	f.mu.Lock()
	d := f.dispatcher
	store := f.store
	f.dispatcher = nil
	f.store = nil
	f.dbReady = false
	f.mu.Unlock()

	if d == nil && store == nil {
		return
	}
	if store != nil {
		if err := store.SnapshotTo(f.snapshotPath()); err != nil {
			f.logger.Warn().Err(err).Msg("final snapshot failed")
		}
	}
	if d != nil {
		d.Join()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to close leader store")
		}
	}
}

func (f *Farm) snapshotPath() string {
	return filepath.Join(f.farmPath, "state", "snapshot.db")
}

// leaderReady reports whether this node is the elected leader AND its
// restored store is open. The gap between winning the election and
// finishing the restore answers not_leader.
func (f *Farm) leaderReady() bool {
	if !f.registry.IsLeader() {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dbReady && f.dispatcher != nil
}

func (f *Farm) currentDispatcher() *dispatch.Dispatcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dbReady {
		return nil
	}
	return f.dispatcher
}

func (f *Farm) currentStore() storage.Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dbReady {
		return nil
	}
	return f.store
}
