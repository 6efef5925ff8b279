package mesh

import (
	"errors"
	"net/http"

	"github.com/midrender/midrender/pkg/types"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Self())
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.cfg.Peers()
	if peers == nil {
		peers = []*types.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleNodeStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.SetNodeState(types.NodeStateStopped); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleNodeStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.SetNodeState(types.NodeStateActive); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeOK(w)
}

// handleAssign is the worker's acceptance gate: stopped and busy nodes
// refuse so the leader can immediately re-offer the chunk.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req types.AssignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Manifest.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err := s.cfg.TryAssign(&req.Manifest, req.FrameStart, req.FrameEnd)
	switch {
	case errors.Is(err, types.ErrBusy):
		s.writeError(w, http.StatusConflict, "busy")
	case errors.Is(err, types.ErrStopped):
		s.writeError(w, http.StatusConflict, "stopped")
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, "assign_failed")
	default:
		writeOK(w)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var req types.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Manifest.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.cfg.Submit(req.Manifest, req.Priority); err != nil {
		if errors.Is(err, types.ErrAlreadyExists) {
			s.writeError(w, http.StatusConflict, "already_exists")
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, "submit_failed")
		return
	}
	writeOK(w)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	jobs, err := s.cfg.Jobs()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "list_failed")
		return
	}
	if jobs == nil {
		jobs = []*types.JobSummary{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	job, chunks, err := s.cfg.JobDetail(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "not_found")
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, "lookup_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "chunks": chunks})
}

func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	jobID := r.PathValue("id")
	action := r.PathValue("action")

	switch action {
	case "pause", "resume", "cancel", "archive", "retry-failed":
		if err := s.cfg.JobAction(jobID, action); err != nil {
			s.jobActionError(w, err)
			return
		}
		writeOK(w)
	case "resubmit":
		newID, err := s.cfg.Resubmit(jobID)
		if err != nil {
			s.jobActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "job_id": newID})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown action " + action})
	}
}

func (s *Server) jobActionError(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found")
		return
	}
	s.writeError(w, http.StatusServiceUnavailable, "action_failed")
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	if err := s.cfg.DeleteJob(r.PathValue("id")); err != nil {
		s.jobActionError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var report types.ChunkReport
	if !decodeBody(w, r, &report) {
		return
	}
	s.cfg.Complete(&report)
	writeOK(w)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var report types.ChunkReport
	if !decodeBody(w, r, &report) {
		return
	}
	s.cfg.Failed(&report)
	writeOK(w)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var report types.FrameReport
	if !decodeBody(w, r, &report) {
		return
	}
	s.cfg.Frames(&report)
	writeOK(w)
}

func (s *Server) handleUnsuspend(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	if err := s.cfg.Unsuspend(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "unsuspend_failed")
		return
	}
	writeOK(w)
}
