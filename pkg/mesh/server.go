package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/midrender/midrender/pkg/log"
	"github.com/midrender/midrender/pkg/metrics"
	"github.com/midrender/midrender/pkg/types"
	"github.com/rs/zerolog"
)

// Config wires the server to the farm through function-shaped
// collaborators. The server never holds a back-pointer to the farm;
// handlers only see these hooks.
type Config struct {
	Port int

	Self           func() *types.PeerInfo
	Peers          func() []*types.PeerInfo
	LeaderReady    func() bool
	LeaderEndpoint func() string

	// Worker side.
	TryAssign    func(manifest *types.Manifest, frameStart, frameEnd int) error
	SetNodeState func(state types.NodeState) error

	// Leader side. All are gated on LeaderReady.
	Submit    func(manifest types.Manifest, priority int) error
	Jobs      func() ([]*types.JobSummary, error)
	JobDetail func(jobID string) (*types.Job, []*types.Chunk, error)
	JobAction func(jobID, action string) error
	Resubmit  func(jobID string) (string, error)
	DeleteJob func(jobID string) error
	Complete  func(r *types.ChunkReport)
	Failed    func(r *types.ChunkReport)
	Frames    func(r *types.FrameReport)
	Unsuspend func(nodeID string) error
}

// Server is the mesh HTTP surface: the inter-node protocol plus the
// observability endpoints.
type Server struct {
	cfg    Config
	srv    *http.Server
	logger zerolog.Logger
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent("http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/peers", s.handlePeers)
	mux.HandleFunc("POST /api/node/stop", s.handleNodeStop)
	mux.HandleFunc("POST /api/node/start", s.handleNodeStart)
	mux.HandleFunc("POST /api/dispatch/assign", s.handleAssign)
	mux.HandleFunc("POST /api/jobs", s.handleSubmit)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobDetail)
	mux.HandleFunc("POST /api/jobs/{id}/{action}", s.handleJobAction)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /api/dispatch/complete", s.handleComplete)
	mux.HandleFunc("POST /api/dispatch/failed", s.handleFailed)
	mux.HandleFunc("POST /api/dispatch/frame-complete", s.handleFrames)
	mux.HandleFunc("POST /api/nodes/{id}/unsuspend", s.handleUnsuspend)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /health", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.instrument(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the root handler for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind http port %d: %w", s.cfg.Port, err)
	}
	s.logger.Info().Int("port", s.cfg.Port).Msg("mesh api listening")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("mesh api server failed")
		}
	}()
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string) {
	body := map[string]string{"error": code}
	if code == "not_leader" {
		if leader := s.cfg.LeaderEndpoint(); leader != "" {
			body["leader_endpoint"] = leader
		}
	}
	writeJSON(w, status, body)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireLeader gates global-state endpoints: followers (and a leader
// whose restored store is not open yet) answer 503 with the elected
// leader's endpoint so the caller can redirect.
func (s *Server) requireLeader(w http.ResponseWriter) bool {
	if s.cfg.LeaderReady() {
		return true
	}
	s.writeError(w, http.StatusServiceUnavailable, "not_leader")
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body: " + err.Error()})
		return false
	}
	return true
}
