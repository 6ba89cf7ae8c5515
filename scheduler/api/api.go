// Package api exposes the scheduler over HTTP JSON: job submission and
// queries for clients, the heartbeat endpoint for node agents, and a debug
// stats endpoint.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/helixfarm/helix/agent"
	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/common/stats"
	"github.com/helixfarm/helix/scheduler/domain"
	"github.com/helixfarm/helix/scheduler/server"
)

// NodeController is the subset of the scheduler that manages node
// availability; split out so tests can stub it.
type NodeController interface {
	OfflineNode(id cluster.NodeId)
	ReinstateNode(id cluster.NodeId)
}

type Server struct {
	scheduler server.Scheduler
	nodes     NodeController
	sink      agent.HeartbeatSink
	stat      stats.StatsReceiver
	router    *mux.Router
}

func NewServer(scheduler server.Scheduler, nodes NodeController, stat stats.StatsReceiver) *Server {
	s := &Server{
		scheduler: scheduler,
		nodes:     nodes,
		sink:      scheduler.HeartbeatSink(),
		stat:      stat,
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/api/v1/jobs/at-risk", s.handleAtRisk).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/jobs/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{id}", s.handleKill).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/jobs/{id}/deadline", s.handleDeadline).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/quotas", s.handleQuota).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/nodes/{id}/offline", s.handleOffline).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/nodes/{id}/reinstate", s.handleReinstate).Methods(http.MethodPost)
	r.HandleFunc("/debug/stats", s.handleStats).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe(addr string) error {
	log.WithField("addr", addr).Info("API server listening")
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv.ListenAndServe()
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var def domain.JobDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.scheduler.ScheduleJob(def)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{JobID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.scheduler.GetJobStatus(mux.Vars(r)["id"])
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.KillJob(mux.Vars(r)["id"]); err != nil {
		writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAtRisk(w http.ResponseWriter, r *http.Request) {
	ids, err := s.scheduler.ListAtRiskJobs()
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"jobIds": ids})
}

type deadlineRequest struct {
	Deadline time.Time `json:"deadline"`
}

func (s *Server) handleDeadline(w http.ResponseWriter, r *http.Request) {
	var req deadlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.scheduler.UpdateDeadline(mux.Vars(r)["id"], req.Deadline); err != nil {
		writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	var quota domain.TenantQuota
	if err := json.NewDecoder(r.Body).Decode(&quota); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.scheduler.SetTenantQuota(quota); err != nil {
		writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb agent.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.sink(hb)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, http.StatusNotImplemented, domain.NewInfeasibleRequest("node control unavailable"))
		return
	}
	s.nodes.OfflineNode(cluster.NodeId(mux.Vars(r)["id"]))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReinstate(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, http.StatusNotImplemented, domain.NewInfeasibleRequest("node control unavailable"))
		return
	}
	s.nodes.ReinstateNode(cluster.NodeId(mux.Vars(r)["id"]))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.stat.Render())
}

func writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsInfeasibleRequest(err):
		writeError(w, http.StatusBadRequest, err)
	case domain.IsQuotaExhausted(err):
		writeError(w, http.StatusTooManyRequests, err)
	case err == domain.ErrJobNotFound:
		writeError(w, http.StatusNotFound, err)
	default:
		log.WithError(err).Error("API request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Encode API response")
	}
}
