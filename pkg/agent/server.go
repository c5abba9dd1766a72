// Package agent exposes a bench.Controller over HTTP so that remote drivers
// (pkg/cluster) can start, watch and cancel runs on this machine.
package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/runningwild/expbench/pkg/bench"
	"github.com/runningwild/expbench/pkg/engine"
)

// StartRequest is the body of POST /runs.
type StartRequest struct {
	Mode engine.Mode `json:"mode"`
}

// RunStatus is returned by POST /runs and GET /runs/current.
type RunStatus struct {
	Mode engine.Mode `json:"mode"`
	bench.Progress
}

type Server struct {
	ctrl   *bench.Controller
	logger *slog.Logger
}

func NewServer(ctrl *bench.Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctrl: ctrl, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /runs", s.handleStart)
	mux.HandleFunc("GET /runs/current", s.handleProgress)
	mux.HandleFunc("DELETE /runs/current", s.handleCancel)
	mux.HandleFunc("GET /runs/current/result", s.handleResult)
	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("agent listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	run, err := s.ctrl.StartRun(req.Mode)
	if errors.Is(err, bench.ErrAlreadyRunning) || errors.Is(err, bench.ErrResultPending) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("run started", "mode", req.Mode, "remote", r.RemoteAddr)
	s.writeJSON(w, http.StatusAccepted, RunStatus{Mode: run.Mode(), Progress: run.Progress()})
}

func (s *Server) current(w http.ResponseWriter) *bench.Run {
	run := s.ctrl.Current()
	if run == nil {
		http.Error(w, "no run in progress", http.StatusNotFound)
	}
	return run
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if run := s.current(w); run != nil {
		s.writeJSON(w, http.StatusOK, RunStatus{Mode: run.Mode(), Progress: run.Progress()})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run := s.current(w)
	if run == nil {
		return
	}
	run.Cancel()
	s.logger.Info("run cancel requested", "mode", run.Mode(), "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)
}

// handleResult blocks until the current run ends, then consumes its result.
// A client that disconnects first leaves the result in place.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	run := s.current(w)
	if run == nil {
		return
	}
	select {
	case <-run.Done():
	case <-r.Context().Done():
		return
	}

	res, err := run.Wait()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response", "error", err)
	}
}
