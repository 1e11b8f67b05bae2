// Package cronapi exposes a thin HTTP CRUD surface over the cron job
// catalog and a read-only telemetry websocket. Handlers validate request
// bodies against a bundled JSON Schema and otherwise delegate straight to
// the store and scheduler — no business logic lives here.
package cronapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/scheduler"
	"github.com/basket/go-claw/internal/store"
)

// Dependencies wires the HTTP surface to the store, scheduler, and bus.
type Dependencies struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus // may be nil; disables /v1/stream if so
	Logger    *slog.Logger
}

// Server holds the compiled validators and the wired dependencies behind
// every handler.
type Server struct {
	deps Dependencies

	jobSchema   *compiledSchema
	patchSchema *compiledSchema

	clientsMu sync.RWMutex
	clients   map[*streamClient]struct{}
}

// New compiles the request-body schemas and returns a ready-to-mount
// server. Schema compilation failures are a programming error, not a
// runtime condition, so New panics rather than returning an error.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{
		deps:        deps,
		jobSchema:   mustCompile(jobCreateSchemaJSON),
		patchSchema: mustCompile(jobPatchSchemaJSON),
		clients:     make(map[*streamClient]struct{}),
	}
}

// Mux returns an http.ServeMux with every route registered.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cron", s.handleCronCollection)
	mux.HandleFunc("/api/cron/", s.handleCronItem)
	mux.HandleFunc("/api/trigger/", s.handleTrigger)
	mux.HandleFunc("/v1/stream", s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// handleHealthz reports database reachability and the size of the cron
// catalog it serves. Used by the status CLI subcommand and external
// liveness probes alike.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListJobs(r.Context())
	dbOK := err == nil

	s.clientsMu.RLock()
	streamClients := len(s.clients)
	s.clientsMu.RUnlock()

	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"job_count":      len(jobs),
		"stream_clients": streamClients,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleCronCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listJobs(w, r)
	case http.MethodPost:
		s.createJob(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCronItem dispatches "/api/cron/{name}" and
// "/api/cron/{name}/history" by trimming the shared prefix and splitting
// on the remaining slash, in the teacher's manual-path-parsing style.
func (s *Server) handleCronItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/cron/")
	if rest == "" {
		http.Error(w, "job name required", http.StatusBadRequest)
		return
	}
	if name, ok := strings.CutSuffix(rest, "/history"); ok {
		s.getHistory(w, r, name)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.getJob(w, r, rest)
	case http.MethodPatch:
		s.updateJob(w, r, rest)
	case http.MethodDelete:
		s.deleteJob(w, r, rest)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/trigger/")
	if name == "" {
		http.Error(w, "job name required", http.StatusBadRequest)
		return
	}
	ok, err := s.deps.Scheduler.TriggerJob(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "triggered " + name})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, name string) {
	job, err := s.deps.Store.GetJob(r.Context(), name)
	if err == store.ErrJobNotFound {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	body, verr := decodeAndValidate(r, s.jobSchema)
	if verr != "" {
		writeError(w, http.StatusBadRequest, "validation failed", verr)
		return
	}

	created, err := s.deps.Store.CreateJob(r.Context(), body.toJob())
	if err == store.ErrDuplicateJob {
		writeError(w, http.StatusConflict, "job name already exists", "")
		return
	}
	if err == store.ErrInvalidJobName {
		writeError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	if err := s.deps.Scheduler.Reload(r.Context(), created.Name); err != nil {
		s.deps.Logger.Error("failed to register new cron job with scheduler", "job", created.Name, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": created})
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request, name string) {
	body, verr := decodeAndValidate(r, s.patchSchema)
	if verr != "" {
		writeError(w, http.StatusBadRequest, "validation failed", verr)
		return
	}

	updated, err := s.deps.Store.UpdateJob(r.Context(), name, body.toPatch())
	if err == store.ErrJobNotFound {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	if err := s.deps.Scheduler.Reload(r.Context(), name); err != nil {
		s.deps.Logger.Error("failed to reload cron job with scheduler", "job", name, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": updated})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request, name string) {
	deleted, err := s.deps.Store.DeleteJob(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if !deleted {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err := s.deps.Scheduler.Reload(r.Context(), name); err != nil {
		s.deps.Logger.Error("failed to unregister deleted cron job", "job", name, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	execs, err := s.deps.Store.GetRecentExecutions(r.Context(), name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, map[string]any{"error": msg, "details": details})
}
