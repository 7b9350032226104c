// Package httpapi provides a scripted stand-in for the execution service:
// it accepts jobs, replays a plan/patch/test loop for each and streams the
// events over websocket and server-sent events.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
)

// Options configures the fake backend.
type Options struct {
	// StepDelay is the pause between scripted events.
	StepDelay time.Duration
	// CloseOnDone closes streams once a finished job's log is drained.
	// Without it streams stay open until the client leaves.
	CloseOnDone bool
	// DefaultMaxIters applies when a request has no max_iters.
	DefaultMaxIters int
	Logger          pslog.Logger
}

// Handler provides the HTTP API of the fake backend.
type Handler struct {
	opts     Options
	jobs     *jobs
	router   chi.Router
	upgrader websocket.Upgrader
	log      pslog.Logger
}

// New creates a new HTTP API handler.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	if opts.DefaultMaxIters <= 0 {
		opts.DefaultMaxIters = 3
	}
	h := &Handler{
		opts: opts,
		jobs: newJobs(opts.StepDelay, opts.Logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: opts.Logger,
	}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

// Close stops every job worker.
func (h *Handler) Close() {
	h.jobs.close()
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.requestLogging)
	r.Use(middleware.Recoverer)

	r.Route("/tasks", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/run", h.handleRun)
			r.Get("/", h.handleList)
			r.Get("/{id}", h.handleGet)
			r.Post("/{id}/stop", h.handleStop)
		})
		r.Get("/{id}/stream", h.handleStream)
		r.Get("/{id}/events", h.handleEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type runResponse struct {
	JobID model.JobID `json:"job_id"`
}

type stopResponse struct {
	OK      bool   `json:"ok"`
	Stopped bool   `json:"stopped"`
	Status  string `json:"status"`
}

type listResponse struct {
	Jobs []jobSummary `json:"jobs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req model.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RepoPath = strings.TrimSpace(req.RepoPath)
	req.Instruction = strings.TrimSpace(req.Instruction)
	if req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "instruction is required")
		return
	}
	if len([]rune(req.Instruction)) > 10000 {
		writeError(w, http.StatusBadRequest, "instruction exceeds 10000 characters")
		return
	}
	if req.RepoPath == "" {
		req.RepoPath = "."
	}
	if req.MaxIters <= 0 {
		req.MaxIters = h.opts.DefaultMaxIters
	}
	if req.MaxIters > 10 {
		req.MaxIters = 10
	}

	j := h.jobs.create(req)
	writeJSON(w, http.StatusOK, runResponse{JobID: j.id})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listResponse{Jobs: h.jobs.list()})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	j, ok := h.jobs.get(model.JobID(chi.URLParam(r, "id")))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, j.snapshot())
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	j, ok := h.jobs.get(model.JobID(chi.URLParam(r, "id")))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	stopped := j.requestStop()
	writeJSON(w, http.StatusOK, stopResponse{OK: true, Stopped: stopped, Status: j.snapshot().Status})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
